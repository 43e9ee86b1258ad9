package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/panelmux/panelmux"
)

func rpcServer(t *testing.T, handler func(t *testing.T, req request) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("jsonrpc = %q, want 2.0", req.JSONRPC)
		}
		result := handler(t, req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr, ok := result.(*rpcError); ok {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestListTools(t *testing.T) {
	server := rpcServer(t, func(t *testing.T, req request) any {
		if req.Method != "tools/list" {
			t.Errorf("method = %q, want tools/list", req.Method)
		}
		return toolsListResult{Tools: []toolSpec{
			{
				Name:        "search",
				Description: "Search the web",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
			},
			{Name: "time", Description: "Current time"},
		}}
	})
	defer server.Close()

	client := New(server.URL)
	defs, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d tools, want 2", len(defs))
	}
	if defs[0].Name != "search" || defs[0].Description != "Search the web" {
		t.Errorf("first tool = %+v", defs[0])
	}
	if !strings.Contains(string(defs[0].Parameters), `"query"`) {
		t.Errorf("Parameters = %s, want input schema passed through", defs[0].Parameters)
	}
	if string(defs[1].Parameters) != `{}` {
		t.Errorf("empty schema Parameters = %s, want {}", defs[1].Parameters)
	}
}

func TestCallToolConcatenatesText(t *testing.T) {
	server := rpcServer(t, func(t *testing.T, req request) any {
		if req.Method != "tools/call" {
			t.Errorf("method = %q, want tools/call", req.Method)
		}
		data, err := json.Marshal(req.Params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		var params toolsCallParams
		if err := json.Unmarshal(data, &params); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if params.Name != "search" {
			t.Errorf("tool name = %q, want search", params.Name)
		}
		if string(params.Arguments) != `{"query":"go"}` {
			t.Errorf("arguments = %s", params.Arguments)
		}
		return toolsCallResult{Content: []contentBlock{
			{Type: "text", Text: "first "},
			{Type: "image", Text: "ignored"},
			{Type: "text", Text: "second"},
		}}
	})
	defer server.Close()

	client := New(server.URL)
	got, err := client.CallTool(context.Background(), "search", json.RawMessage(`{"query":"go"}`))
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if got != "first second" {
		t.Errorf("result = %q, want %q", got, "first second")
	}
}

func TestCallToolDefaultsEmptyArguments(t *testing.T) {
	server := rpcServer(t, func(t *testing.T, req request) any {
		data, _ := json.Marshal(req.Params)
		var params toolsCallParams
		if err := json.Unmarshal(data, &params); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if string(params.Arguments) != `{}` {
			t.Errorf("arguments = %s, want {}", params.Arguments)
		}
		return toolsCallResult{Content: []contentBlock{{Type: "text", Text: "ok"}}}
	})
	defer server.Close()

	client := New(server.URL)
	if _, err := client.CallTool(context.Background(), "time", nil); err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
}

func TestCallToolIsError(t *testing.T) {
	server := rpcServer(t, func(t *testing.T, req request) any {
		return toolsCallResult{
			Content: []contentBlock{{Type: "text", Text: "no such page"}},
			IsError: true,
		}
	})
	defer server.Close()

	client := New(server.URL)
	_, err := client.CallTool(context.Background(), "fetch", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for isError result")
	}
	if !strings.Contains(err.Error(), "no such page") {
		t.Errorf("error = %v, want tool text included", err)
	}
}

func TestCallRPCError(t *testing.T) {
	server := rpcServer(t, func(t *testing.T, req request) any {
		return &rpcError{Code: -32601, Message: "method not found"}
	})
	defer server.Close()

	client := New(server.URL)
	_, err := client.ListTools(context.Background())
	if err == nil {
		t.Fatal("expected error for rpc error response")
	}
	if !strings.Contains(err.Error(), "method not found") {
		t.Errorf("error = %v, want rpc message included", err)
	}
}

func TestCallHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tool server restarting", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.ListTools(context.Background())
	var httpErr *panelmux.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *panelmux.ErrHTTP", err)
	}
	if httpErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", httpErr.Status)
	}
}

func TestCallIncrementsRequestID(t *testing.T) {
	var ids []int64
	server := rpcServer(t, func(t *testing.T, req request) any {
		ids = append(ids, req.ID)
		return toolsListResult{}
	})
	defer server.Close()

	client := New(server.URL)
	for range 3 {
		if _, err := client.ListTools(context.Background()); err != nil {
			t.Fatalf("ListTools() error: %v", err)
		}
	}
	if len(ids) != 3 || ids[0] >= ids[1] || ids[1] >= ids[2] {
		t.Errorf("request ids = %v, want strictly increasing", ids)
	}
}
