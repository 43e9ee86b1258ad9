package toolrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/panelmux/panelmux"
)

// Client talks JSON-RPC 2.0 to a tool server over HTTP POST.
type Client struct {
	url    string
	client *http.Client
	logger *slog.Logger
	nextID atomic.Int64
}

var _ panelmux.ToolBackend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithLogger sets a structured logger for RPC failures.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a tool backend client for the given server URL.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		client: &http.Client{},
		logger: nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListTools fetches the server's tool catalog in function-calling form.
func (c *Client) ListTools(ctx context.Context) ([]panelmux.ToolDefinition, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}

	defs := make([]panelmux.ToolDefinition, 0, len(result.Tools))
	for _, t := range result.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		defs = append(defs, panelmux.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return defs, nil
}

// CallTool executes one tool and returns its textual content. A tool-level
// error (IsError) is returned as a Go error so the loop records it as the
// tool-result content.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", toolsCallParams{Name: name, Arguments: args}, &result); err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text.String())
	}
	return text.String(), nil
}

// call performs one JSON-RPC round trip, decoding the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	req := request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return &panelmux.ErrHTTP{Status: httpResp.StatusCode, Body: string(data)}
	}

	var resp response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
