// Package toolrpc implements panelmux.ToolBackend against a tool server
// speaking JSON-RPC 2.0 over HTTP. The method surface mirrors the Model
// Context Protocol tool operations: tools/list for the catalog and
// tools/call for execution.
package toolrpc

import "encoding/json"

// --- JSON-RPC 2.0 types ---

// request is an outgoing JSON-RPC 2.0 request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an incoming JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// --- Tool method payloads ---

// toolSpec describes one tool in the server's catalog.
type toolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolsListResult is the response to tools/list.
type toolsListResult struct {
	Tools []toolSpec `json:"tools"`
}

// toolsCallParams is the request payload for tools/call.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolsCallResult is the response to tools/call. Content blocks of type
// "text" are concatenated; IsError marks a tool-level failure whose text is
// still the result content.
type toolsCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
