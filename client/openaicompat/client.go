package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/panelmux/panelmux"
)

// Client implements panelmux.CompletionClient over HTTP.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ panelmux.CompletionClient = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.client = c }
}

// WithLogger sets a structured logger for request errors.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// New creates a completion client. baseURL is the API base (e.g.
// "https://api.openai.com/v1", "http://localhost:11434/v1"); the
// /chat/completions path is appended automatically.
func New(apiKey, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends a non-streaming request and returns the parsed response.
func (c *Client) Complete(ctx context.Context, req panelmux.ChatRequest) (panelmux.ChatResponse, error) {
	body := BuildBody(req)
	body.Stream = false

	resp, err := c.send(ctx, body)
	if err != nil {
		return panelmux.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return panelmux.ChatResponse{}, httpErr(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return panelmux.ChatResponse{}, fmt.Errorf("read response: %w", err)
	}
	var parsed ChatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return panelmux.ChatResponse{}, &panelmux.ErrLLM{Provider: "openaicompat", Message: "malformed response: " + err.Error()}
	}
	return ParseResponse(parsed), nil
}

// Stream sends a streaming request and hands the raw body to the caller.
// The status line is checked here; everything after that is the stream
// engine's problem.
func (c *Client) Stream(ctx context.Context, req panelmux.ChatRequest) (io.ReadCloser, error) {
	body := BuildBody(req)
	body.Stream = true

	resp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpErr(resp)
	}
	return resp.Body, nil
}

func (c *Client) send(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Debug("openaicompat: request failed", "model", body.Model, "error", err)
		return nil, &panelmux.ErrLLM{Provider: "openaicompat", Message: err.Error()}
	}
	c.logger.Debug("openaicompat: response", "model", body.Model, "status", resp.StatusCode)
	return resp, nil
}

// ParseResponse converts the wire response into the engine's form,
// extracting content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) panelmux.ChatResponse {
	var out panelmux.ChatResponse
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = parseToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = panelmux.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseToolCalls converts wire tool calls, tolerating invalid argument JSON
// (replaced with an empty object rather than failing the response).
func parseToolCalls(tcs []ToolCallRequest) []panelmux.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]panelmux.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, panelmux.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

// httpErr drains the body into an ErrHTTP, carrying Retry-After when the
// server sent one.
func httpErr(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &panelmux.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
