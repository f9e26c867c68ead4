// Package mcp is a minimal Model Context Protocol client over SSE. The
// research tools (web search, filings, market data, the Python sandbox)
// live in MCP servers; this client discovers and invokes them.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by calls pending when the client closes.
var ErrClosed = errors.New("mcp client closed")

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolError is a tool-level failure reported by the server with isError.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// RPCError is a JSON-RPC protocol error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// Client connects to one MCP server, discovers its tools and calls them via
// JSON-RPC posts whose replies arrive on the SSE stream.
type Client struct {
	name       string
	sseURL     string
	rpcURL     string
	httpClient *http.Client
	rpcTimeout time.Duration

	mu      sync.Mutex
	tools   []ToolInfo
	pending map[int]chan rpcReply
	closed  bool
	nextID  atomic.Int64
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for both SSE and RPC.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRPCTimeout bounds how long a single RPC waits for its reply.
func WithRPCTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.rpcTimeout = d
		}
	}
}

// NewClient creates a client for the given SSE endpoint.
func NewClient(name, sseURL string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		name:       name,
		sseURL:     sseURL,
		httpClient: http.DefaultClient,
		rpcTimeout: 60 * time.Second,
		pending:    make(map[int]chan rpcReply),
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// ListTools returns the tools discovered at connect time.
func (c *Client) ListTools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolInfo(nil), c.tools...)
}

// Connect opens the SSE stream, waits for the endpoint event and fetches
// the tool list.
func (c *Client) Connect(ctx context.Context) error {
	sseCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(sseCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	endpoint, err := readEndpoint(scanner)
	if err != nil {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp endpoint event: %w", err)
	}
	c.rpcURL = c.resolveURL(endpoint)
	c.cancel = cancel
	c.logger.Info("MCP endpoint discovered", zap.String("name", c.name), zap.String("rpc", c.rpcURL))

	go c.readSSE(sseCtx, scanner, resp.Body)

	if err := c.fetchTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.logger.Info("MCP tools discovered", zap.String("name", c.name), zap.Int("count", len(c.ListTools())))
	return nil
}

func readEndpoint(scanner *bufio.Scanner) (string, error) {
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if eventType == "endpoint" {
				return strings.TrimSpace(strings.TrimPrefix(line, "data:")), nil
			}
		}
	}
	return "", fmt.Errorf("SSE stream ended without endpoint event")
}

// resolveURL turns a relative endpoint path into an absolute URL.
func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base := c.sseURL
	if i := strings.Index(base, "://"); i >= 0 {
		if j := strings.Index(base[i+3:], "/"); j >= 0 {
			base = base[:i+3+j]
		}
	}
	return base + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) readSSE(ctx context.Context, scanner *bufio.Scanner, body io.ReadCloser) {
	defer body.Close()
	var eventType string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if eventType == "message" || eventType == "" {
				c.dispatch([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
			}
			eventType = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Warn("MCP stream ended", zap.String("name", c.name), zap.Error(err))
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		ID     *int            `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.ID == nil {
		c.logger.Debug("mcp: ignoring non-jsonrpc SSE data")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*envelope.ID]
	delete(c.pending, *envelope.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if envelope.Error != nil {
		ch <- rpcReply{err: envelope.Error}
		return
	}
	ch <- rpcReply{result: envelope.Result}
}

func (c *Client) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) sendRPC(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := int(c.nextID.Add(1))
	ch := make(chan rpcReply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	body, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.forget(id)
		return nil, fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}

	timer := time.NewTimer(c.rpcTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return reply.result, reply.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("mcp rpc timeout for %s", method)
	}
}

func (c *Client) fetchTools(ctx context.Context) error {
	result, err := c.sendRPC(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool and returns its text content joined by newlines.
// A result flagged isError is returned as a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := c.sendRPC(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return string(result), nil
	}

	var parts []string
	for _, item := range resp.Content {
		if item.Type == "text" || item.Type == "" {
			parts = append(parts, item.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if resp.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	if len(parts) == 0 {
		return string(result), nil
	}
	return text, nil
}

// Close stops the SSE reader and fails pending calls with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return nil
}
