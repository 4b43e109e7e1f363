package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolhub/execution"
	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/session"
	"github.com/jonwraymond/toolhub/toolerr"
)

// MCPRequest represents an incoming MCP JSON-RPC request. A request without
// an ID is a notification.
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r MCPRequest) IsNotification() bool { return r.ID == nil }

// MCPResponse represents an MCP JSON-RPC response.
type MCPResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *MCPError `json:"error,omitempty"`
}

// MCPError is a JSON-RPC error object.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MCPNotification is a server-initiated JSON-RPC notification.
type MCPNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification methods sent to clients.
const (
	MethodToolsListChanged = "notifications/tools/list_changed"
	MethodProgress         = "notifications/progress"
)

// SendFunc writes one notification to the client.
type SendFunc func(ctx context.Context, n MCPNotification) error

// Conn is one client connection: a session receiving list-changed
// notifications plus the calls it has in flight.
type Conn struct {
	reg  *Registry
	sess *session.Session
	send SendFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	calls map[string]*execution.Invocation
}

// NewConn connects a session for a transport. An empty id is replaced by a
// new ULID. send may be nil for transports that cannot push.
func (r *Registry) NewConn(id string, send SendFunc) (*Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		reg:    r,
		send:   send,
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]*execution.Invocation),
	}
	sess, err := r.Connect(id, c.deliverListChanged)
	if err != nil {
		cancel()
		return nil, err
	}
	c.sess = sess
	return c, nil
}

// SessionID returns the connection's session id.
func (c *Conn) SessionID() string { return c.sess.ID() }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Handle processes one request. It returns nil for notifications.
func (c *Conn) Handle(ctx context.Context, req MCPRequest) *MCPResponse {
	return c.reg.handle(ctx, c, req)
}

// Close cancels the connection's in-flight calls and disconnects its session.
func (c *Conn) Close() {
	c.cancel()
	c.mu.Lock()
	calls := make([]*execution.Invocation, 0, len(c.calls))
	for _, inv := range c.calls {
		calls = append(calls, inv)
	}
	c.mu.Unlock()
	for _, inv := range calls {
		inv.Cancel("connection closed")
	}
	c.reg.Disconnect(c.sess.ID())
}

func (c *Conn) notify(ctx context.Context, method string, params any) error {
	if c == nil || c.send == nil {
		return nil
	}
	return c.send(ctx, MCPNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Conn) deliverListChanged(ctx context.Context, revision uint64) error {
	return c.notify(ctx, MethodToolsListChanged, map[string]any{
		"_meta": map[string]any{"revision": revision},
	})
}

func (c *Conn) track(reqID any, inv *execution.Invocation) string {
	key := requestKey(reqID)
	c.mu.Lock()
	c.calls[key] = inv
	c.mu.Unlock()
	return key
}

func (c *Conn) untrack(key string) {
	c.mu.Lock()
	delete(c.calls, key)
	c.mu.Unlock()
}

func (c *Conn) lookup(reqID any) (*execution.Invocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.calls[requestKey(reqID)]
	return inv, ok
}

// requestKey distinguishes 1 from "1".
func requestKey(id any) string {
	b, _ := json.Marshal(id)
	return string(b)
}

// HandleRequest processes a request without a connection: no progress,
// no list-changed notifications and no cancellation by request id.
func (r *Registry) HandleRequest(ctx context.Context, req MCPRequest) *MCPResponse {
	return r.handle(ctx, nil, req)
}

func (r *Registry) handle(ctx context.Context, c *Conn, req MCPRequest) *MCPResponse {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, &MCPError{Code: ErrCodeInvalidRequest, Message: "jsonrpc must be \"2.0\""})
	}
	switch req.Method {
	case "initialize":
		return r.handleInitialize(req.ID)
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return r.handleToolsList(req.ID, req.Params)
	case "tools/search":
		return r.handleToolsSearch(req.ID, req.Params)
	case "tools/call":
		return r.handleToolsCall(ctx, c, req.ID, req.Params)
	case "notifications/initialized":
		return nil
	case "notifications/cancelled":
		r.handleCancelled(c, req.Params)
		return nil
	default:
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, &MCPError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method %s not found", req.Method),
		})
	}
}

func result(id any, v any) *MCPResponse {
	return &MCPResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func errorResponse(id any, e *MCPError) *MCPResponse {
	return &MCPResponse{JSONRPC: "2.0", ID: id, Error: e}
}

func invalidParams(id any, err error) *MCPResponse {
	return errorResponse(id, &MCPError{
		Code:    ErrCodeInvalidParams,
		Message: err.Error(),
		Data:    map[string]any{"kind": string(toolerr.KindInvalidArgument)},
	})
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (r *Registry) handleInitialize(id any) *MCPResponse {
	return result(id, map[string]any{
		"protocolVersion": model.MCPVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{
				"listChanged": r.notifier.Enabled(),
			},
		},
		"serverInfo": map[string]any{
			"name":    r.config.ServerInfo.Name,
			"version": r.config.ServerInfo.Version,
		},
	})
}

type toolsListParams struct {
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

type toolsSearchParams struct {
	Query    string `json:"query"`
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

func (r *Registry) handleToolsList(id any, params json.RawMessage) *MCPResponse {
	var p toolsListParams
	if err := decodeParams(params, &p); err != nil {
		return invalidParams(id, err)
	}
	page, err := r.List(p.Cursor, p.PageSize)
	if err != nil {
		return errorResponse(id, toMCPError(err))
	}
	return result(id, pageResult(page))
}

func (r *Registry) handleToolsSearch(id any, params json.RawMessage) *MCPResponse {
	var p toolsSearchParams
	if err := decodeParams(params, &p); err != nil {
		return invalidParams(id, err)
	}
	page, err := r.Search(p.Query, p.Cursor, p.PageSize)
	if err != nil {
		return errorResponse(id, toMCPError(err))
	}
	return result(id, pageResult(page))
}

func pageResult(page index.Page) map[string]any {
	tools := make([]map[string]any, 0, len(page.Items))
	for _, d := range page.Items {
		tools = append(tools, toMCPTool(d))
	}
	out := map[string]any{
		"tools": tools,
		"_meta": map[string]any{"revision": page.Revision},
	}
	if page.NextCursor != "" {
		out["nextCursor"] = page.NextCursor
	}
	return out
}

// toMCPTool renders a descriptor for tools/list. The wire name is the tool
// id so tools/call can resolve namespaced tools.
func toMCPTool(d index.Descriptor) map[string]any {
	out := map[string]any{
		"name":        d.Key().String(),
		"description": d.Tool.Description,
		"inputSchema": d.Tool.InputSchema,
	}
	if d.Tool.Title != "" {
		out["title"] = d.Tool.Title
	}
	if d.Tool.Annotations != nil {
		out["annotations"] = d.Tool.Annotations
	}
	return out
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      struct {
		ProgressToken any `json:"progressToken,omitempty"`
	} `json:"_meta"`
}

func (r *Registry) handleToolsCall(ctx context.Context, c *Conn, id any, params json.RawMessage) *MCPResponse {
	var p toolsCallParams
	if err := decodeParams(params, &p); err != nil {
		return invalidParams(id, err)
	}

	var opts execution.CallOptions
	if token := p.Meta.ProgressToken; token != nil && c != nil && c.send != nil {
		opts.Progress = func(ev execution.ProgressEvent) {
			params := &mcp.ProgressNotificationParams{
				ProgressToken: token,
				Progress:      ev.Progress,
				Total:         ev.Total,
				Message:       ev.Message,
			}
			if err := c.notify(c.ctx, MethodProgress, params); err != nil {
				r.logger.Debug("registry.progress.dropped", "session", c.SessionID(), "error", err)
			}
		}
	}

	inv, err := r.Dispatch(ctx, p.Name, p.Arguments, opts)
	if err != nil {
		return errorResponse(id, toMCPError(err))
	}
	if c != nil && id != nil {
		key := c.track(id, inv)
		defer c.untrack(key)
	}

	res, err := inv.Wait()
	if err != nil {
		return errorResponse(id, toMCPError(err))
	}
	return result(id, toCallToolResult(res))
}

func toCallToolResult(res *execution.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{}
	if res == nil || res.Value == nil {
		out.Content = []mcp.Content{}
		return out
	}
	switch v := res.Value.(type) {
	case *mcp.CallToolResult:
		return v
	case string:
		out.Content = []mcp.Content{&mcp.TextContent{Text: v}}
	case []mcp.Content:
		out.Content = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			out.Content = []mcp.Content{&mcp.TextContent{Text: fmt.Sprint(v)}}
			return out
		}
		out.Content = []mcp.Content{&mcp.TextContent{Text: string(data)}}
		if obj, ok := v.(map[string]any); ok {
			out.StructuredContent = obj
		}
	}
	return out
}

type cancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

func (r *Registry) handleCancelled(c *Conn, params json.RawMessage) {
	if c == nil {
		return
	}
	var p cancelledParams
	if err := decodeParams(params, &p); err != nil || p.RequestID == nil {
		return
	}
	inv, ok := c.lookup(p.RequestID)
	if !ok {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "cancelled by client"
	}
	inv.Cancel(reason)
}
