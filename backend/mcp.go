package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/execution"
	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/internal/logutil"
	"github.com/jonwraymond/toolhub/toolerr"
)

// MCPConfig describes a remote MCP server connection.
type MCPConfig struct {
	// Name is a unique identifier for the backend.
	Name string
	// Namespace is applied to every discovered tool. Empty keeps the tools
	// un-namespaced.
	Namespace string
	// URL is the MCP server URL (http(s)://, sse://, stdio://).
	URL string
	// Command is the argv started for stdio:// URLs.
	Command []string
	// Headers are optional HTTP headers for authenticated backends.
	Headers map[string]string
	// MaxRetries controls reconnect attempts for streamable HTTP transport.
	MaxRetries int
	// RetrySafe allows one retry of a call that failed to dispatch.
	RetrySafe bool
	// Transport overrides URL handling when provided (useful for tests).
	Transport mcp.Transport
	Logger    pslog.Logger
}

// MCP forwards calls to a remote MCP server through the go-sdk client.
type MCP struct {
	config MCPConfig
	logger pslog.Logger

	mu         sync.RWMutex
	client     *mcp.Client
	session    *mcp.ClientSession
	tools      []model.Tool
	connected  bool
	generation uint64

	progress sync.Map // progress token -> execution.ProgressFunc
}

// NewMCP returns an unconnected MCP backend.
func NewMCP(cfg MCPConfig) (*MCP, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, toolerr.New(toolerr.KindInvalidArgument, "backend name is required")
	}
	if strings.Contains(cfg.Namespace, ":") {
		return nil, toolerr.New(toolerr.KindInvalidArgument, "namespace %q must not contain ':'", cfg.Namespace)
	}
	return &MCP{
		config: cfg,
		logger: logutil.WithSubsystem(cfg.Logger, "backend.mcp").With("backend", cfg.Name),
	}, nil
}

// Name implements execution.Backend.
func (b *MCP) Name() string { return b.config.Name }

// Capabilities implements execution.Backend. Cancelling the call context
// sends notifications/cancelled to the server.
func (b *MCP) Capabilities() execution.Capabilities {
	return execution.Capabilities{
		SupportsCancellation: true,
		SupportsProgress:     true,
		RetrySafe:            b.config.RetrySafe,
	}
}

// Connected reports whether a client session is open.
func (b *MCP) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Connect opens the client session and discovers the server's tools.
func (b *MCP) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	transport, err := b.transport()
	if err != nil {
		return err
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "toolhub"}, &mcp.ClientOptions{
		ProgressNotificationHandler: b.onProgress,
	})
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return toolerr.Wrap(toolerr.KindBackendUnavailable, err, "connect backend %q", b.config.Name)
	}

	tools, err := discover(ctx, session, b.config.Namespace)
	if err != nil {
		_ = session.Close()
		return toolerr.Wrap(toolerr.KindBackendUnavailable, err, "list tools of backend %q", b.config.Name)
	}

	b.mu.Lock()
	b.client = client
	b.session = session
	b.tools = tools
	b.connected = true
	b.generation++
	b.mu.Unlock()
	b.logger.Info("backend.mcp.connected", "tools", len(tools))
	return nil
}

func discover(ctx context.Context, session *mcp.ClientSession, namespace string) ([]model.Tool, error) {
	var tools []model.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		if tool == nil {
			continue
		}
		tools = append(tools, model.Tool{Tool: *tool, Namespace: namespace})
	}
	return tools, nil
}

// Close ends the client session.
func (b *MCP) Close() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	session := b.session
	b.client = nil
	b.session = nil
	b.connected = false
	b.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

// Descriptors returns index descriptors for the discovered tools. Each
// connect bumps the descriptor revision, so re-registering after a reconnect
// replaces the previous definitions.
func (b *MCP) Descriptors() []index.Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.tools) == 0 {
		return nil
	}
	out := make([]index.Descriptor, 0, len(b.tools))
	for _, tool := range b.tools {
		out = append(out, index.Descriptor{
			Tool:     tool,
			Revision: b.generation,
			Backend:  b.config.Name,
			Capabilities: index.Capabilities{
				SupportsProgress:     true,
				SupportsCancellation: true,
			},
		})
	}
	return out
}

// Start implements execution.Backend.
func (b *MCP) Start(ctx context.Context, req execution.Request, progress execution.ProgressFunc) (execution.Future, error) {
	b.mu.RLock()
	session := b.session
	connected := b.connected
	b.mu.RUnlock()

	if !connected || session == nil {
		return nil, toolerr.New(toolerr.KindBackendUnavailable, "backend %q not connected", b.config.Name)
	}

	params := &mcp.CallToolParams{
		Name:      req.Tool.Tool.Name,
		Arguments: req.Arguments,
	}
	token := req.InvocationID
	if progress != nil && token != "" {
		b.progress.Store(token, progress)
		params.SetProgressToken(token)
	}

	return execution.Go(func() (*execution.Result, error) {
		defer b.progress.Delete(token)
		result, err := session.CallTool(ctx, params)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, toolerr.Wrap(toolerr.KindBackendExecution, err, "tool execution failed")
		}
		if result == nil {
			return &execution.Result{}, nil
		}
		if result.IsError {
			return nil, toolerr.New(toolerr.KindBackendExecution, "%s", toolResultError(result))
		}
		return &execution.Result{Value: toolResultValue(result)}, nil
	}), nil
}

func (b *MCP) onProgress(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
	if req == nil || req.Params == nil {
		return
	}
	token := fmt.Sprint(req.Params.ProgressToken)
	fn, ok := b.progress.Load(token)
	if !ok {
		b.logger.Trace("backend.mcp.progress.orphan", "token", token)
		return
	}
	fn.(execution.ProgressFunc)(execution.ProgressEvent{
		Progress: req.Params.Progress,
		Total:    req.Params.Total,
		Message:  req.Params.Message,
	})
}

func (b *MCP) transport() (mcp.Transport, error) {
	if b.config.Transport != nil {
		return b.config.Transport, nil
	}
	if strings.TrimSpace(b.config.URL) == "" {
		return nil, toolerr.New(toolerr.KindInvalidArgument, "backend URL is required")
	}

	parsed, err := url.Parse(b.config.URL)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInvalidArgument, err, "invalid backend URL")
	}

	httpClient := httpClientWithHeaders(b.config.Headers)

	switch parsed.Scheme {
	case "http", "https":
		return &mcp.StreamableClientTransport{
			Endpoint:   b.config.URL,
			HTTPClient: httpClient,
			MaxRetries: b.config.MaxRetries,
		}, nil
	case "sse":
		parsed.Scheme = "http"
		return &mcp.SSEClientTransport{
			Endpoint:   parsed.String(),
			HTTPClient: httpClient,
		}, nil
	case "stdio":
		if len(b.config.Command) == 0 {
			return nil, errors.New("stdio backend requires a command")
		}
		return &mcp.CommandTransport{
			Command:           exec.Command(b.config.Command[0], b.config.Command[1:]...),
			TerminateDuration: 2 * time.Second,
		}, nil
	default:
		return nil, toolerr.New(toolerr.KindInvalidArgument, "unsupported backend URL scheme %q", parsed.Scheme)
	}
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.TrimSpace(k) == "" {
			continue
		}
		clone[k] = v
	}
	if len(clone) == 0 {
		return nil
	}
	return &http.Client{
		Transport: &headerRoundTripper{
			base:    http.DefaultTransport,
			headers: clone,
		},
	}
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	for key, value := range h.headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	return base.RoundTrip(req)
}

func toolResultValue(result *mcp.CallToolResult) any {
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	if len(result.Content) == 1 {
		if text, ok := result.Content[0].(*mcp.TextContent); ok {
			return text.Text
		}
	}
	return result.Content
}

func toolResultError(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok && text.Text != "" {
			return text.Text
		}
	}
	if result.StructuredContent != nil {
		return fmt.Sprintf("%v", result.StructuredContent)
	}
	return "tool execution failed"
}
