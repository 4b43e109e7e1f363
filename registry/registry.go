package registry

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/toolfoundation/model"
	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/backend"
	"github.com/jonwraymond/toolhub/cursor"
	"github.com/jonwraymond/toolhub/execution"
	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/internal/logutil"
	"github.com/jonwraymond/toolhub/notify"
	"github.com/jonwraymond/toolhub/search"
	"github.com/jonwraymond/toolhub/session"
	"github.com/jonwraymond/toolhub/toolerr"
)

// Config configures a Registry.
type Config struct {
	ServerInfo   ServerInfo
	SearchConfig *search.BM25Config

	// DebounceWindow coalesces list-changed notifications. Zero selects
	// notify.DefaultWindow.
	DebounceWindow time.Duration
	// NotificationsDisabled stops list-changed notifications entirely.
	NotificationsDisabled bool

	DefaultPageSize int
	MaxPageSize     int
	// CursorHistory is the number of past revisions kept for cursor
	// resumption.
	CursorHistory int
	// CursorSecret keys cursor tags. Empty picks a random per-process secret.
	CursorSecret []byte
	StalePolicy  cursor.Policy

	// InvocationTimeout applies to calls that set no timeout. Zero means none.
	InvocationTimeout time.Duration
	// MaxConcurrent caps in-flight invocations. Zero means unlimited.
	MaxConcurrent  int64
	ProgressBuffer int

	Logger pslog.Logger
}

// ServerInfo describes this MCP server for initialize response.
type ServerInfo struct {
	Name    string
	Version string
}

func (c Config) validate() error {
	switch {
	case c.DebounceWindow < 0:
		return toolerr.New(toolerr.KindInvalidArgument, "debounce window must not be negative")
	case c.DefaultPageSize < 0 || c.MaxPageSize < 0:
		return toolerr.New(toolerr.KindInvalidArgument, "page sizes must not be negative")
	case c.MaxPageSize > 0 && c.DefaultPageSize > c.MaxPageSize:
		return toolerr.New(toolerr.KindInvalidArgument, "default page size %d exceeds max page size %d", c.DefaultPageSize, c.MaxPageSize)
	case c.CursorHistory < 0:
		return toolerr.New(toolerr.KindInvalidArgument, "cursor history must not be negative")
	case c.InvocationTimeout < 0:
		return toolerr.New(toolerr.KindInvalidArgument, "invocation timeout must not be negative")
	case c.MaxConcurrent < 0:
		return toolerr.New(toolerr.KindInvalidArgument, "max concurrent must not be negative")
	}
	return nil
}

// Registry is a high-level MCP tool registry with built-in search,
// local tool registration, MCP backend connection and list-changed
// notifications.
type Registry struct {
	mu     sync.RWMutex
	config Config
	logger pslog.Logger

	index    *index.InMemoryIndex
	searcher *search.BM25Searcher
	notifier *notify.Notifier
	sessions *session.Registry
	coord    *execution.Coordinator
	local    *backend.Local
	commands *backend.Command
	backends map[string]*backend.MCP
	metrics  *metrics

	detach  func()
	started bool
	closed  bool
}

// New creates a new Registry with the given config.
func New(cfg Config) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ServerInfo.Name == "" {
		cfg.ServerInfo.Name = "toolhub"
	}
	logger := logutil.EnsureLogger(cfg.Logger)

	searcher := search.NewBM25Searcher(search.BM25Config{})
	if cfg.SearchConfig != nil {
		searcher = search.NewBM25Searcher(*cfg.SearchConfig)
	}

	idx := index.NewInMemoryIndex(index.IndexOptions{
		Searcher:        searcher,
		Codec:           cursor.NewCodec(cfg.CursorSecret),
		StalePolicy:     cfg.StalePolicy,
		HistoryLimit:    cfg.CursorHistory,
		DefaultPageSize: cfg.DefaultPageSize,
		MaxPageSize:     cfg.MaxPageSize,
	})

	m := newMetrics()
	sessions := session.NewRegistry(session.Options{Revision: idx.Revision, Logger: logger})
	notifier := notify.New(sessions, notify.Config{
		Window:     cfg.DebounceWindow,
		Disabled:   cfg.NotificationsDisabled,
		Logger:     logger,
		OnDelivery: m.observeDelivery,
	})
	sessions.Bind(notifier)

	coord := execution.New(idx, execution.Options{
		DefaultTimeout: cfg.InvocationTimeout,
		ProgressBuffer: cfg.ProgressBuffer,
		MaxConcurrent:  cfg.MaxConcurrent,
		Logger:         logger,
		OnComplete:     m.observeOutcome,
	})

	r := &Registry{
		config:   cfg,
		logger:   logutil.WithSubsystem(logger, "registry"),
		index:    idx,
		searcher: searcher,
		notifier: notifier,
		sessions: sessions,
		coord:    coord,
		local:    backend.NewLocal(backend.LocalName),
		commands: backend.NewCommand(backend.CommandName),
		backends: make(map[string]*backend.MCP),
		metrics:  m,
	}
	if err := coord.RegisterBackend(r.local); err != nil {
		return nil, err
	}
	if err := coord.RegisterBackend(r.commands); err != nil {
		return nil, err
	}
	r.detach = idx.OnChange(func(ev index.ChangeEvent) {
		notifier.Observe(ev)
		m.observeChange(ev)
	})
	m.registerGauges(r)
	return r, nil
}

// Index returns the underlying tool index.
func (r *Registry) Index() *index.InMemoryIndex { return r.index }

// Commands returns the subprocess backend, which the manifest loader feeds.
func (r *Registry) Commands() *backend.Command { return r.commands }

// Notifier returns the change notifier.
func (r *Registry) Notifier() *notify.Notifier { return r.notifier }

// Revision returns the current index revision.
func (r *Registry) Revision() uint64 { return r.index.Revision() }

// Register installs or updates a descriptor and returns the new revision.
func (r *Registry) Register(d index.Descriptor) (uint64, error) {
	return r.index.Register(d)
}

// RegisterBatch installs descriptors atomically under one revision.
func (r *Registry) RegisterBatch(ds []index.Descriptor) (uint64, error) {
	return r.index.RegisterBatch(ds)
}

// Deregister removes the tool with id ("namespace:name" or "name").
func (r *Registry) Deregister(id string) (uint64, error) {
	k, err := index.ParseKey(id)
	if err != nil {
		return 0, err
	}
	d, err := r.index.Get(k)
	if err != nil {
		return 0, err
	}
	rev, err := r.index.Deregister(k)
	if err != nil {
		return 0, err
	}
	if d.Backend == r.local.Name() {
		r.local.Remove(k)
	}
	return rev, nil
}

// RegisterLocal registers a tool with a local execution handler.
func (r *Registry) RegisterLocal(tool model.Tool, handler ToolHandler, opts ...LocalToolOption) (uint64, error) {
	if handler == nil {
		return 0, toolerr.New(toolerr.KindInvalidArgument, "handler is required")
	}
	if err := tool.Validate(); err != nil {
		return 0, toolerr.Wrap(toolerr.KindInvalidArgument, err, "invalid tool: %v", err)
	}
	cfg := applyLocalToolOptions(opts)
	d := index.Descriptor{
		Tool:     tool,
		Revision: cfg.revision,
		Backend:  r.local.Name(),
		Capabilities: index.Capabilities{
			SupportsProgress:     cfg.progress,
			SupportsCancellation: true,
		},
	}
	k := d.Key()
	if d.Revision == 0 {
		d.Revision = 1
		if existing, err := r.index.Get(k); err == nil {
			d.Revision = existing.Revision + 1
		}
	}

	// the handler must be reachable as soon as the revision is visible
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, hadPrev := r.local.Handler(k)
	r.local.Handle(k, handler)
	rev, err := r.index.Register(d)
	if err != nil {
		if hadPrev {
			r.local.Handle(k, prev)
		} else {
			r.local.Remove(k)
		}
		return 0, err
	}
	return rev, nil
}

// RegisterLocalFunc is a convenience for inline tool definition.
func (r *Registry) RegisterLocalFunc(
	name, description string,
	inputSchema map[string]any,
	handler ToolHandler,
	opts ...LocalToolOption,
) (uint64, error) {
	cfg := applyLocalToolOptions(opts)
	tool := buildLocalTool(name, description, inputSchema, cfg)
	return r.RegisterLocal(tool, handler, opts...)
}

// RegisterBackend adds a custom execution backend.
func (r *Registry) RegisterBackend(b execution.Backend) error {
	return r.coord.RegisterBackend(b)
}

// RegisterMCP registers an MCP server as a backend.
// Tools from this backend are discovered and registered on Start, or
// immediately when the registry is already started.
func (r *Registry) RegisterMCP(cfg backend.MCPConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = r.config.Logger
	}
	b, err := backend.NewMCP(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.backends[cfg.Name]; exists {
		r.mu.Unlock()
		return toolerr.New(toolerr.KindConflict, "backend %q already registered", cfg.Name)
	}
	if err := r.coord.RegisterBackend(b); err != nil {
		r.mu.Unlock()
		return err
	}
	r.backends[cfg.Name] = b
	started := r.started
	r.mu.Unlock()

	if started {
		if err := r.connectMCP(context.Background(), b); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) connectMCP(ctx context.Context, b *backend.MCP) error {
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect backend %s: %w", b.Name(), err)
	}
	ds := b.Descriptors()
	if len(ds) == 0 {
		return nil
	}
	if _, err := r.index.RegisterBatch(ds); err != nil {
		_ = b.Close()
		return fmt.Errorf("failed to register backend %s tools: %w", b.Name(), err)
	}
	return nil
}

// UnregisterMCP removes a registered MCP backend and its tools.
func (r *Registry) UnregisterMCP(name string) error {
	r.mu.Lock()
	b, exists := r.backends[name]
	if !exists {
		r.mu.Unlock()
		return toolerr.New(toolerr.KindNotFound, "backend %q not registered", name)
	}
	delete(r.backends, name)
	r.mu.Unlock()

	r.coord.DeregisterBackend(name)
	if _, removed := r.index.RemoveBackend(name); removed > 0 {
		r.logger.Info("registry.backend.removed", "backend", name, "tools", removed)
	}
	return b.Close()
}

// List returns one page of the tool listing.
func (r *Registry) List(cursorToken string, pageSize int) (index.Page, error) {
	return r.index.ListPage(cursorToken, pageSize)
}

// Search returns one page of search results for query.
func (r *Registry) Search(query, cursorToken string, pageSize int) (index.Page, error) {
	return r.index.SearchPage(query, cursorToken, pageSize)
}

// ListNamespaces returns all tool namespaces.
func (r *Registry) ListNamespaces() []string {
	return r.index.ListNamespaces()
}

// GetTool returns a tool by ID.
func (r *Registry) GetTool(id string) (index.Descriptor, error) {
	return r.index.Lookup(id)
}

// Dispatch starts a tool call and returns without waiting for the result.
func (r *Registry) Dispatch(ctx context.Context, id string, args map[string]any, opts execution.CallOptions) (*execution.Invocation, error) {
	k, err := index.ParseKey(id)
	if err != nil {
		return nil, err
	}
	return r.coord.Dispatch(ctx, k, args, opts)
}

// Invoke runs a tool by ID with the given arguments.
func (r *Registry) Invoke(ctx context.Context, id string, args map[string]any, opts execution.CallOptions) (*execution.Result, error) {
	inv, err := r.Dispatch(ctx, id, args, opts)
	if err != nil {
		return nil, err
	}
	return inv.Wait()
}

// Cancel cancels an in-flight invocation.
func (r *Registry) Cancel(invocationID, reason string) bool {
	return r.coord.Cancel(invocationID, reason)
}

// Connect registers a session that receives list-changed notifications
// through deliver.
func (r *Registry) Connect(id string, deliver session.DeliverFunc) (*session.Session, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return r.sessions.Connect(id, deliver)
}

// Disconnect removes a session.
func (r *Registry) Disconnect(id string) bool {
	return r.sessions.Disconnect(id)
}

// Start connects MCP backends and registers their tools.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	backends := r.mcpBackendsLocked()
	r.mu.Unlock()

	connected := make([]*backend.MCP, 0, len(backends))
	for _, b := range backends {
		if err := r.connectMCP(ctx, b); err != nil {
			for _, c := range connected {
				r.index.RemoveBackend(c.Name())
				_ = c.Close()
			}
			r.mu.Lock()
			r.started = false
			r.mu.Unlock()
			return err
		}
		connected = append(connected, b)
	}

	r.logger.Info("registry.started", "backends", len(backends), "tools", r.index.Len())
	return nil
}

// Stop gracefully shuts down all backend connections. Tools of MCP backends
// stay registered until the next Start rediscovers them.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	backends := r.mcpBackendsLocked()
	r.mu.Unlock()

	for _, b := range backends {
		if err := b.Close(); err != nil {
			return fmt.Errorf("failed to disconnect backend %s: %w", b.Name(), err)
		}
	}
	r.logger.Info("registry.stopped")
	return nil
}

// Close stops the registry and releases the notifier, sessions and search
// index. The registry cannot be restarted.
func (r *Registry) Close() error {
	err := r.Stop()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return err
	}
	r.closed = true
	r.mu.Unlock()

	r.detach()
	r.sessions.Close()
	r.notifier.Close()
	if closeErr := r.searcher.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (r *Registry) mcpBackendsLocked() []*backend.MCP {
	out := make([]*backend.MCP, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// RegistryStats returns registry statistics.
type RegistryStats struct {
	TotalTools    int
	LocalTools    int
	MCPTools      int
	CommandTools  int
	Backends      int
	Sessions      int
	InFlight      int
	IndexRevision uint64
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	snap := r.index.Snapshot()
	r.mu.RLock()
	mcpNames := make(map[string]struct{}, len(r.backends))
	for name := range r.backends {
		mcpNames[name] = struct{}{}
	}
	r.mu.RUnlock()

	stats := RegistryStats{
		TotalTools:    snap.Len(),
		Backends:      len(r.coord.Backends()),
		Sessions:      r.sessions.Len(),
		InFlight:      r.coord.InFlight(),
		IndexRevision: snap.Revision(),
	}
	for _, d := range snap.Items() {
		switch {
		case d.Backend == r.local.Name():
			stats.LocalTools++
		case d.Backend == r.commands.Name():
			stats.CommandTools++
		default:
			if _, ok := mcpNames[d.Backend]; ok {
				stats.MCPTools++
			}
		}
	}
	return stats
}

// HealthCheck returns nil if the registry is healthy.
func (r *Registry) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}
	if !r.started {
		return ErrNotStarted
	}

	var down []string
	for name, b := range r.backends {
		if !b.Connected() {
			down = append(down, name)
		}
	}
	if len(down) > 0 {
		sort.Strings(down)
		return fmt.Errorf("backends not connected: %s", strings.Join(down, ", "))
	}
	return nil
}

// MetricsHandler serves the registry's Prometheus metrics.
func (r *Registry) MetricsHandler() http.Handler {
	return r.metrics.handler()
}
