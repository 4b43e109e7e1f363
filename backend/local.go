// Package backend provides execution backends: in-process Go handlers,
// remote MCP servers and subprocess commands.
package backend

import (
	"context"
	"strings"
	"sync"

	"github.com/jonwraymond/toolhub/execution"
	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/toolerr"
)

// LocalName is the default name of the in-process backend.
const LocalName = "local"

// Handler executes a local tool.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type progressKey struct{}

// ReportProgress sends a progress event from inside a Handler. It is a no-op
// when the caller did not ask for progress.
func ReportProgress(ctx context.Context, ev execution.ProgressEvent) {
	if fn, ok := ctx.Value(progressKey{}).(execution.ProgressFunc); ok && fn != nil {
		fn(ev)
	}
}

// Local runs Go handlers in-process.
type Local struct {
	name     string
	mu       sync.RWMutex
	handlers map[index.Key]Handler
}

// NewLocal returns an empty local backend. An empty name uses LocalName.
func NewLocal(name string) *Local {
	if strings.TrimSpace(name) == "" {
		name = LocalName
	}
	return &Local{name: name, handlers: make(map[index.Key]Handler)}
}

// Name implements execution.Backend.
func (l *Local) Name() string { return l.name }

// Capabilities implements execution.Backend. Handlers receive the invocation
// context and may report progress.
func (l *Local) Capabilities() execution.Capabilities {
	return execution.Capabilities{SupportsCancellation: true, SupportsProgress: true}
}

// Handle installs h for key, replacing any previous handler.
func (l *Local) Handle(key index.Key, h Handler) {
	l.mu.Lock()
	l.handlers[key] = h
	l.mu.Unlock()
}

// Handler returns the handler installed for key.
func (l *Local) Handler(key index.Key) (Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[key]
	return h, ok
}

// Remove deletes the handler for key.
func (l *Local) Remove(key index.Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[key]; !ok {
		return false
	}
	delete(l.handlers, key)
	return true
}

// Len returns the number of handlers.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers)
}

// Start implements execution.Backend.
func (l *Local) Start(ctx context.Context, req execution.Request, progress execution.ProgressFunc) (execution.Future, error) {
	key := req.Tool.Key()
	l.mu.RLock()
	h, ok := l.handlers[key]
	l.mu.RUnlock()
	if !ok || h == nil {
		return nil, toolerr.New(toolerr.KindBackendUnavailable, "no local handler for tool %q", key.String())
	}
	if progress != nil {
		ctx = context.WithValue(ctx, progressKey{}, progress)
	}
	args := req.Arguments
	return execution.Go(func() (*execution.Result, error) {
		v, err := h(ctx, args)
		if err != nil {
			return nil, err
		}
		return &execution.Result{Value: v}, nil
	}), nil
}
