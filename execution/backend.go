package execution

import (
	"context"
	"fmt"

	"github.com/jonwraymond/toolhub/index"
)

// Capabilities describe what a backend honours.
type Capabilities struct {
	// SupportsCancellation means the backend stops work when its context is
	// cancelled.
	SupportsCancellation bool
	// SupportsProgress means the backend reports progress events.
	SupportsProgress bool
	// RetrySafe means a failed Start may be retried once.
	RetrySafe bool
}

// ProgressEvent is one progress report.
type ProgressEvent struct {
	Progress float64
	Total    float64
	Message  string
}

// ProgressFunc reports progress. It may block while the caller's queue is
// full and returns immediately once the invocation has ended.
type ProgressFunc func(ProgressEvent)

// Request is a dispatched call.
type Request struct {
	InvocationID string
	// Tool is the descriptor resolved at dispatch time.
	Tool      index.Descriptor
	Arguments map[string]any
}

// Result is a successful tool result.
type Result struct {
	Value any
}

// Backend executes tool calls.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	// Start begins executing req and returns once the call is in flight. The
	// returned error means the call could not be dispatched at all.
	Start(ctx context.Context, req Request, progress ProgressFunc) (Future, error)
}

// Future is the pending result of a started call.
type Future interface {
	Done() <-chan struct{}
	Result() (*Result, error)
}

type funcFuture struct {
	done chan struct{}
	res  *Result
	err  error
}

func (f *funcFuture) Done() <-chan struct{} { return f.done }

func (f *funcFuture) Result() (*Result, error) {
	<-f.done
	return f.res, f.err
}

// Go runs fn on a new goroutine and returns its Future.
func Go(fn func() (*Result, error)) Future {
	f := &funcFuture{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.res, f.err = nil, fmt.Errorf("backend panic: %v", r)
			}
		}()
		f.res, f.err = fn()
	}()
	return f
}
