// Package execution dispatches tool invocations to backends.
//
// The Coordinator resolves a tool against the current index snapshot,
// pins that descriptor for the life of the call, and applies one contract to
// every backend: cancellation and timeouts end the caller's wait promptly,
// progress is relayed in order through a bounded queue, a failed dispatch is
// retried once when the backend declares it safe, and every failure is
// reported as a *toolerr.Error.
package execution

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/internal/clock"
	"github.com/jonwraymond/toolhub/internal/logutil"
	"github.com/jonwraymond/toolhub/toolerr"
)

// DefaultProgressBuffer is the default progress queue capacity.
const DefaultProgressBuffer = 16

// Resolver looks up the descriptor a key currently maps to.
type Resolver interface {
	Get(k index.Key) (index.Descriptor, error)
}

// Options configures a Coordinator.
type Options struct {
	// DefaultTimeout applies when a call sets none. Zero means no timeout.
	DefaultTimeout time.Duration
	// ProgressBuffer is the per-invocation progress queue capacity.
	ProgressBuffer int
	// MaxConcurrent caps in-flight backend calls. Zero means unlimited.
	MaxConcurrent int64
	Clock         clock.Clock
	Logger        pslog.Logger
	// OnComplete observes every finished invocation.
	OnComplete func(Outcome)
}

// CallOptions tune one invocation.
type CallOptions struct {
	// Progress receives progress events in production order. Nil opts out.
	Progress func(ProgressEvent)
	// Timeout overrides Options.DefaultTimeout when positive.
	Timeout time.Duration
}

// Outcome summarizes a finished invocation.
type Outcome struct {
	InvocationID string
	Key          index.Key
	Backend      string
	// Kind is empty on success.
	Kind     toolerr.Kind
	Duration time.Duration
	Retried  bool
	Detached bool
}

// Coordinator routes invocations to registered backends.
type Coordinator struct {
	resolver Resolver
	opts     Options
	clock    clock.Clock
	logger   pslog.Logger
	sem      *semaphore.Weighted

	mu       sync.RWMutex
	backends map[string]Backend
	inflight map[string]*Invocation
}

// New returns a coordinator resolving tools through resolver.
func New(resolver Resolver, opts Options) *Coordinator {
	if opts.ProgressBuffer <= 0 {
		opts.ProgressBuffer = DefaultProgressBuffer
	}
	c := &Coordinator{
		resolver: resolver,
		opts:     opts,
		clock:    clock.OrReal(opts.Clock),
		logger:   logutil.WithSubsystem(opts.Logger, "execution"),
		backends: make(map[string]Backend),
		inflight: make(map[string]*Invocation),
	}
	if opts.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return c
}

// RegisterBackend adds a backend under its name.
func (c *Coordinator) RegisterBackend(b Backend) error {
	name := strings.TrimSpace(b.Name())
	if name == "" {
		return toolerr.New(toolerr.KindInvalidArgument, "backend name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.backends[name]; exists {
		return toolerr.New(toolerr.KindConflict, "backend %q already registered", name)
	}
	c.backends[name] = b
	return nil
}

// DeregisterBackend removes a backend. In-flight calls are unaffected.
func (c *Coordinator) DeregisterBackend(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.backends[name]; !ok {
		return false
	}
	delete(c.backends, name)
	return true
}

// Backend returns the backend registered under name.
func (c *Coordinator) Backend(name string) (Backend, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.backends[name]
	return b, ok
}

// Backends returns the registered backend names in sorted order.
func (c *Coordinator) Backends() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.backends))
	for name := range c.backends {
		out = append(out, name)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// InFlight returns the number of unfinished invocations.
func (c *Coordinator) InFlight() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inflight)
}

// Lookup returns the in-flight invocation with id.
func (c *Coordinator) Lookup(id string) (*Invocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inv, ok := c.inflight[id]
	return inv, ok
}

// Cancel cancels the in-flight invocation with id. It reports whether such
// an invocation existed.
func (c *Coordinator) Cancel(id, reason string) bool {
	inv, ok := c.Lookup(id)
	if !ok {
		return false
	}
	inv.Cancel(reason)
	return true
}

// Invoke dispatches a call and waits for its outcome.
func (c *Coordinator) Invoke(ctx context.Context, key index.Key, args map[string]any, opts CallOptions) (*Result, error) {
	inv, err := c.Dispatch(ctx, key, args, opts)
	if err != nil {
		return nil, err
	}
	return inv.Wait()
}

// Dispatch resolves key against the current snapshot, starts the call and
// returns without waiting for it to finish. Cancelling ctx cancels the
// invocation.
func (c *Coordinator) Dispatch(ctx context.Context, key index.Key, args map[string]any, opts CallOptions) (*Invocation, error) {
	desc, err := c.resolver.Get(key)
	if err != nil {
		return nil, normalize(err)
	}
	backend, ok := c.Backend(desc.Backend)
	if !ok {
		return nil, toolerr.New(toolerr.KindBackendUnavailable, "backend %q for tool %q is not available", desc.Backend, key.String())
	}
	caps := backend.Capabilities()

	// the timeout covers time spent waiting for a slot
	inv := c.newInvocation(ctx, desc, opts)
	if c.sem != nil {
		if err := c.sem.Acquire(inv.ctx, 1); err != nil {
			queueErr := causeError(inv.ctx)
			inv.finish(nil, queueErr)
			c.complete(inv)
			return nil, queueErr
		}
	}
	release := func() {
		if c.sem != nil {
			c.sem.Release(1)
		}
	}

	backendCtx := inv.ctx
	if !caps.SupportsCancellation {
		backendCtx = context.WithoutCancel(inv.ctx)
	}

	progress := func(ProgressEvent) {}
	var relay *progressRelay
	if caps.SupportsProgress && opts.Progress != nil {
		relay = newProgressRelay(c.opts.ProgressBuffer, opts.Progress)
		progress = relay.push
	}

	req := Request{InvocationID: inv.id, Tool: desc, Arguments: args}
	fut, err := backend.Start(backendCtx, req, progress)
	if err != nil && caps.RetrySafe && inv.ctx.Err() == nil {
		c.logger.Debug("execution.start.retry", "invocation", inv.id, "tool", key.String(), "error", err)
		inv.retried = true
		fut, err = backend.Start(backendCtx, req, progress)
	}
	if err != nil {
		if relay != nil {
			relay.stop()
		}
		release()
		startErr := normalizeStart(inv.ctx, err)
		inv.finish(nil, startErr)
		c.complete(inv)
		return nil, startErr
	}

	c.mu.Lock()
	c.inflight[inv.id] = inv
	c.mu.Unlock()

	c.logger.Debug("execution.dispatched", "invocation", inv.id, "tool", key.String(), "backend", desc.Backend)
	go c.await(inv, caps, fut, relay, release)
	return inv, nil
}

func (c *Coordinator) newInvocation(ctx context.Context, desc index.Descriptor, opts CallOptions) *Invocation {
	invCtx, cancel := context.WithCancelCause(ctx)
	stop := func() { cancel(nil) }
	timeout := c.opts.DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	var deadline time.Time
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		invCtx, cancelTimeout = context.WithTimeoutCause(invCtx, timeout,
			toolerr.New(toolerr.KindTimeout, "invocation exceeded %s", timeout))
		deadline, _ = invCtx.Deadline()
		stop = func() {
			cancelTimeout()
			cancel(nil)
		}
	}
	return &Invocation{
		id:        uuid.NewString(),
		desc:      desc,
		clock:     c.clock,
		startedAt: c.clock.Now(),
		deadline:  deadline,
		ctx:       invCtx,
		cancel:    cancel,
		stop:      stop,
		done:      make(chan struct{}),
	}
}

func (c *Coordinator) await(inv *Invocation, caps Capabilities, fut Future, relay *progressRelay, release func()) {
	select {
	case <-fut.Done():
		res, err := fut.Result()
		release()
		if relay != nil {
			relay.drain(inv.ctx)
		}
		if err != nil && inv.ctx.Err() != nil {
			err = causeError(inv.ctx)
		}
		inv.finish(res, normalize(err))
	case <-inv.ctx.Done():
		select {
		case <-fut.Done():
			// completion won the race
			res, err := fut.Result()
			release()
			if relay != nil {
				relay.stop()
			}
			inv.finish(res, normalize(err))
		default:
			if relay != nil {
				relay.stop()
			}
			if !caps.SupportsCancellation {
				inv.detached.Store(true)
				c.logger.Warn("execution.detached", "invocation", inv.id, "tool", inv.desc.Key().String(), "backend", inv.desc.Backend)
			}
			go func() {
				<-fut.Done()
				release()
			}()
			inv.finish(nil, causeError(inv.ctx))
		}
	}

	c.mu.Lock()
	delete(c.inflight, inv.id)
	c.mu.Unlock()
	c.complete(inv)
}

func (c *Coordinator) complete(inv *Invocation) {
	out := Outcome{
		InvocationID: inv.id,
		Key:          inv.desc.Key(),
		Backend:      inv.desc.Backend,
		Kind:         toolerr.KindOf(inv.err),
		Duration:     c.clock.Now().Sub(inv.startedAt),
		Retried:      inv.retried,
		Detached:     inv.detached.Load(),
	}
	if out.Kind != "" {
		c.logger.Debug("execution.failed", "invocation", inv.id, "tool", out.Key.String(), "kind", string(out.Kind), "error", inv.err)
	}
	if c.opts.OnComplete != nil {
		c.opts.OnComplete(out)
	}
}

// Invocation is one dispatched call.
type Invocation struct {
	id        string
	desc      index.Descriptor
	clock     clock.Clock
	startedAt time.Time
	deadline  time.Time
	retried   bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   func()

	cancelOnce   sync.Once
	cancelMu     sync.Mutex
	cancelReason string
	cancelledAt  time.Time

	detached atomic.Bool

	done chan struct{}
	res  *Result
	err  error
}

// ID returns the invocation id.
func (inv *Invocation) ID() string { return inv.id }

// Tool returns the descriptor pinned at dispatch.
func (inv *Invocation) Tool() index.Descriptor { return inv.desc }

// Deadline returns the invocation deadline, if any.
func (inv *Invocation) Deadline() (time.Time, bool) {
	return inv.deadline, !inv.deadline.IsZero()
}

// Done is closed when the outcome is available.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// Detached reports whether the invocation was abandoned while its backend,
// which does not support cancellation, kept running.
func (inv *Invocation) Detached() bool { return inv.detached.Load() }

// Wait blocks until the invocation finishes.
func (inv *Invocation) Wait() (*Result, error) {
	<-inv.done
	return inv.res, inv.err
}

// Cancel requests cancellation. Only the first call has an effect; calls
// after completion do nothing.
func (inv *Invocation) Cancel(reason string) {
	select {
	case <-inv.done:
		return
	default:
	}
	inv.cancelOnce.Do(func() {
		if reason == "" {
			reason = "cancelled by caller"
		}
		inv.cancelMu.Lock()
		inv.cancelReason = reason
		inv.cancelledAt = inv.clock.Now()
		inv.cancelMu.Unlock()
		inv.cancel(toolerr.New(toolerr.KindCancelled, "%s", reason))
	})
}

// CancelReason returns the recorded cancel reason and time.
func (inv *Invocation) CancelReason() (string, time.Time, bool) {
	inv.cancelMu.Lock()
	defer inv.cancelMu.Unlock()
	return inv.cancelReason, inv.cancelledAt, inv.cancelReason != ""
}

func (inv *Invocation) finish(res *Result, err error) {
	inv.res, inv.err = res, err
	if err != nil {
		inv.res = nil
	}
	inv.stop()
	close(inv.done)
}

func causeError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	return normalize(cause)
}

func normalizeStart(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return causeError(ctx)
	}
	var te *toolerr.Error
	if errors.As(err, &te) {
		return te
	}
	return toolerr.Wrap(toolerr.KindBackendExecution, err, "backend failed to start the call")
}

func normalize(err error) error {
	if err == nil {
		return nil
	}
	var te *toolerr.Error
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, context.DeadlineExceeded):
		return toolerr.Wrap(toolerr.KindTimeout, err, "invocation timed out")
	case errors.Is(err, context.Canceled):
		return toolerr.Wrap(toolerr.KindCancelled, err, "invocation cancelled")
	default:
		return toolerr.Wrap(toolerr.KindBackendExecution, err, "tool execution failed")
	}
}
