// Package notify coalesces index mutations into per-session
// tools/list_changed notifications.
//
// Every subscription runs a two-state machine. A mutation moves an idle
// subscription to pending and schedules a deadline one debounce window
// ahead; further mutations while pending only raise the revision to
// report. When the deadline passes the subscription returns to idle and
// exactly one notification carrying the latest revision is handed to the
// Sink. All deadlines live on a single scheduler goroutine; delivery happens
// on a per-subscription goroutine so a slow session never delays the index,
// the scheduler or any other session.
package notify

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/internal/clock"
	"github.com/jonwraymond/toolhub/internal/logutil"
	"github.com/jonwraymond/toolhub/toolerr"
)

const (
	DefaultWindow          = 250 * time.Millisecond
	DefaultDeliveryTimeout = 5 * time.Second
)

// Sink delivers a list-changed notification to one session.
type Sink interface {
	Notify(ctx context.Context, sessionID string, revision uint64) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, sessionID string, revision uint64) error

func (f SinkFunc) Notify(ctx context.Context, sessionID string, revision uint64) error {
	return f(ctx, sessionID, revision)
}

// Config configures a Notifier.
type Config struct {
	// Window is the debounce window. Zero selects DefaultWindow.
	Window time.Duration
	// Disabled turns Observe into a no-op. Subscriptions are still tracked.
	Disabled bool
	// DeliveryTimeout bounds a single Sink call.
	DeliveryTimeout time.Duration
	Clock           clock.Clock
	Logger          pslog.Logger
	// OnDelivery, when set, observes every delivery attempt.
	OnDelivery func(sessionID string, revision uint64, err error)
}

// State is a subscription's debounce state.
type State int

const (
	Idle State = iota
	PendingDebounce
)

func (s State) String() string {
	if s == PendingDebounce {
		return "pending"
	}
	return "idle"
}

type subscription struct {
	id string

	// guarded by Notifier.mu
	state  State
	latest uint64

	// owned by the delivery goroutine once started
	lastNotified uint64

	mailbox chan uint64
	done    chan struct{}
}

// Notifier fans index changes out to subscribed sessions.
type Notifier struct {
	sink   Sink
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	queue  deadlineQueue
	seq    uint64
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a notifier delivering to sink.
func New(sink Sink, cfg Config) *Notifier {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		sink:   sink,
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		logger: logutil.WithSubsystem(cfg.Logger, "notify"),
		subs:   make(map[string]*subscription),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Enabled reports whether mutations produce notifications.
func (n *Notifier) Enabled() bool { return !n.cfg.Disabled }

// Window returns the debounce window.
func (n *Notifier) Window() time.Duration { return n.cfg.Window }

// Subscribe starts tracking sessionID. Revisions at or below revision are
// treated as already notified.
func (n *Notifier) Subscribe(sessionID string, revision uint64) error {
	_, err := n.SubscribeAt(sessionID, func() uint64 { return revision })
	return err
}

// SubscribeAt is Subscribe with the starting revision read from current
// while the notifier lock is held. A mutation that commits concurrently is
// then either part of the starting revision or observed afterwards. It
// returns the starting revision. current must not block on the index writer.
func (n *Notifier) SubscribeAt(sessionID string, current func() uint64) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, toolerr.New(toolerr.KindBackendUnavailable, "notifier closed")
	}
	if _, exists := n.subs[sessionID]; exists {
		return 0, toolerr.New(toolerr.KindConflict, "session %q already subscribed", sessionID)
	}
	revision := current()
	sub := &subscription{
		id:           sessionID,
		latest:       revision,
		lastNotified: revision,
		mailbox:      make(chan uint64, 1),
		done:         make(chan struct{}),
	}
	n.subs[sessionID] = sub
	n.wg.Add(1)
	go n.deliver(sub)
	n.logger.Debug("notify.subscribed", "session", sessionID, "revision", revision)
	return revision, nil
}

// Unsubscribe stops tracking sessionID. Pending notifications are dropped.
func (n *Notifier) Unsubscribe(sessionID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.subs[sessionID]
	if !ok {
		return false
	}
	n.removeLocked(sub)
	return true
}

// Len returns the number of subscriptions.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// State returns the debounce state of sessionID.
func (n *Notifier) State(sessionID string) (State, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.subs[sessionID]
	if !ok {
		return Idle, false
	}
	return sub.state, true
}

// Observe records an index mutation. It never blocks on delivery and is
// meant to be registered with index.InMemoryIndex.OnChange.
func (n *Notifier) Observe(ev index.ChangeEvent) {
	if n.cfg.Disabled {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	deadline := n.clock.Now().Add(n.cfg.Window)
	scheduled := false
	for _, sub := range n.subs {
		if ev.Revision > sub.latest {
			sub.latest = ev.Revision
		}
		if sub.state == Idle {
			sub.state = PendingDebounce
			n.seq++
			heap.Push(&n.queue, deadlineItem{at: deadline, seq: n.seq, sub: sub})
			scheduled = true
		}
	}
	n.mu.Unlock()

	if scheduled {
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
}

// Close stops the scheduler and every delivery goroutine.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, sub := range n.subs {
		n.removeLocked(sub)
	}
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()
}

func (n *Notifier) removeLocked(sub *subscription) {
	if n.subs[sub.id] != sub {
		return
	}
	delete(n.subs, sub.id)
	close(sub.done)
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		now := n.clock.Now()
		for n.queue.Len() > 0 && !n.queue[0].at.After(now) {
			item := heap.Pop(&n.queue).(deadlineItem)
			sub := item.sub
			if n.subs[sub.id] != sub || sub.state != PendingDebounce {
				continue
			}
			sub.state = Idle
			select {
			case <-sub.mailbox:
			default:
			}
			sub.mailbox <- sub.latest
		}
		var timer <-chan time.Time
		if n.queue.Len() > 0 {
			timer = n.clock.After(n.queue[0].at.Sub(now))
		}
		n.mu.Unlock()

		select {
		case <-timer:
		case <-n.wake:
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Notifier) deliver(sub *subscription) {
	defer n.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case rev := <-sub.mailbox:
			if rev <= sub.lastNotified {
				continue
			}
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DeliveryTimeout)
			err := n.sink.Notify(ctx, sub.id, rev)
			cancel()
			if n.cfg.OnDelivery != nil {
				n.cfg.OnDelivery(sub.id, rev, err)
			}
			if err != nil {
				n.logger.Warn("notify.delivery.failed", "session", sub.id, "revision", rev, "error", err)
				n.mu.Lock()
				n.removeLocked(sub)
				n.mu.Unlock()
				return
			}
			sub.lastNotified = rev
			n.logger.Trace("notify.delivered", "session", sub.id, "revision", rev)
		}
	}
}

type deadlineItem struct {
	at  time.Time
	seq uint64
	sub *subscription
}

type deadlineQueue []deadlineItem

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q deadlineQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *deadlineQueue) Push(x any) { *q = append(*q, x.(deadlineItem)) }

func (q *deadlineQueue) Pop() any {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}
