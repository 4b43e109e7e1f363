// Package session tracks connected client sessions and routes list-changed
// notifications to them.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/internal/clock"
	"github.com/jonwraymond/toolhub/internal/logutil"
	"github.com/jonwraymond/toolhub/toolerr"
)

// ErrSessionClosed is returned when notifying a session that is no longer
// connected.
var ErrSessionClosed = errors.New("session closed")

// DeliverFunc writes a list-changed notification carrying revision to the
// session's transport.
type DeliverFunc func(ctx context.Context, revision uint64) error

// Subscriber is the notification side of the registry, normally a
// *notify.Notifier.
type Subscriber interface {
	// SubscribeAt reads the starting revision from current under the
	// subscriber's own lock and returns it.
	SubscribeAt(sessionID string, current func() uint64) (uint64, error)
	Unsubscribe(sessionID string) bool
}

// Options configures a Registry.
type Options struct {
	// Revision reports the current index revision. Sessions subscribe at it.
	Revision func() uint64
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Session is one connected client.
type Session struct {
	id        string
	createdAt time.Time
	deliver   DeliverFunc

	lastNotified atomic.Uint64
	done         chan struct{}
	closeOnce    sync.Once
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the connect time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed when the session disconnects.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastNotified returns the revision of the last delivered notification.
func (s *Session) LastNotified() uint64 { return s.lastNotified.Load() }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Registry holds connected sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	sub      Subscriber

	revision func() uint64
	clock    clock.Clock
	logger   pslog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	rev := opts.Revision
	if rev == nil {
		rev = func() uint64 { return 0 }
	}
	return &Registry{
		sessions: make(map[string]*Session),
		revision: rev,
		clock:    clock.OrReal(opts.Clock),
		logger:   logutil.WithSubsystem(opts.Logger, "session"),
	}
}

// Bind attaches the subscriber that connected sessions are registered with.
// The notifier delivers through the registry, so the two are wired after
// construction.
func (r *Registry) Bind(sub Subscriber) {
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
}

// Connect registers a session. An empty id is replaced by a new ULID.
func (r *Registry) Connect(id string, deliver DeliverFunc) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = ulid.Make().String()
	}
	s := &Session{
		id:        id,
		createdAt: r.clock.Now(),
		deliver:   deliver,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, toolerr.New(toolerr.KindConflict, "session %q already connected", id)
	}
	r.sessions[id] = s
	sub := r.sub
	r.mu.Unlock()

	if sub != nil {
		rev, err := sub.SubscribeAt(id, r.revision)
		if err != nil {
			r.mu.Lock()
			delete(r.sessions, id)
			r.mu.Unlock()
			return nil, err
		}
		s.lastNotified.Store(rev)
	}
	r.logger.Info("session.connected", "session", id)
	return s, nil
}

// Disconnect removes the session and its subscription.
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	sub := r.sub
	r.mu.Unlock()
	if !ok {
		return false
	}
	if sub != nil {
		sub.Unsubscribe(id)
	}
	s.close()
	r.logger.Info("session.disconnected", "session", id)
	return true
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the connected sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Notify implements notify.Sink.
func (r *Registry) Notify(ctx context.Context, sessionID string, revision uint64) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionClosed
	}
	if s.deliver != nil {
		if err := s.deliver(ctx, revision); err != nil {
			return err
		}
	}
	s.lastNotified.Store(revision)
	return nil
}

// Close disconnects every session.
func (r *Registry) Close() {
	for _, s := range r.List() {
		r.Disconnect(s.id)
	}
}
