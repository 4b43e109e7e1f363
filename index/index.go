package index

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonwraymond/toolfoundation/model"

	"github.com/jonwraymond/toolhub/cursor"
	"github.com/jonwraymond/toolhub/toolerr"
)

const (
	DefaultPageSize     = 50
	DefaultMaxPageSize  = 200
	DefaultHistoryLimit = 128
)

// IndexOptions configures an InMemoryIndex.
type IndexOptions struct {
	// Searcher ranks search queries. Nil selects the built-in lexical ranking.
	Searcher Searcher
	// Codec mints cursors. Nil creates a codec with a random secret.
	Codec *cursor.Codec
	// StalePolicy decides how cursors from older revisions resolve.
	StalePolicy cursor.Policy
	// HistoryLimit is how many past snapshots stay resolvable for cursors.
	HistoryLimit int
	// DefaultPageSize applies when a caller passes a page size <= 0.
	DefaultPageSize int
	// MaxPageSize caps every page.
	MaxPageSize int
}

func (o IndexOptions) withDefaults() IndexOptions {
	if o.Codec == nil {
		o.Codec = cursor.NewCodec(nil)
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = DefaultMaxPageSize
	}
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = DefaultPageSize
	}
	if o.DefaultPageSize > o.MaxPageSize {
		o.DefaultPageSize = o.MaxPageSize
	}
	return o
}

// state is the atomically published view: the current snapshot plus the
// retained history, oldest first, current last.
type state struct {
	history []*Snapshot
}

func (s *state) current() *Snapshot { return s.history[len(s.history)-1] }

// InMemoryIndex is a copy-on-write tool index. Mutations are serialized and
// publish a new immutable snapshot; reads load the published snapshot
// without locking.
type InMemoryIndex struct {
	mu    sync.Mutex
	state atomic.Pointer[state]

	listeners    map[uint64]ChangeListener
	nextListener uint64

	opts      IndexOptions
	listCodec *cursor.Codec
}

// NewInMemoryIndex creates an empty index at revision 0.
func NewInMemoryIndex(opts ...IndexOptions) *InMemoryIndex {
	var o IndexOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o = o.withDefaults()
	idx := &InMemoryIndex{
		listeners: make(map[uint64]ChangeListener),
		opts:      o,
		listCodec: o.Codec.Scoped("list"),
	}
	idx.state.Store(&state{history: []*Snapshot{emptySnapshot()}})
	return idx
}

// Snapshot returns the current snapshot. It never blocks.
func (idx *InMemoryIndex) Snapshot() *Snapshot {
	return idx.state.Load().current()
}

// SnapshotAt returns the retained snapshot for revision, if any.
func (idx *InMemoryIndex) SnapshotAt(revision uint64) (*Snapshot, bool) {
	hist := idx.state.Load().history
	first := hist[0].revision
	if revision < first || revision > hist[len(hist)-1].revision {
		return nil, false
	}
	// revisions in history are contiguous
	return hist[revision-first], true
}

// Revision returns the current index revision.
func (idx *InMemoryIndex) Revision() uint64 { return idx.Snapshot().revision }

// Len returns the number of registered tools.
func (idx *InMemoryIndex) Len() int { return idx.Snapshot().length }

// Get returns the current descriptor for k.
func (idx *InMemoryIndex) Get(k Key) (Descriptor, error) {
	d, ok := idx.Snapshot().Get(k)
	if !ok {
		return Descriptor{}, toolerr.New(toolerr.KindNotFound, "tool %q not registered", k.String())
	}
	return d, nil
}

// Lookup resolves a canonical tool id ("namespace:name" or "name").
func (idx *InMemoryIndex) Lookup(id string) (Descriptor, error) {
	k, err := ParseKey(id)
	if err != nil {
		return Descriptor{}, err
	}
	return idx.Get(k)
}

// ListNamespaces returns the distinct namespaces in sorted order.
func (idx *InMemoryIndex) ListNamespaces() []string {
	return idx.Snapshot().Namespaces()
}

// Register installs d, replacing an existing descriptor with a lower
// revision. It returns the new index revision.
func (idx *InMemoryIndex) Register(d Descriptor) (uint64, error) {
	return idx.RegisterBatch([]Descriptor{d})
}

// RegisterBatch installs every descriptor or none of them, under a single
// revision bump.
func (idx *InMemoryIndex) RegisterBatch(ds []Descriptor) (uint64, error) {
	if len(ds) == 0 {
		return idx.Revision(), nil
	}
	prepared := make([]Descriptor, len(ds))
	seen := make(map[Key]struct{}, len(ds))
	for i, d := range ds {
		d, err := normalizeDescriptor(d)
		if err != nil {
			return 0, err
		}
		if _, dup := seen[d.Key()]; dup {
			return 0, toolerr.New(toolerr.KindInvalidArgument, "tool %q appears twice in batch", d.Key().String())
		}
		seen[d.Key()] = struct{}{}
		prepared[i] = d
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.Snapshot()
	events := make([]ChangeEvent, 0, len(prepared))
	for _, d := range prepared {
		typ := ChangeRegistered
		if existing, ok := cur.Get(d.Key()); ok {
			if existing.Revision >= d.Revision {
				return 0, toolerr.New(toolerr.KindConflict,
					"tool %q revision %d is not newer than registered revision %d",
					d.Key().String(), d.Revision, existing.Revision)
			}
			typ = ChangeUpdated
		}
		events = append(events, ChangeEvent{Type: typ, Key: d.Key()})
	}

	next := cur.revision + 1
	root := cur.root
	length := cur.length
	for i, d := range prepared {
		d.Published = next
		root = root.Upsert(&entry{key: d.Key(), d: d}, rand.Int())
		if events[i].Type == ChangeRegistered {
			length++
		}
	}
	idx.publishLocked(&Snapshot{root: root, revision: next, length: length}, events)
	return next, nil
}

// Deregister removes the tool. It fails with toolerr.ErrNotFound when the
// tool is absent.
func (idx *InMemoryIndex) Deregister(k Key) (uint64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.Snapshot()
	if _, ok := cur.Get(k); !ok {
		return 0, toolerr.New(toolerr.KindNotFound, "tool %q not registered", k.String())
	}
	next := cur.revision + 1
	snap := &Snapshot{root: cur.root.Delete(&entry{key: k}), revision: next, length: cur.length - 1}
	idx.publishLocked(snap, []ChangeEvent{{Type: ChangeRemoved, Key: k}})
	return next, nil
}

// RemoveBackend deregisters every tool served by backend in one revision.
// It returns the resulting revision and the number of tools removed; when
// nothing matched the revision is unchanged.
func (idx *InMemoryIndex) RemoveBackend(backend string) (uint64, int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.Snapshot()
	root := cur.root
	var events []ChangeEvent
	for _, d := range cur.Items() {
		if d.Backend != backend {
			continue
		}
		root = root.Delete(&entry{key: d.Key()})
		events = append(events, ChangeEvent{Type: ChangeRemoved, Key: d.Key()})
	}
	if len(events) == 0 {
		return cur.revision, 0
	}
	next := cur.revision + 1
	idx.publishLocked(&Snapshot{root: root, revision: next, length: cur.length - len(events)}, events)
	return next, len(events)
}

// OnChange registers a listener and returns a function that removes it.
func (idx *InMemoryIndex) OnChange(listener ChangeListener) func() {
	if listener == nil {
		return func() {}
	}
	idx.mu.Lock()
	id := idx.nextListener
	idx.nextListener++
	idx.listeners[id] = listener
	idx.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			idx.mu.Lock()
			delete(idx.listeners, id)
			idx.mu.Unlock()
		})
	}
}

func (idx *InMemoryIndex) publishLocked(snap *Snapshot, events []ChangeEvent) {
	prev := idx.state.Load().history
	keep := min(len(prev), idx.opts.HistoryLimit-1)
	history := make([]*Snapshot, 0, keep+1)
	history = append(history, prev[len(prev)-keep:]...)
	history = append(history, snap)
	idx.state.Store(&state{history: history})

	if len(idx.listeners) == 0 {
		return
	}
	ids := make([]uint64, 0, len(idx.listeners))
	for id := range idx.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, ev := range events {
		ev.Revision = snap.revision
		for _, id := range ids {
			idx.listeners[id](ev)
		}
	}
}

func normalizeDescriptor(d Descriptor) (Descriptor, error) {
	if err := d.Tool.Validate(); err != nil {
		return Descriptor{}, toolerr.Wrap(toolerr.KindInvalidArgument, err, "invalid tool %q: %v", d.Tool.Name, err)
	}
	if strings.Contains(d.Tool.Namespace, ":") {
		return Descriptor{}, toolerr.New(toolerr.KindInvalidArgument, "namespace %q must not contain ':'", d.Tool.Namespace)
	}
	if strings.TrimSpace(d.Backend) == "" {
		return Descriptor{}, toolerr.New(toolerr.KindInvalidArgument, "tool %q has no backend", d.Key().String())
	}
	d.Tool.Tags = model.NormalizeTags(d.Tool.Tags)
	d.Published = 0
	return d, nil
}
