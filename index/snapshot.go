package index

import (
	"sort"
	"sync"

	"github.com/blevesearch/gtreap"
)

type entry struct {
	key Key
	d   Descriptor
}

func compareEntries(a, b interface{}) int {
	return a.(*entry).key.Compare(b.(*entry).key)
}

// Snapshot is an immutable view of the index at one revision. Snapshots
// share structure with each other and are safe for concurrent use.
type Snapshot struct {
	root     *gtreap.Treap
	revision uint64
	length   int

	once  sync.Once
	items []Descriptor

	searchMu sync.Mutex
	searches map[string][]Key
}

func emptySnapshot() *Snapshot {
	return &Snapshot{root: gtreap.NewTreap(compareEntries)}
}

// Revision returns the index revision the snapshot was taken at.
func (s *Snapshot) Revision() uint64 { return s.revision }

// Len returns the number of tools in the snapshot.
func (s *Snapshot) Len() int { return s.length }

// Get returns the descriptor stored under k.
func (s *Snapshot) Get(k Key) (Descriptor, bool) {
	item := s.root.Get(&entry{key: k})
	if item == nil {
		return Descriptor{}, false
	}
	return item.(*entry).d, true
}

// Items returns every descriptor in key order. The slice is built once per
// snapshot and shared; callers must not modify it.
func (s *Snapshot) Items() []Descriptor {
	s.once.Do(func() {
		items := make([]Descriptor, 0, s.length)
		s.root.VisitAscend(&entry{}, func(i gtreap.Item) bool {
			items = append(items, i.(*entry).d)
			return true
		})
		s.items = items
	})
	return s.items
}

// upperBound returns the number of items whose key is <= k.
func (s *Snapshot) upperBound(k Key) int {
	items := s.Items()
	return sort.Search(len(items), func(i int) bool {
		return items[i].Key().Compare(k) > 0
	})
}

// Namespaces returns the distinct namespaces in sorted order.
func (s *Snapshot) Namespaces() []string {
	var out []string
	for _, d := range s.Items() {
		ns := d.Tool.Namespace
		if len(out) == 0 || out[len(out)-1] != ns {
			out = append(out, ns)
		}
	}
	return out
}

// search returns the ordered result keys for query over this snapshot. The
// result is computed once per (snapshot, query).
func (s *Snapshot) search(query string, searcher Searcher) ([]Key, error) {
	s.searchMu.Lock()
	if keys, ok := s.searches[query]; ok {
		s.searchMu.Unlock()
		return keys, nil
	}
	s.searchMu.Unlock()

	keys, err := runSearch(query, searcher, s.Items())
	if err != nil {
		return nil, err
	}

	s.searchMu.Lock()
	defer s.searchMu.Unlock()
	if s.searches == nil {
		s.searches = make(map[string][]Key)
	}
	if len(s.searches) >= maxCachedSearches {
		clear(s.searches)
	}
	s.searches[query] = keys
	return keys, nil
}

const maxCachedSearches = 32
