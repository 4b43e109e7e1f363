package index

import (
	"strings"

	"github.com/jonwraymond/toolhub/cursor"
	"github.com/jonwraymond/toolhub/toolerr"
)

// Page is one page of a listing or search.
type Page struct {
	Items []Descriptor
	// NextCursor is empty on the last page.
	NextCursor string
	// Revision is the index revision the page was read from.
	Revision uint64
}

// PageSize clamps a requested page size to the configured bounds.
func (idx *InMemoryIndex) PageSize(requested int) int {
	if requested <= 0 {
		return idx.opts.DefaultPageSize
	}
	return min(requested, idx.opts.MaxPageSize)
}

// ListPage returns the page of tools in key order that starts at token. An
// empty token starts from the beginning.
func (idx *InMemoryIndex) ListPage(token string, pageSize int) (Page, error) {
	snap := idx.Snapshot()
	items := snap.Items()
	size := idx.PageSize(pageSize)

	start := 0
	if token != "" {
		var err error
		if start, err = idx.resolveList(snap, token); err != nil {
			return Page{}, err
		}
	}

	start = min(start, len(items))
	end := min(start+size, len(items))
	page := Page{
		Items:    append([]Descriptor(nil), items[start:end]...),
		Revision: snap.revision,
	}
	if end < len(items) {
		page.NextCursor = idx.listCodec.Encode(snap.revision, uint64(end))
	}
	return page, nil
}

func (idx *InMemoryIndex) resolveList(snap *Snapshot, token string) (int, error) {
	rev, ord, err := idx.listCodec.Decode(token)
	if err != nil {
		return 0, err
	}
	if rev == snap.revision {
		return clampOrdinal(ord, snap.length), nil
	}
	old, err := idx.staleSnapshot(snap, rev)
	if err != nil {
		return 0, err
	}
	if ord == 0 {
		return 0, nil
	}
	oldItems := old.Items()
	if ord > uint64(len(oldItems)) {
		return 0, toolerr.New(toolerr.KindStaleCursor, "cursor position no longer exists")
	}
	// resume after the last key the cursor yielded, whether or not it survived
	return snap.upperBound(oldItems[ord-1].Key()), nil
}

// SearchPage returns the page of results for query that starts at token.
// Tokens are bound to the query they were minted for.
func (idx *InMemoryIndex) SearchPage(query, token string, pageSize int) (Page, error) {
	query = strings.TrimSpace(query)
	codec := idx.opts.Codec.Scoped("search\x00" + query)
	snap := idx.Snapshot()
	size := idx.PageSize(pageSize)

	keys, err := snap.search(query, idx.opts.Searcher)
	if err != nil {
		return Page{}, err
	}

	start := 0
	if token != "" {
		rev, ord, err := codec.Decode(token)
		if err != nil {
			return Page{}, err
		}
		if start, err = idx.resolveSearch(snap, keys, query, rev, ord); err != nil {
			return Page{}, err
		}
	}

	start = min(start, len(keys))
	end := min(start+size, len(keys))
	page := Page{Items: make([]Descriptor, 0, end-start), Revision: snap.revision}
	for _, k := range keys[start:end] {
		if d, ok := snap.Get(k); ok {
			page.Items = append(page.Items, d)
		}
	}
	if end < len(keys) {
		page.NextCursor = codec.Encode(snap.revision, uint64(end))
	}
	return page, nil
}

func (idx *InMemoryIndex) resolveSearch(snap *Snapshot, keys []Key, query string, rev, ord uint64) (int, error) {
	if rev == snap.revision {
		return clampOrdinal(ord, len(keys)), nil
	}
	old, err := idx.staleSnapshot(snap, rev)
	if err != nil {
		return 0, err
	}
	if ord == 0 {
		return 0, nil
	}
	oldKeys, err := old.search(query, idx.opts.Searcher)
	if err != nil {
		return 0, err
	}
	if ord > uint64(len(oldKeys)) {
		return 0, toolerr.New(toolerr.KindStaleCursor, "cursor position no longer exists")
	}
	last := oldKeys[ord-1]
	for i, k := range keys {
		if k == last {
			return i + 1, nil
		}
	}
	// ranking is not keyed, so there is no position to resume from once the
	// last yielded result drops out
	return 0, toolerr.New(toolerr.KindStaleCursor, "last result %q is no longer present", last.String())
}

// staleSnapshot returns the snapshot a cursor from an older revision refers
// to, or a stale cursor error when the policy or the retained history does
// not allow resuming.
func (idx *InMemoryIndex) staleSnapshot(snap *Snapshot, rev uint64) (*Snapshot, error) {
	if rev > snap.revision {
		return nil, toolerr.New(toolerr.KindStaleCursor, "cursor revision %d is ahead of index revision %d", rev, snap.revision)
	}
	if idx.opts.StalePolicy == cursor.Reject {
		return nil, toolerr.New(toolerr.KindStaleCursor, "cursor revision %d superseded by %d", rev, snap.revision)
	}
	old, ok := idx.SnapshotAt(rev)
	if !ok {
		return nil, toolerr.New(toolerr.KindStaleCursor, "cursor revision %d is no longer retained", rev)
	}
	return old, nil
}

func clampOrdinal(ord uint64, n int) int {
	if ord > uint64(n) {
		return n
	}
	return int(ord)
}
