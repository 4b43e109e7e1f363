// Package index holds the live tool registry.
//
// InMemoryIndex is a persistent, copy-on-write index built on a treap. Every
// mutation is serialized, produces a new immutable Snapshot that shares
// structure with its predecessor, and bumps the global revision by exactly
// one. Readers load the current snapshot atomically and never wait on
// writers, so a listing, search or dispatch observes exactly one revision.
//
// # Usage
//
//	idx := index.NewInMemoryIndex()
//
//	rev, err := idx.Register(index.Descriptor{
//	    Tool: model.Tool{
//	        Tool: mcp.Tool{
//	            Name:        "status",
//	            Description: "Show the working tree status",
//	            InputSchema: map[string]any{"type": "object"},
//	        },
//	        Namespace: "git",
//	    },
//	    Revision: 1,
//	    Backend:  "local",
//	})
//
// A registration must carry a revision strictly greater than the one it
// replaces, otherwise it fails with toolerr.ErrConflict.
//
// # Ordering
//
// Tools enumerate by (namespace, name) in byte-wise lexicographic order.
// Search results come back in the order of the configured Searcher, which
// must be deterministic.
//
// # Pagination
//
// ListPage and SearchPage return opaque cursors minted by the cursor
// package:
//
//	page, err := idx.ListPage("", 50)
//	for page.NextCursor != "" {
//	    page, err = idx.ListPage(page.NextCursor, 50)
//	}
//
// A cursor minted against an older revision either resumes after the last
// key it yielded (cursor.ResumeByKey, the default) or fails with
// toolerr.ErrStaleCursor (cursor.Reject). Resuming needs the older snapshot,
// so only the last IndexOptions.HistoryLimit revisions are resumable.
//
// # Change Notifications
//
//	unsub := idx.OnChange(func(ev index.ChangeEvent) {
//	    // called synchronously, in revision order
//	})
//	defer unsub()
//
// Listeners run while the writer lock is held and must hand work off rather
// than block or call back into the index.
package index
