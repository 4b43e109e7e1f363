// Package search provides the BM25 ranking used by index search.
//
// It lives outside index so the index stays small and only consumers that
// want full-text ranking pull in bleve.
//
// # Usage
//
//	idx := index.NewInMemoryIndex(index.IndexOptions{
//	    Searcher: search.NewBM25Searcher(search.BM25Config{}),
//	})
//
// # Configuration
//
//	cfg := search.BM25Config{
//	    NameBoost:      3,    // default 3
//	    NamespaceBoost: 2,    // default 2
//	    TagsBoost:      2,    // default 2
//	    MaxDocs:        1000, // 0 = unlimited
//	    MaxDocTextLen:  5000, // 0 = unlimited
//	}
//
// # Behavior
//
// BM25Searcher is safe for concurrent use. The bleve index is cached by a
// fingerprint of the document set and rebuilt only when it changes.
// Results are ordered by score descending, then ID ascending, which makes
// them deterministic for a given snapshot as cursor resumption requires.
// Empty queries return the first N documents in input order.
package search
