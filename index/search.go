package index

import (
	"slices"
	"strings"

	"github.com/jonwraymond/toolhub/toolerr"
)

func runSearch(query string, searcher Searcher, items []Descriptor) ([]Key, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		keys := make([]Key, len(items))
		for i, d := range items {
			keys[i] = d.Key()
		}
		return keys, nil
	}
	if searcher == nil {
		return lexicalSearch(query, items), nil
	}

	docs := make([]SearchDoc, len(items))
	for i, d := range items {
		docs[i] = searchDocOf(d)
	}
	results, err := searcher.Search(query, len(docs), docs)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInternal, err, "search failed")
	}

	keys := make([]Key, 0, len(results))
	seen := make(map[Key]struct{}, len(results))
	for _, r := range results {
		k, err := ParseKey(r.ID)
		if err != nil {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys, nil
}

// lexicalSearch is the built-in ranking used when no Searcher is
// configured: case-insensitive substring matches weighted by field, ties
// broken by key order.
func lexicalSearch(query string, items []Descriptor) []Key {
	q := strings.ToLower(query)
	type hit struct {
		key   Key
		score int
	}
	var hits []hit
	for _, d := range items {
		score := 0
		if strings.Contains(strings.ToLower(d.Tool.Name), q) {
			score += 3
		}
		if strings.Contains(strings.ToLower(d.Tool.Namespace), q) {
			score += 2
		}
		for _, tag := range d.Tool.Tags {
			if strings.Contains(tag, q) {
				score += 2
				break
			}
		}
		if strings.Contains(strings.ToLower(d.Tool.Description), q) {
			score++
		}
		if score > 0 {
			hits = append(hits, hit{key: d.Key(), score: score})
		}
	}
	// items arrive in key order, so a stable sort on score keeps ties ordered
	slices.SortStableFunc(hits, func(a, b hit) int { return b.score - a.score })

	keys := make([]Key, len(hits))
	for i, h := range hits {
		keys[i] = h.key
	}
	return keys
}
