package search

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/jonwraymond/toolhub/index"
)

// BM25Config tunes field boosts and safety limits.
type BM25Config struct {
	NameBoost      float64
	NamespaceBoost float64
	TagsBoost      float64
	// MaxDocs limits the number of documents indexed (0 = unlimited).
	MaxDocs int
	// MaxDocTextLen truncates document text before indexing (0 = unlimited).
	MaxDocTextLen int
}

func (c BM25Config) withDefaults() BM25Config {
	if c.NameBoost <= 0 {
		c.NameBoost = 3
	}
	if c.NamespaceBoost <= 0 {
		c.NamespaceBoost = 2
	}
	if c.TagsBoost <= 0 {
		c.TagsBoost = 2
	}
	return c
}

// BM25Searcher implements index.Searcher on an in-memory bleve index. The
// bleve index is rebuilt only when the document set changes.
type BM25Searcher struct {
	cfg BM25Config

	mu          sync.Mutex
	fingerprint string
	idx         bleve.Index
	summaries   map[string]index.Summary
	order       []string
}

var _ index.Searcher = (*BM25Searcher)(nil)

// NewBM25Searcher returns a searcher using cfg.
func NewBM25Searcher(cfg BM25Config) *BM25Searcher {
	return &BM25Searcher{cfg: cfg.withDefaults()}
}

type bleveDoc struct {
	Name      string   `json:"name"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
	Text      string   `json:"text"`
}

// Search ranks docs for query. Results are ordered by score descending and
// then by ID, so identical input always yields identical output.
func (s *BM25Searcher) Search(q string, limit int, docs []index.SearchDoc) ([]index.Summary, error) {
	if s.cfg.MaxDocs > 0 && len(docs) > s.cfg.MaxDocs {
		docs = docs[:s.cfg.MaxDocs]
	}
	if limit <= 0 || len(docs) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndexLocked(docs); err != nil {
		return nil, err
	}

	q = strings.TrimSpace(q)
	if q == "" {
		n := min(limit, len(s.order))
		out := make([]index.Summary, 0, n)
		for _, id := range s.order[:n] {
			out = append(out, s.summaries[id])
		}
		return out, nil
	}

	req := bleve.NewSearchRequestOptions(s.buildQuery(q), limit, 0, false)
	req.SortBy([]string{"-_score", "_id"})
	res, err := s.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}

	out := make([]index.Summary, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if summary, ok := s.summaries[hit.ID]; ok {
			out = append(out, summary)
		}
	}
	return out, nil
}

func (s *BM25Searcher) buildQuery(q string) query.Query {
	field := func(name string, boost float64) query.Query {
		mq := bleve.NewMatchQuery(q)
		mq.SetField(name)
		mq.SetBoost(boost)
		return mq
	}
	return bleve.NewDisjunctionQuery(
		field("name", s.cfg.NameBoost),
		field("namespace", s.cfg.NamespaceBoost),
		field("tags", s.cfg.TagsBoost),
		field("text", 1),
	)
}

func (s *BM25Searcher) ensureIndexLocked(docs []index.SearchDoc) error {
	fp := computeFingerprint(docs)
	if s.idx != nil && fp == s.fingerprint {
		return nil
	}

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return fmt.Errorf("bm25 index: %w", err)
	}
	batch := idx.NewBatch()
	summaries := make(map[string]index.Summary, len(docs))
	order := make([]string, 0, len(docs))
	for _, doc := range docs {
		text := doc.DocText
		if s.cfg.MaxDocTextLen > 0 && len(text) > s.cfg.MaxDocTextLen {
			text = text[:s.cfg.MaxDocTextLen]
		}
		if err := batch.Index(doc.ID, bleveDoc{
			Name:      doc.Summary.Name,
			Namespace: doc.Summary.Namespace,
			Tags:      doc.Summary.Tags,
			Text:      text,
		}); err != nil {
			_ = idx.Close()
			return fmt.Errorf("bm25 index %s: %w", doc.ID, err)
		}
		if _, dup := summaries[doc.ID]; !dup {
			order = append(order, doc.ID)
		}
		summaries[doc.ID] = doc.Summary
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return fmt.Errorf("bm25 index batch: %w", err)
	}

	if s.idx != nil {
		_ = s.idx.Close()
	}
	s.idx = idx
	s.fingerprint = fp
	s.summaries = summaries
	s.order = order
	return nil
}

// Close releases the cached bleve index.
func (s *BM25Searcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx == nil {
		return nil
	}
	err := s.idx.Close()
	s.idx = nil
	s.fingerprint = ""
	return err
}
