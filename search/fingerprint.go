package search

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/jonwraymond/toolhub/index"
)

// computeFingerprint hashes the document slice in order. It changes
// whenever any indexed field changes, which invalidates the cached bleve
// index.
func computeFingerprint(docs []index.SearchDoc) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	for _, doc := range docs {
		write(doc.ID)
		write(doc.DocText)
		write(doc.Summary.ID)
		write(doc.Summary.Name)
		write(doc.Summary.Namespace)
		write(doc.Summary.ShortDescription)

		// tag order does not affect ranking
		sortedTags := slices.Clone(doc.Summary.Tags)
		slices.Sort(sortedTags)
		write(strings.Join(sortedTags, "\x01"))
	}

	return hex.EncodeToString(h.Sum(nil))
}
