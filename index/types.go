package index

import (
	"strings"

	"github.com/jonwraymond/toolfoundation/model"

	"github.com/jonwraymond/toolhub/toolerr"
)

// MaxShortDescriptionLen caps Summary.ShortDescription.
const MaxShortDescriptionLen = 120

// Key identifies a tool. Keys order by namespace, then name, byte-wise.
type Key struct {
	Namespace string
	Name      string
}

// String returns the canonical "namespace:name" form, or the bare name when
// the namespace is empty. It matches model.Tool.ToolID.
func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + ":" + k.Name
}

// Compare orders keys by (namespace, name).
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.Namespace, o.Namespace); c != 0 {
		return c
	}
	return strings.Compare(k.Name, o.Name)
}

// ParseKey parses a canonical tool id. The namespace ends at the first ':'.
func ParseKey(id string) (Key, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Key{}, toolerr.New(toolerr.KindInvalidArgument, "empty tool id")
	}
	ns, name, found := strings.Cut(id, ":")
	if !found {
		return Key{Name: id}, nil
	}
	if name == "" {
		return Key{}, toolerr.New(toolerr.KindInvalidArgument, "tool id %q has no name", id)
	}
	return Key{Namespace: ns, Name: name}, nil
}

// Capabilities are the execution features a tool advertises to callers.
type Capabilities struct {
	SupportsProgress     bool `json:"supportsProgress,omitempty" yaml:"progress"`
	SupportsCancellation bool `json:"supportsCancellation,omitempty" yaml:"cancellation"`
}

// Descriptor is one registered revision of a tool.
type Descriptor struct {
	Tool model.Tool
	// Revision is supplied by the registrant. A registration must carry a
	// revision strictly greater than the one it replaces.
	Revision uint64
	// Backend names the execution backend that serves the tool.
	Backend      string
	Capabilities Capabilities
	// Published is the index revision that installed this descriptor. It is
	// assigned by the index.
	Published uint64
}

// Key returns the descriptor's identity.
func (d Descriptor) Key() Key {
	return Key{Namespace: d.Tool.Namespace, Name: d.Tool.Name}
}

// ChangeType classifies a change event.
type ChangeType int

const (
	ChangeRegistered ChangeType = iota + 1
	ChangeUpdated
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeRegistered:
		return "registered"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangeEvent reports one tool mutation. Revision is the index revision the
// mutation produced; events from one batch share it.
type ChangeEvent struct {
	Type     ChangeType
	Key      Key
	Revision uint64
}

// ChangeListener observes index mutations. Listeners run synchronously on
// the mutating goroutine, in revision order, and must not block.
type ChangeListener func(ChangeEvent)

// Summary is the lightweight search projection of a descriptor.
type Summary struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Namespace        string   `json:"namespace,omitempty"`
	ShortDescription string   `json:"shortDescription,omitempty"`
	Tags             []string `json:"tags,omitempty"`
}

// SearchDoc is the document handed to a Searcher.
type SearchDoc struct {
	ID      string
	DocText string
	Summary Summary
}

// Searcher ranks docs for a query. Implementations must return results in a
// deterministic order for identical input so search pagination is stable.
type Searcher interface {
	Search(query string, limit int, docs []SearchDoc) ([]Summary, error)
}

// SummaryOf projects d into a Summary.
func SummaryOf(d Descriptor) Summary {
	return Summary{
		ID:               d.Key().String(),
		Name:             d.Tool.Name,
		Namespace:        d.Tool.Namespace,
		ShortDescription: truncate(d.Tool.Description, MaxShortDescriptionLen),
		Tags:             d.Tool.Tags,
	}
}

func searchDocOf(d Descriptor) SearchDoc {
	s := SummaryOf(d)
	text := strings.Join([]string{d.Tool.Name, d.Tool.Namespace, d.Tool.Description, strings.Join(d.Tool.Tags, " ")}, " ")
	return SearchDoc{ID: s.ID, DocText: strings.ToLower(text), Summary: s}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
