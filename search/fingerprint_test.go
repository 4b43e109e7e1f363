package search

import (
	"testing"

	"github.com/jonwraymond/toolhub/index"
)

func TestFingerprint_SameDocsProduceSameFingerprint(t *testing.T) {
	docs := []index.SearchDoc{
		{
			ID:      "ns1:tool1",
			DocText: "description one",
			Summary: index.Summary{ID: "ns1:tool1", Name: "tool1", Namespace: "ns1"},
		},
		{
			ID:      "ns2:tool2",
			DocText: "description two",
			Summary: index.Summary{ID: "ns2:tool2", Name: "tool2", Namespace: "ns2"},
		},
	}

	fp1 := computeFingerprint(docs)
	fp2 := computeFingerprint(docs)

	if fp1 != fp2 {
		t.Errorf("same docs produced different fingerprints: %s vs %s", fp1, fp2)
	}
	if fp1 == "" {
		t.Error("fingerprint is empty")
	}
}

func TestFingerprint_OrderMatters(t *testing.T) {
	doc1 := index.SearchDoc{ID: "tool-1", DocText: "one"}
	doc2 := index.SearchDoc{ID: "tool-2", DocText: "two"}

	fp1 := computeFingerprint([]index.SearchDoc{doc1, doc2})
	fp2 := computeFingerprint([]index.SearchDoc{doc2, doc1})

	if fp1 == fp2 {
		t.Error("different order should produce different fingerprints")
	}
}

func TestFingerprint_IncludesAllFields(t *testing.T) {
	base := index.SearchDoc{
		ID:      "ns1:tool1",
		DocText: "description",
		Summary: index.Summary{
			ID:               "ns1:tool1",
			Name:             "tool1",
			Namespace:        "ns1",
			ShortDescription: "short desc",
			Tags:             []string{"tag1", "tag2"},
		},
	}
	baseFP := computeFingerprint([]index.SearchDoc{base})

	mutate := []func(*index.SearchDoc){
		func(d *index.SearchDoc) { d.ID = "changed" },
		func(d *index.SearchDoc) { d.DocText = "changed" },
		func(d *index.SearchDoc) { d.Summary.ID = "changed" },
		func(d *index.SearchDoc) { d.Summary.Name = "changed" },
		func(d *index.SearchDoc) { d.Summary.Namespace = "changed" },
		func(d *index.SearchDoc) { d.Summary.ShortDescription = "changed" },
		func(d *index.SearchDoc) { d.Summary.Tags = []string{"tag1"} },
	}
	for i, m := range mutate {
		doc := base
		doc.Summary.Tags = append([]string(nil), base.Summary.Tags...)
		m(&doc)
		if computeFingerprint([]index.SearchDoc{doc}) == baseFP {
			t.Errorf("variation %d did not change the fingerprint", i)
		}
	}
}

func TestFingerprint_TagOrderIgnored(t *testing.T) {
	a := index.SearchDoc{ID: "t", Summary: index.Summary{Tags: []string{"x", "y"}}}
	b := index.SearchDoc{ID: "t", Summary: index.Summary{Tags: []string{"y", "x"}}}
	if computeFingerprint([]index.SearchDoc{a}) != computeFingerprint([]index.SearchDoc{b}) {
		t.Error("tag order should not change the fingerprint")
	}
}
