package index

import (
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolfoundation/model"
)

func makeBenchDescriptor(i int, revision uint64) Descriptor {
	return Descriptor{
		Tool: model.Tool{
			Tool: mcp.Tool{
				Name:        fmt.Sprintf("tool_%d", i),
				Description: fmt.Sprintf("Description for tool %d with various keywords like git docker kubernetes", i),
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"input": map[string]any{"type": "string"},
					},
				},
			},
			Namespace: fmt.Sprintf("ns_%d", i%10),
			Tags:      []string{"benchmark", "test", fmt.Sprintf("tag_%d", i%5)},
		},
		Revision: revision,
		Backend:  fmt.Sprintf("server_%d", i%3),
	}
}

func setupIndexWithTools(n int) *InMemoryIndex {
	idx := NewInMemoryIndex()
	for i := range n {
		_, _ = idx.Register(makeBenchDescriptor(i, 1))
	}
	return idx
}

func BenchmarkIndex_Register(b *testing.B) {
	idx := setupIndexWithTools(1000)
	rev := uint64(1)

	for b.Loop() {
		rev++
		_, _ = idx.Register(makeBenchDescriptor(int(rev%1000), rev))
	}
}

func BenchmarkIndex_Snapshot(b *testing.B) {
	idx := setupIndexWithTools(1000)

	for b.Loop() {
		_ = idx.Snapshot()
	}
}

func BenchmarkIndex_ListPage(b *testing.B) {
	idx := setupIndexWithTools(1000)
	first, _ := idx.ListPage("", 50)

	for b.Loop() {
		_, _ = idx.ListPage(first.NextCursor, 50)
	}
}

func BenchmarkIndex_ListPageAfterMutation(b *testing.B) {
	idx := setupIndexWithTools(1000)
	rev := uint64(1)

	for b.Loop() {
		first, _ := idx.ListPage("", 50)
		rev++
		_, _ = idx.Register(makeBenchDescriptor(int(rev%1000), rev))
		_, _ = idx.ListPage(first.NextCursor, 50)
	}
}

func BenchmarkIndex_SearchPage(b *testing.B) {
	idx := setupIndexWithTools(1000)

	for b.Loop() {
		_, _ = idx.SearchPage("docker", "", 20)
	}
}
