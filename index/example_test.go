package index_test

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolfoundation/model"

	"github.com/jonwraymond/toolhub/index"
)

func tool(namespace, name, description string) model.Tool {
	return model.Tool{
		Tool: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: map[string]any{"type": "object"},
		},
		Namespace: namespace,
	}
}

func ExampleNewInMemoryIndex() {
	idx := index.NewInMemoryIndex()

	rev, _ := idx.Register(index.Descriptor{
		Tool:     tool("files", "search", "Search for files in the filesystem"),
		Revision: 1,
		Backend:  "files-server",
	})

	d, _ := idx.Lookup("files:search")
	fmt.Println("revision:", rev)
	fmt.Println("backend:", d.Backend)
	// Output:
	// revision: 1
	// backend: files-server
}

func ExampleInMemoryIndex_ListPage() {
	idx := index.NewInMemoryIndex()
	_, _ = idx.RegisterBatch([]index.Descriptor{
		{Tool: tool("git", "status", "Show the working tree status"), Revision: 1, Backend: "local"},
		{Tool: tool("git", "commit", "Record changes"), Revision: 1, Backend: "local"},
		{Tool: tool("docker", "ps", "List containers"), Revision: 1, Backend: "local"},
	})

	page, _ := idx.ListPage("", 2)
	for page.NextCursor != "" {
		for _, d := range page.Items {
			fmt.Println(d.Key())
		}
		page, _ = idx.ListPage(page.NextCursor, 2)
	}
	for _, d := range page.Items {
		fmt.Println(d.Key())
	}
	// Output:
	// docker:ps
	// git:commit
	// git:status
}

func ExampleInMemoryIndex_OnChange() {
	idx := index.NewInMemoryIndex()
	unsub := idx.OnChange(func(ev index.ChangeEvent) {
		fmt.Println(ev.Type, ev.Key, ev.Revision)
	})
	defer unsub()

	_, _ = idx.Register(index.Descriptor{Tool: tool("math", "add", "Add numbers"), Revision: 1, Backend: "local"})
	_, _ = idx.Deregister(index.Key{Namespace: "math", Name: "add"})
	// Output:
	// registered math:add 1
	// removed math:add 2
}
