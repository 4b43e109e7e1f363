package search_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolfoundation/model"

	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/search"
)

// TestExample_Basic verifies the basic example works correctly.
func TestExample_Basic(t *testing.T) {
	searcher := search.NewBM25Searcher(search.BM25Config{})
	defer func() {
		if err := searcher.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
	}()

	docs := []index.SearchDoc{
		{
			ID:      "git:status",
			DocText: "git status show working tree status version control",
			Summary: index.Summary{
				ID:               "git:status",
				Name:             "status",
				Namespace:        "git",
				ShortDescription: "Show the working tree status",
				Tags:             []string{"vcs", "git"},
			},
		},
		{
			ID:      "git:commit",
			DocText: "git commit save changes to repository version control",
			Summary: index.Summary{
				ID:               "git:commit",
				Name:             "commit",
				Namespace:        "git",
				ShortDescription: "Record changes to the repository",
				Tags:             []string{"vcs", "git"},
			},
		},
		{
			ID:      "docker:ps",
			DocText: "docker ps list containers running processes",
			Summary: index.Summary{
				ID:               "docker:ps",
				Name:             "ps",
				Namespace:        "docker",
				ShortDescription: "List containers",
				Tags:             []string{"containers", "docker"},
			},
		},
		{
			ID:      "kubectl:get",
			DocText: "kubectl get display resources kubernetes pods services",
			Summary: index.Summary{
				ID:               "kubectl:get",
				Name:             "get",
				Namespace:        "kubectl",
				ShortDescription: "Display one or many resources",
				Tags:             []string{"kubernetes", "k8s"},
			},
		},
	}

	// Test 1: Search for git-related tools
	t.Run("search_git", func(t *testing.T) {
		results, err := searcher.Search("git", 10, docs)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(results) < 2 {
			t.Errorf("expected at least 2 git results, got %d", len(results))
		}
		// Git tools should rank first
		for _, r := range results[:2] {
			if r.Namespace != "git" {
				t.Errorf("expected git namespace, got %s", r.Namespace)
			}
		}
	})

	// Test 2: Search for containers
	t.Run("search_containers", func(t *testing.T) {
		results, err := searcher.Search("containers", 10, docs)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(results) == 0 {
			t.Fatal("expected results for 'containers'")
		}
		if results[0].ID != "docker:ps" {
			t.Errorf("expected docker:ps first, got %s", results[0].ID)
		}
	})

	// Test 3: No matches
	t.Run("no_matches", func(t *testing.T) {
		results, err := searcher.Search("terraform", 10, docs)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("expected 0 results for 'terraform', got %d", len(results))
		}
	})

	// Test 4: Empty query returns first N
	t.Run("empty_query", func(t *testing.T) {
		results, err := searcher.Search("", 2, docs)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("expected 2 results, got %d", len(results))
		}
	})
}

// TestExample_CustomConfig verifies custom configuration works correctly.
func TestExample_CustomConfig(t *testing.T) {
	docs := []index.SearchDoc{
		{
			ID:      "ci:deploy",
			DocText: "deploy application to production continuous integration",
			Summary: index.Summary{
				ID:               "ci:deploy",
				Name:             "deploy",
				Namespace:        "ci",
				ShortDescription: "Deploy application to production",
				Tags:             []string{"ci", "cd"},
			},
		},
		{
			ID:      "ops:rollout",
			DocText: "rollout deploy new version gradually canary deployment",
			Summary: index.Summary{
				ID:               "ops:rollout",
				Name:             "rollout",
				Namespace:        "ops",
				ShortDescription: "Gradually deploy new version",
				Tags:             []string{"deployment"},
			},
		},
		{
			ID:      "k8s:apply",
			DocText: "apply kubernetes manifest deploy resources yaml",
			Summary: index.Summary{
				ID:               "k8s:apply",
				Name:             "apply",
				Namespace:        "k8s",
				ShortDescription: "Apply a configuration to deploy resources",
				Tags:             []string{"kubernetes"},
			},
		},
	}

	// Test 1: Default config - name matches rank higher
	t.Run("default_config_name_boost", func(t *testing.T) {
		searcher := search.NewBM25Searcher(search.BM25Config{})
		defer func() {
			if err := searcher.Close(); err != nil {
				t.Fatalf("close failed: %v", err)
			}
		}()

		results, err := searcher.Search("deploy", 10, docs)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(results) == 0 {
			t.Fatal("expected results")
		}
		// ci:deploy should rank first because "deploy" is in the name
		if results[0].ID != "ci:deploy" {
			t.Errorf("expected ci:deploy first (name match), got %s", results[0].ID)
		}
	})

	// Test 2: High name boost amplifies effect
	t.Run("high_name_boost", func(t *testing.T) {
		searcher := search.NewBM25Searcher(search.BM25Config{
			NameBoost:      10,
			NamespaceBoost: 1,
			TagsBoost:      1,
		})
		defer func() {
			if err := searcher.Close(); err != nil {
				t.Fatalf("close failed: %v", err)
			}
		}()

		results, err := searcher.Search("deploy", 10, docs)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(results) == 0 {
			t.Fatal("expected results")
		}
		if results[0].ID != "ci:deploy" {
			t.Errorf("expected ci:deploy first with high name boost, got %s", results[0].ID)
		}
	})

	// Test 3: MaxDocs limits indexed documents
	t.Run("max_docs_limit", func(t *testing.T) {
		searcher := search.NewBM25Searcher(search.BM25Config{
			MaxDocs: 2,
		})
		defer func() {
			if err := searcher.Close(); err != nil {
				t.Fatalf("close failed: %v", err)
			}
		}()

		longDocs := make([]index.SearchDoc, 4)
		for i := range longDocs {
			longDocs[i] = index.SearchDoc{
				ID:      fmt.Sprintf("tool:%d", i),
				DocText: strings.Repeat("keyword ", 100),
				Summary: index.Summary{
					ID:               fmt.Sprintf("tool:%d", i),
					Name:             fmt.Sprintf("tool%d", i),
					ShortDescription: "A tool",
				},
			}
		}

		results, err := searcher.Search("keyword", 10, longDocs)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		// Should be limited by MaxDocs=2
		if len(results) > 2 {
			t.Errorf("expected at most 2 results (MaxDocs), got %d", len(results))
		}
	})

	// Test 4: MaxDocTextLen truncates long descriptions
	t.Run("max_doc_text_len", func(t *testing.T) {
		searcher := search.NewBM25Searcher(search.BM25Config{
			MaxDocTextLen: 50,
		})
		defer func() {
			if err := searcher.Close(); err != nil {
				t.Fatalf("close failed: %v", err)
			}
		}()

		// "uniqueword" is past the truncation point
		longDoc := []index.SearchDoc{
			{
				ID:      "long-doc",
				DocText: strings.Repeat("padding ", 100) + "uniqueword",
				Summary: index.Summary{ID: "long-doc", Name: "LongDoc"},
			},
		}

		results, err := searcher.Search("uniqueword", 10, longDoc)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		// Should not find "uniqueword" since it's truncated
		if len(results) != 0 {
			t.Errorf("expected 0 results (word truncated), got %d", len(results))
		}
	})
}

// TestExample_IndexIntegration drives the searcher through index.SearchPage.
func TestExample_IndexIntegration(t *testing.T) {
	searcher := search.NewBM25Searcher(search.BM25Config{
		NameBoost:      3,
		NamespaceBoost: 2,
		TagsBoost:      2,
	})
	defer func() { _ = searcher.Close() }()

	idx := index.NewInMemoryIndex(index.IndexOptions{
		Searcher: searcher,
	})

	newTool := func(namespace, name, description string, tags ...string) index.Descriptor {
		return index.Descriptor{
			Tool: model.Tool{
				Tool: mcp.Tool{
					Name:        name,
					Description: description,
					InputSchema: map[string]any{"type": "object"},
				},
				Namespace: namespace,
				Tags:      tags,
			},
			Revision: 1,
			Backend:  namespace + "-mcp",
		}
	}

	_, err := idx.RegisterBatch([]index.Descriptor{
		newTool("git", "git_status", "Show the working tree status", "vcs", "version-control"),
		newTool("git", "git_commit", "Record changes to the repository", "vcs", "version-control"),
		newTool("docker", "docker_ps", "List containers", "containers", "devops"),
		newTool("kubectl", "kubectl_get", "Display one or many resources", "kubernetes", "k8s", "devops"),
	})
	if err != nil {
		t.Fatalf("RegisterBatch failed: %v", err)
	}

	t.Run("search_git", func(t *testing.T) {
		page, err := idx.SearchPage("git", "", 10)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(page.Items) < 2 {
			t.Errorf("expected at least 2 git results, got %d", len(page.Items))
		}
		for _, d := range page.Items {
			if d.Tool.Namespace != "git" {
				t.Errorf("expected git namespace, got %s", d.Key())
			}
		}
	})

	t.Run("search_devops_tag_paged", func(t *testing.T) {
		first, err := idx.SearchPage("devops", "", 1)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(first.Items) != 1 || first.NextCursor == "" {
			t.Fatalf("expected a first page with a cursor, got %+v", first)
		}
		second, err := idx.SearchPage("devops", first.NextCursor, 1)
		if err != nil {
			t.Fatalf("Search error: %v", err)
		}
		if len(second.Items) != 1 || second.Items[0].Key() == first.Items[0].Key() {
			t.Fatalf("expected a distinct second result, got %+v", second.Items)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		a, _ := idx.SearchPage("version", "", 10)
		b, _ := idx.SearchPage("version", "", 10)
		if len(a.Items) != len(b.Items) {
			t.Fatalf("result counts differ")
		}
		for i := range a.Items {
			if a.Items[i].Key() != b.Items[i].Key() {
				t.Fatalf("order differs at %d", i)
			}
		}
	})
}
