// Package registry provides high-level helpers for building MCP servers
// on top of a live, mutable tool index.
//
// Registry wires the index, BM25 search, change notifier, session registry
// and execution coordinator into one API.
//
// Features:
//   - Local tool registration with handlers
//   - MCP backend connections (streamable HTTP, SSE, stdio)
//   - Subprocess command tools (fed by the manifest loader)
//   - Paginated tools/list and tools/search with opaque cursors
//   - Debounced notifications/tools/list_changed per session
//   - tools/call with progress and notifications/cancelled
//   - Transports: stdio and streamable HTTP with an SSE notification stream
//   - Prometheus metrics
//
// Example usage:
//
//	reg, err := registry.New(registry.Config{
//	    ServerInfo: registry.ServerInfo{
//	        Name:    "my-server",
//	        Version: "1.0.0",
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer reg.Close()
//
//	reg.RegisterLocalFunc(
//	    "echo",
//	    "Echoes back the input",
//	    map[string]any{
//	        "type": "object",
//	        "properties": map[string]any{
//	            "message": map[string]any{"type": "string"},
//	        },
//	    },
//	    func(ctx context.Context, args map[string]any) (any, error) {
//	        return args, nil
//	    },
//	)
//
//	ctx := context.Background()
//	reg.Start(ctx)
//
//	registry.ServeStdio(ctx, reg, os.Stdin, os.Stdout)
package registry
