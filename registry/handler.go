package registry

import (
	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/toolhub/backend"
)

// ToolHandler executes a local tool with the given arguments.
// It receives the invocation context, which is cancelled when the caller
// cancels or the call times out, and a map of arguments parsed from the MCP
// request. Progress is reported with backend.ReportProgress.
type ToolHandler = backend.Handler

// LocalToolOption configures local tool registration.
type LocalToolOption func(*localToolConfig)

type localToolConfig struct {
	namespace string
	tags      []string
	version   string
	revision  uint64
	progress  bool
}

// WithNamespace sets the namespace for a local tool.
func WithNamespace(ns string) LocalToolOption {
	return func(c *localToolConfig) {
		c.namespace = ns
	}
}

// WithTags sets the tags for a local tool.
func WithTags(tags ...string) LocalToolOption {
	return func(c *localToolConfig) {
		c.tags = tags
	}
}

// WithVersion sets the version for a local tool.
func WithVersion(v string) LocalToolOption {
	return func(c *localToolConfig) {
		c.version = v
	}
}

// WithRevision sets the descriptor revision. Without it the registry uses
// one more than the currently registered revision.
func WithRevision(rev uint64) LocalToolOption {
	return func(c *localToolConfig) {
		c.revision = rev
	}
}

// WithProgress advertises that the handler reports progress.
func WithProgress() LocalToolOption {
	return func(c *localToolConfig) {
		c.progress = true
	}
}

func applyLocalToolOptions(opts []LocalToolOption) localToolConfig {
	cfg := localToolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func buildLocalTool(name, description string, inputSchema map[string]any, cfg localToolConfig) model.Tool {
	if inputSchema == nil {
		inputSchema = map[string]any{"type": "object"}
	}
	return model.Tool{
		Tool: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: inputSchema,
		},
		Namespace: cfg.namespace,
		Version:   cfg.version,
		Tags:      model.NormalizeTags(cfg.tags),
	}
}
