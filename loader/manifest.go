// Package loader registers tools from a directory of YAML manifests and keeps
// the registry in step with it as files change.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"

	"github.com/jonwraymond/toolhub/backend"
	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/toolerr"
)

// Manifest is one YAML file describing a namespace of command tools.
type Manifest struct {
	Namespace string `yaml:"namespace"`
	// Backend names the backend serving the tools. Defaults to the command
	// backend.
	Backend string         `yaml:"backend,omitempty"`
	Tools   []ManifestTool `yaml:"tools"`
}

// ManifestTool is one tool entry.
type ManifestTool struct {
	Name         string             `yaml:"name"`
	Title        string             `yaml:"title,omitempty"`
	Description  string             `yaml:"description,omitempty"`
	Revision     uint64             `yaml:"revision"`
	Tags         []string           `yaml:"tags,omitempty"`
	InputSchema  map[string]any     `yaml:"inputSchema,omitempty"`
	Command      []string           `yaml:"command,omitempty"`
	Env          []string           `yaml:"env,omitempty"`
	Dir          string             `yaml:"dir,omitempty"`
	Capabilities index.Capabilities `yaml:"capabilities,omitempty"`
}

type entry struct {
	desc index.Descriptor
	spec *backend.CommandSpec
}

// ReadManifest parses the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, toolerr.Wrap(toolerr.KindInvalidArgument, err, "parse manifest %s", filepath.Base(path))
	}
	return &m, nil
}

// IsManifest reports whether path has a manifest extension.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (m *Manifest) entries(defaultBackend string) ([]entry, error) {
	backendName := strings.TrimSpace(m.Backend)
	if backendName == "" {
		backendName = defaultBackend
	}
	seen := make(map[string]struct{}, len(m.Tools))
	out := make([]entry, 0, len(m.Tools))
	for i, t := range m.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, toolerr.New(toolerr.KindInvalidArgument, "tool #%d has no name", i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, toolerr.New(toolerr.KindInvalidArgument, "tool %q listed twice", name)
		}
		seen[name] = struct{}{}

		rev := t.Revision
		if rev == 0 {
			rev = 1
		}
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		e := entry{desc: index.Descriptor{
			Tool: model.Tool{
				Tool: mcp.Tool{
					Name:        name,
					Title:       t.Title,
					Description: t.Description,
					InputSchema: schema,
				},
				Namespace: m.Namespace,
				Tags:      t.Tags,
			},
			Revision:     rev,
			Backend:      backendName,
			Capabilities: t.Capabilities,
		}}
		if len(t.Command) > 0 {
			e.spec = &backend.CommandSpec{Argv: t.Command, Env: t.Env, Dir: t.Dir}
		} else if backendName == defaultBackend {
			return nil, fmt.Errorf("tool %q: command is required", name)
		}
		out = append(out, e)
	}
	return out, nil
}
