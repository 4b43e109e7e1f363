package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/toolhub/execution"
	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/toolerr"
)

// CommandName is the default name of the subprocess backend.
const CommandName = "command"

// CommandSpec describes how to run one tool as a subprocess. Arguments are
// written to stdin as a JSON object; stdout is decoded as JSON when it parses,
// otherwise returned as trimmed text.
type CommandSpec struct {
	Argv []string `yaml:"argv"`
	Env  []string `yaml:"env,omitempty"`
	Dir  string   `yaml:"dir,omitempty"`
}

// Command runs tools as subprocesses.
type Command struct {
	name string
	// WaitDelay bounds how long a killed process may hold its pipes open.
	WaitDelay time.Duration

	mu    sync.RWMutex
	specs map[index.Key]CommandSpec
}

// NewCommand returns an empty subprocess backend. An empty name uses
// CommandName.
func NewCommand(name string) *Command {
	if strings.TrimSpace(name) == "" {
		name = CommandName
	}
	return &Command{name: name, WaitDelay: time.Second, specs: make(map[index.Key]CommandSpec)}
}

// Name implements execution.Backend.
func (c *Command) Name() string { return c.name }

// Capabilities implements execution.Backend. The process is killed when the
// call is cancelled.
func (c *Command) Capabilities() execution.Capabilities {
	return execution.Capabilities{SupportsCancellation: true}
}

// Validate reports an invalid_argument error when spec has no program.
func (s CommandSpec) Validate(key index.Key) error {
	if len(s.Argv) == 0 || strings.TrimSpace(s.Argv[0]) == "" {
		return toolerr.New(toolerr.KindInvalidArgument, "command for tool %q is empty", key.String())
	}
	return nil
}

// Set installs spec for key.
func (c *Command) Set(key index.Key, spec CommandSpec) error {
	if err := spec.Validate(key); err != nil {
		return err
	}
	c.mu.Lock()
	c.specs[key] = spec
	c.mu.Unlock()
	return nil
}

// Spec returns the spec installed for key.
func (c *Command) Spec(key index.Key) (CommandSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[key]
	return spec, ok
}

// Remove deletes the spec for key.
func (c *Command) Remove(key index.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.specs[key]; !ok {
		return false
	}
	delete(c.specs, key)
	return true
}

// Start implements execution.Backend.
func (c *Command) Start(ctx context.Context, req execution.Request, _ execution.ProgressFunc) (execution.Future, error) {
	key := req.Tool.Key()
	c.mu.RLock()
	spec, ok := c.specs[key]
	c.mu.RUnlock()
	if !ok {
		return nil, toolerr.New(toolerr.KindBackendUnavailable, "no command for tool %q", key.String())
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindInvalidArgument, err, "arguments are not JSON encodable")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.WaitDelay = c.WaitDelay
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, toolerr.Wrap(toolerr.KindBackendUnavailable, err, "start command for tool %q", key.String())
	}

	return execution.Go(func() (*execution.Result, error) {
		if err := cmd.Wait(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// stderr stays in the diagnostic, never in the client message
			cause := err
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				cause = fmt.Errorf("%w: %s", err, msg)
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, toolerr.Wrap(toolerr.KindBackendExecution, cause, "command exited with status %d", exitErr.ExitCode())
			}
			return nil, toolerr.Wrap(toolerr.KindBackendExecution, cause, "command failed")
		}
		return &execution.Result{Value: decodeOutput(stdout.Bytes())}, nil
	}), nil
}

func decodeOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(trimmed)
}
