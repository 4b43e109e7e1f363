package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/cursor"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestRootFlagDefaults(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if err := root.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg, err := configFromViper()
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	if cfg.listen != defaultListen || cfg.stdio {
		t.Fatalf("unexpected transport config %+v", cfg)
	}
	r := cfg.registry
	if r.DebounceWindow != 250*time.Millisecond {
		t.Errorf("debounce window = %v", r.DebounceWindow)
	}
	if r.NotificationsDisabled {
		t.Error("notifications should default to enabled")
	}
	if r.MaxPageSize != 200 || r.DefaultPageSize != 50 || r.CursorHistory != 128 {
		t.Errorf("page config = %d/%d history %d", r.DefaultPageSize, r.MaxPageSize, r.CursorHistory)
	}
	if r.StalePolicy != cursor.ResumeByKey {
		t.Errorf("stale policy = %v", r.StalePolicy)
	}
	if r.CursorSecret != nil {
		t.Error("cursor secret should default to random")
	}
}

func TestRootFlagOverrides(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	err := root.ParseFlags([]string{
		"--stdio",
		"--notifications=false",
		"--stale-cursor-policy", "reject",
		"--invocation-timeout", "3s",
		"--max-concurrent", "4",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	t.Setenv("TOOLHUB_CURSOR_SECRET", "s3cret")

	cfg, err := configFromViper()
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	r := cfg.registry
	if !cfg.stdio || !r.NotificationsDisabled || r.StalePolicy != cursor.Reject {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if r.InvocationTimeout != 3*time.Second || r.MaxConcurrent != 4 {
		t.Fatalf("timeout/concurrency = %v/%d", r.InvocationTimeout, r.MaxConcurrent)
	}
	if string(r.CursorSecret) != "s3cret" {
		t.Fatalf("cursor secret = %q", r.CursorSecret)
	}
}

func TestInvalidStalePolicy(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if err := root.ParseFlags([]string{"--stale-cursor-policy", "sometimes"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if _, err := configFromViper(); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestConfigFileBackends(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "toolhub.yaml")
	data := []byte(`
listen: 127.0.0.1:9999
backends:
  - name: files
    namespace: fs
    url: http://127.0.0.1:7000/mcp
    retry-safe: true
  - name: local-git
    command: ["git-mcp", "--stdio"]
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if err := root.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if _, err := loadConfigFile(path); err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}

	cfg, err := configFromViper()
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}
	if cfg.listen != "127.0.0.1:9999" {
		t.Errorf("listen = %q", cfg.listen)
	}
	if len(cfg.backends) != 2 {
		t.Fatalf("backends = %+v", cfg.backends)
	}
	if b := cfg.backends[0]; b.Name != "files" || b.Namespace != "fs" || !b.RetrySafe {
		t.Errorf("first backend = %+v", b)
	}
	if b := cfg.backends[1]; len(b.Command) != 2 || b.Command[0] != "git-mcp" {
		t.Errorf("second backend = %+v", b)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	resetViper(t)
	if _, err := loadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
	if _, err := loadConfigFile(t.TempDir()); err == nil {
		t.Fatal("expected error for directory")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got, _ := expandPath("~/x.yaml"); got != filepath.Join(home, "x.yaml") {
		t.Errorf("expandPath(~/x.yaml) = %q", got)
	}
	if got, _ := expandPath("/etc/x.yaml"); got != "/etc/x.yaml" {
		t.Errorf("expandPath(/etc/x.yaml) = %q", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if err := root.ParseFlags([]string{"--listen", "127.0.0.1:0", "--manifests", t.TempDir()}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	cfg, err := configFromViper()
	if err != nil {
		t.Fatalf("configFromViper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, pslog.NewStructured(io.Discard)) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
