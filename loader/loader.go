package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/jonwraymond/toolhub/backend"
	"github.com/jonwraymond/toolhub/index"
	"github.com/jonwraymond/toolhub/internal/logutil"
)

// Registrar is the index side of the loader.
type Registrar interface {
	RegisterBatch(ds []index.Descriptor) (uint64, error)
	Deregister(k index.Key) (uint64, error)
}

// Commands stores command specs for loaded tools, normally a
// *backend.Command.
type Commands interface {
	Name() string
	Set(k index.Key, spec backend.CommandSpec) error
	Remove(k index.Key) bool
}

// Loader keeps a manifest directory registered.
type Loader struct {
	dir      string
	reg      Registrar
	commands Commands
	logger   pslog.Logger

	mu sync.Mutex
	// loaded maps manifest path to the key revisions it registered.
	loaded map[string]map[index.Key]uint64
}

// New returns a loader for dir.
func New(dir string, reg Registrar, commands Commands, logger pslog.Logger) *Loader {
	return &Loader{
		dir:      dir,
		reg:      reg,
		commands: commands,
		logger:   logutil.WithSubsystem(logger, "loader").With("dir", dir),
		loaded:   make(map[string]map[index.Key]uint64),
	}
}

// Dir returns the watched directory.
func (l *Loader) Dir() string { return l.dir }

// Loaded returns the keys currently registered from manifests, sorted.
func (l *Loader) Loaded() []index.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []index.Key
	for _, keys := range l.loaded {
		for k := range keys {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Load scans the directory once. Manifests that fail are logged and skipped;
// the joined errors are returned.
func (l *Loader) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("loader: read %s: %w", l.dir, err)
	}
	present := make(map[string]struct{})
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !IsManifest(e.Name()) {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		present[path] = struct{}{}
		if err := l.Apply(path); err != nil {
			errs = append(errs, err)
		}
	}

	l.mu.Lock()
	var gone []string
	for path := range l.loaded {
		if _, ok := present[path]; !ok {
			gone = append(gone, path)
		}
	}
	l.mu.Unlock()
	for _, path := range gone {
		l.Remove(path)
	}
	return errors.Join(errs...)
}

// Apply registers the tools of one manifest, deregistering tools the file no
// longer lists. Unchanged revisions are skipped.
func (l *Loader) Apply(path string) error {
	m, err := ReadManifest(path)
	if err != nil {
		l.logger.Warn("loader.manifest.invalid", "file", filepath.Base(path), "error", err)
		return err
	}
	entries, err := m.entries(l.commands.Name())
	if err != nil {
		l.logger.Warn("loader.manifest.invalid", "file", filepath.Base(path), "error", err)
		return fmt.Errorf("loader: %s: %w", filepath.Base(path), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.loaded[path]
	next := make(map[index.Key]uint64, len(entries))
	var changed []index.Descriptor
	staged := make(map[index.Key]backend.CommandSpec)
	for _, e := range entries {
		k := e.desc.Key()
		next[k] = e.desc.Revision
		if rev, ok := prev[k]; ok && rev == e.desc.Revision {
			continue
		}
		if e.spec != nil {
			if err := e.spec.Validate(k); err != nil {
				return fmt.Errorf("loader: %s: %w", filepath.Base(path), err)
			}
			staged[k] = *e.spec
		}
		changed = append(changed, e.desc)
	}

	if len(changed) > 0 {
		// commands are installed only once the index accepted the batch
		rev, err := l.reg.RegisterBatch(changed)
		if err != nil {
			l.logger.Warn("loader.register.failed", "file", filepath.Base(path), "error", err)
			return fmt.Errorf("loader: %s: %w", filepath.Base(path), err)
		}
		for k, spec := range staged {
			if err := l.commands.Set(k, spec); err != nil {
				l.logger.Error("loader.command.install.failed", "tool", k.String(), "error", err)
			}
		}
		l.logger.Info("loader.registered", "file", filepath.Base(path), "tools", len(changed), "revision", rev)
	}

	for k := range prev {
		if _, keep := next[k]; keep {
			continue
		}
		l.deregisterLocked(k)
	}
	l.loaded[path] = next
	return nil
}

// Remove deregisters every tool registered from path.
func (l *Loader) Remove(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys, ok := l.loaded[path]
	if !ok {
		return
	}
	for k := range keys {
		l.deregisterLocked(k)
	}
	delete(l.loaded, path)
	l.logger.Info("loader.removed", "file", filepath.Base(path), "tools", len(keys))
}

func (l *Loader) deregisterLocked(k index.Key) {
	if _, err := l.reg.Deregister(k); err != nil {
		l.logger.Debug("loader.deregister.failed", "tool", k.String(), "error", err)
	}
	l.commands.Remove(k)
}

// Run loads the directory and then applies changes until ctx is done.
func (l *Loader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("loader: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("loader: watch %s: %w", l.dir, err)
	}
	if err := l.Load(); err != nil {
		l.logger.Warn("loader.initial.partial", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.handle(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("loader.watch.error", "error", err)
		}
	}
}

func (l *Loader) handle(ev fsnotify.Event) {
	if !IsManifest(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		l.Remove(ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		_ = l.Apply(ev.Name)
	}
}
