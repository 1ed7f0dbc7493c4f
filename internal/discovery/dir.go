package discovery

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	"github.com/hanpama/meshgate/internal/service"
)

var manifestExts = map[string]bool{".yaml": true, ".yml": true, ".json": true}

const defaultPollInterval = 2 * time.Second

// Dir reads service manifests from a directory tree. Each YAML or JSON file
// holds one descriptor.
type Dir struct {
	root     string
	bus      *eventbus.Bus
	logger   *zap.Logger
	interval time.Duration
	debounce time.Duration
}

type DirOption func(*Dir)

func WithBus(b *eventbus.Bus) DirOption       { return func(d *Dir) { d.bus = b } }
func WithLogger(l *zap.Logger) DirOption      { return func(d *Dir) { d.logger = l } }
func WithDebounce(iv time.Duration) DirOption { return func(d *Dir) { d.debounce = iv } }

// WithPollInterval makes Watch rescan the tree every iv instead of relying
// on filesystem notifications. Zero keeps notifications.
func WithPollInterval(iv time.Duration) DirOption { return func(d *Dir) { d.interval = iv } }

func NewDir(root string, opts ...DirOption) *Dir {
	d := &Dir{root: root, logger: zap.NewNop(), debounce: 100 * time.Millisecond}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dir) manifests() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || !manifestExts[filepath.Ext(e.Name())] {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk manifest dir %q: %w", d.root, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Services loads every manifest. A malformed manifest fails the snapshot.
func (d *Dir) Services(ctx context.Context) ([]service.Descriptor, error) {
	paths, err := d.manifests()
	if err != nil {
		return nil, err
	}
	out := make([]service.Descriptor, 0, len(paths))
	seen := map[string]string{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		desc, err := service.LoadFile(p)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[desc.FullName()]; dup {
			return nil, fmt.Errorf("service %q declared in both %s and %s", desc.FullName(), prev, p)
		}
		seen[desc.FullName()] = p
		out = append(out, desc)
	}
	return out, nil
}

func (d *Dir) fingerprint() (uint64, error) {
	paths, err := d.manifests()
	if err != nil {
		return 0, err
	}
	h := fnv.New64a()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return 0, err
		}
		fmt.Fprintf(h, "%s\x00%d\x00", p, len(data))
		h.Write(data)
	}
	return h.Sum64(), nil
}

// Watch follows the directory until ctx ends and emits
// events.ServicesChanged whenever the manifest contents change. Bursts of
// filesystem events within the debounce window produce one check. Without
// filesystem notifications it falls back to polling.
func (d *Dir) Watch(ctx context.Context) error {
	if d.interval > 0 {
		return d.poll(ctx, d.interval)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("filesystem notifications unavailable, polling manifests",
			zap.String("dir", d.root), zap.Error(err))
		return d.poll(ctx, defaultPollInterval)
	}
	defer w.Close()
	if err := d.watchTree(w, d.root); err != nil {
		return err
	}
	last, err := d.fingerprint()
	if err != nil {
		return err
	}

	settle := time.NewTimer(d.debounce)
	settle.Stop()
	defer settle.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := d.watchTree(w, ev.Name); err != nil {
						d.logger.Warn("watch manifest dir failed", zap.String("dir", ev.Name), zap.Error(err))
					}
				}
			}
			settle.Reset(d.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("manifest watcher error", zap.String("dir", d.root), zap.Error(err))
		case <-settle.C:
			last = d.check(ctx, last)
		}
	}
}

func (d *Dir) poll(ctx context.Context, iv time.Duration) error {
	last, err := d.fingerprint()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(iv)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		last = d.check(ctx, last)
	}
}

// watchTree registers root and every directory below it; fsnotify watches
// are not recursive.
func (d *Dir) watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %q: %w", path, err)
		}
		return nil
	})
}

// check emits events.ServicesChanged when the tree no longer matches last and
// returns the current fingerprint.
func (d *Dir) check(ctx context.Context, last uint64) uint64 {
	fp, err := d.fingerprint()
	if err != nil {
		d.logger.Warn("manifest scan failed", zap.String("dir", d.root), zap.Error(err))
		return last
	}
	if fp == last {
		return last
	}
	d.logger.Info("service manifests changed", zap.String("dir", d.root))
	eventbus.Emit(d.bus, ctx, events.ServicesChanged{Reason: "manifests changed in " + d.root})
	return fp
}
