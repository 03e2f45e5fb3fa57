package scenario

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/signalsfoundry/sourcenet-core/internal/logging"
	"github.com/signalsfoundry/sourcenet-core/internal/registry"
)

// ApplyFunc merges a parsed scenario into the running world.
type ApplyFunc func(ctx context.Context, sc Scenario) (Result, error)

// Watcher re-applies a scenario file to a registry whenever it is written.
// Editors that save by rename are covered because the parent directory is
// watched rather than the file itself.
type Watcher struct {
	path string
	reg  *registry.Registry
	log  logging.Logger

	fsw     *fsnotify.Watcher
	apply   ApplyFunc
	onApply func(Result, error)
}

// WatchOption customises a Watcher.
type WatchOption func(*Watcher)

// WithWatchLogger attaches a structured logger.
func WithWatchLogger(l logging.Logger) WatchOption {
	return func(w *Watcher) { w.log = logging.OrNoop(l) }
}

// WithApplyFunc replaces the default registry-only merge, so a reload can
// also adopt the scenario's loadout.
func WithApplyFunc(fn ApplyFunc) WatchOption {
	return func(w *Watcher) { w.apply = fn }
}

// OnApply registers a callback invoked after every re-apply.
func OnApply(fn func(Result, error)) WatchOption {
	return func(w *Watcher) { w.onApply = fn }
}

// NewWatcher starts watching path. Call Run to process changes.
func NewWatcher(path string, reg *registry.Registry, opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve scenario path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{path: abs, reg: reg, log: logging.Noop(), fsw: fsw}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.apply == nil {
		w.apply = func(ctx context.Context, sc Scenario) (Result, error) {
			return Apply(ctx, w.reg, sc, w.log)
		}
	}
	return w, nil
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn(ctx, "scenario watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}

	var res Result
	sc, err := LoadFile(w.path)
	if err == nil {
		res, err = w.apply(ctx, sc)
	}
	if err != nil {
		w.log.Warn(ctx, "scenario reload incomplete",
			logging.String("path", w.path),
			logging.Err(err),
		)
	}
	if w.onApply != nil {
		w.onApply(res, err)
	}
}
