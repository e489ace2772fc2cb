// Package watch re-runs a job whenever input files change under a
// directory tree.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/frlp-jornadas/certship/internal/adapters/log"
	"github.com/frlp-jornadas/certship/internal/ports"
)

// DefaultDebounce is the quiet period after the last event before a run.
const DefaultDebounce = 2 * time.Second

// RunFunc is the job triggered by changes. A failed run is logged and
// retried with backoff unless input changes trigger it sooner.
type RunFunc func(ctx context.Context) error

// Watcher schedules runs on filesystem events. Events only schedule a
// run; runs never overlap, and events arriving during a run coalesce into
// at most one follow-up run.
type Watcher struct {
	root     string
	run      RunFunc
	debounce time.Duration
	match    func(path string) bool
	logger   ports.Logger
	retry    *backoff

	trigger chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithLogger sets the logger.
func WithLogger(l ports.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithMatch sets the predicate selecting relevant files.
func WithMatch(fn func(path string) bool) Option {
	return func(w *Watcher) { w.match = fn }
}

// WithRetry retries a failed run after an exponential delay starting at
// base and capped at max. A zero base disables retries.
func WithRetry(base, max time.Duration) Option {
	return func(w *Watcher) {
		if base <= 0 {
			w.retry = nil
			return
		}
		w.retry = newBackoff(base, max)
	}
}

// InputFiles matches CSV and JSON files.
func InputFiles(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".json":
		return true
	}
	return false
}

// New creates a Watcher over root.
func New(root string, run RunFunc, opts ...Option) *Watcher {
	w := &Watcher{
		root:     root,
		run:      run,
		debounce: DefaultDebounce,
		match:    InputFiles,
		logger:   log.NewNoopLogger(),
		retry:    newBackoff(DefaultRetryBase, DefaultRetryMax),
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run performs one run immediately, then one per debounced burst of
// events, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runner(ctx)
	}()
	defer wg.Wait()
	defer w.stopTimer()

	w.schedule(0)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if isDir(event.Name) {
					if err := w.addTree(fw, event.Name); err != nil {
						w.logger.Warn("watch new directory", ports.Err(err), ports.String("path", event.Name))
					}
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !w.match(event.Name) {
				continue
			}
			w.logger.Debug("input changed", ports.String("path", event.Name), ports.String("op", event.Op.String()))
			w.schedule(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", ports.Err(err))
		}
	}
}

// runner executes queued runs one at a time.
func (w *Watcher) runner(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
			start := time.Now()
			if err := w.run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if w.retry == nil {
					w.logger.Error("run failed", ports.Err(err))
					continue
				}
				delay := w.retry.Next()
				w.logger.Error("run failed", ports.Err(err), ports.Duration("retry_in", delay))
				w.schedule(delay)
				continue
			}
			if w.retry != nil {
				w.retry.Reset()
			}
			w.logger.Info("run complete", ports.Duration("took", time.Since(start)))
		}
	}
}

// schedule (re)arms the debounce timer. When it fires, a run is queued
// unless one is already pending.
func (w *Watcher) schedule(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(delay, func() {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
