package watch

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoRootConfigured indicates no watch root was specified.
	ErrNoRootConfigured = errors.New("no root configured for watching")

	// ErrRootNotExist indicates the watch root does not exist.
	ErrRootNotExist = errors.New("watch root does not exist")

	// ErrRootNotDirectory indicates the watch root is not a directory.
	ErrRootNotDirectory = errors.New("watch root is not a directory")

	// ErrSourceAlreadyStarted indicates Start was called twice.
	ErrSourceAlreadyStarted = errors.New("event source already started")

	// ErrSourceClosed indicates the underlying watcher died without Stop
	// being called. The recovery controller treats it as fatal.
	ErrSourceClosed = errors.New("event source closed unexpectedly")
)

// =============================================================================
// Configuration
// =============================================================================

// DefaultSignalBufferSize is the capacity of the signal channel.
const DefaultSignalBufferSize = 1024

// SourceConfig configures an EventSource.
type SourceConfig struct {
	// Root is the directory to watch recursively. Required.
	Root string

	// Filter hides ignored paths. Directory walks skip matching directories
	// entirely, so no watches are ever installed inside them. Optional.
	Filter *Filter

	// SignalBufferSize caps the signal channel.
	// Defaults to DefaultSignalBufferSize.
	SignalBufferSize int

	// Logger receives source diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills in zero-value configuration fields.
func (c *SourceConfig) applyDefaults() {
	if c.SignalBufferSize <= 0 {
		c.SignalBufferSize = DefaultSignalBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// validate checks that the configuration is usable.
func (c *SourceConfig) validate() error {
	if c.Root == "" {
		return ErrNoRootConfigured
	}
	return validateWatchRoot(c.Root)
}

// validateWatchRoot checks that a root exists and is a directory.
func validateWatchRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return classifyStatError(err)
	}
	if !info.IsDir() {
		return ErrRootNotDirectory
	}
	return nil
}

// classifyStatError converts stat errors to watch errors.
func classifyStatError(err error) error {
	if os.IsNotExist(err) {
		return ErrRootNotExist
	}
	return err
}

// =============================================================================
// EventSource
// =============================================================================

// EventSource translates raw fsnotify events for one root into change
// signals. It watches the root recursively, extends the watch set when
// directories appear, and degrades renames to a delete of the old path since
// the OS does not pair the new name (its arrival is a separate create).
//
// The source performs no debouncing and no filtering beyond pruning ignored
// directories from its walks; the buffer and filter own those concerns.
type EventSource struct {
	cfg     SourceConfig
	watcher *fsnotify.Watcher

	signalCh chan ChangeSignal
	errorCh  chan error

	mu          sync.Mutex
	watchedDirs map[string]struct{}

	started  atomic.Bool
	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEventSource creates an event source for the configured root.
// Returns an error if the root is invalid or the OS watcher cannot be
// created.
func NewEventSource(cfg SourceConfig) (*EventSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.Root = filepath.Clean(cfg.Root)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &EventSource{
		cfg:         cfg,
		watcher:     watcher,
		signalCh:    make(chan ChangeSignal, cfg.SignalBufferSize),
		errorCh:     make(chan error, 16),
		watchedDirs: make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}, nil
}

// Signals returns the channel of change signals. It is closed when the
// source stops.
func (w *EventSource) Signals() <-chan ChangeSignal {
	return w.signalCh
}

// Errors returns the channel of watch errors. It is closed when the source
// stops.
func (w *EventSource) Errors() <-chan error {
	return w.errorCh
}

// Root returns the watched root.
func (w *EventSource) Root() string {
	return w.cfg.Root
}

// WatchedDirs returns how many directories currently carry a watch.
func (w *EventSource) WatchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watchedDirs)
}

// =============================================================================
// Start
// =============================================================================

// Start installs watches over the whole root and begins translating events.
// The initial walk announces nothing; the first tree population comes from
// directory listings, not from synthetic signals.
func (w *EventSource) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrSourceAlreadyStarted
	}

	if err := w.addInitialWatches(); err != nil {
		w.watcher.Close()
		return err
	}

	w.wg.Add(1)
	go w.run()

	return nil
}

// addInitialWatches walks the root and watches every non-ignored directory.
// Watch installation failures abort Start.
func (w *EventSource) addInitialWatches() error {
	return filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable paths
		}

		if !d.IsDir() {
			return nil
		}

		path = filepath.Clean(path)
		if path != w.cfg.Root && w.isIgnored(path) {
			return filepath.SkipDir
		}

		if err := w.watcher.Add(path); err != nil {
			return err
		}
		w.trackDirectory(path)

		return nil
	})
}

// =============================================================================
// Event Loop
// =============================================================================

// run reads fsnotify channels until the source stops or the watcher dies.
func (w *EventSource) run() {
	defer w.wg.Done()
	defer w.cleanup()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.reportClosed()
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.reportClosed()
				return
			}
			w.reportError(err)
		}
	}
}

// handleEvent translates one fsnotify event into a change signal.
// The Has checks run in priority order: a Create outranks a Write when both
// bits are set, and bare Chmod churn is dropped.
func (w *EventSource) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if w.isIgnored(path) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		w.handleCreate(path)
	case event.Has(fsnotify.Write):
		w.emit(ChangeSignal{
			Kind:       KindModified,
			Path:       path,
			ObservedAt: time.Now(),
		})
	case event.Has(fsnotify.Remove):
		w.handleRemove(path)
	case event.Has(fsnotify.Rename):
		w.handleRename(path)
	}
}

// handleCreate emits a Created signal and, for directories, extends the
// watch set to the new subtree.
func (w *EventSource) handleCreate(path string) {
	info, err := os.Stat(path)
	isDir := err == nil && info.IsDir()

	w.emit(ChangeSignal{
		Kind:       KindCreated,
		Path:       path,
		IsDir:      isDir,
		ObservedAt: time.Now(),
	})

	if isDir {
		w.watchNewDirectoryTree(path)
	}
}

// handleRemove emits a Deleted signal. The path is gone, so the
// watched-directory set stands in for stat: a tracked path was a directory.
func (w *EventSource) handleRemove(path string) {
	wasDir := w.forgetDirectoryTree(path)

	w.emit(ChangeSignal{
		Kind:       KindDeleted,
		Path:       path,
		IsDir:      wasDir,
		ObservedAt: time.Now(),
	})
}

// handleRename emits a Deleted signal for the old path. The destination path
// arrives as an independent Create when it lands under the same root.
func (w *EventSource) handleRename(path string) {
	wasDir := w.forgetDirectoryTree(path)

	w.emit(ChangeSignal{
		Kind:       KindDeleted,
		Path:       path,
		IsDir:      wasDir,
		ObservedAt: time.Now(),
	})
}

// =============================================================================
// Watch Set Maintenance
// =============================================================================

// watchNewDirectoryTree walks a directory that just appeared, watching every
// non-ignored directory in it and announcing entries that landed before the
// watch took effect. Installation failures are logged, not fatal; the
// consistency sweeper picks up anything missed.
func (w *EventSource) watchNewDirectoryTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable paths
		}

		path = filepath.Clean(path)
		if w.isIgnored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path != root {
			w.emit(ChangeSignal{
				Kind:       KindCreated,
				Path:       path,
				IsDir:      d.IsDir(),
				ObservedAt: time.Now(),
			})
		}

		if !d.IsDir() {
			return nil
		}

		if err := w.watcher.Add(path); err != nil {
			w.cfg.Logger.Warn("failed to watch new directory",
				"path", path,
				"error", err)
			return nil
		}
		w.trackDirectory(path)

		return nil
	})
}

// trackDirectory records a directory as watched.
func (w *EventSource) trackDirectory(path string) {
	w.mu.Lock()
	w.watchedDirs[path] = struct{}{}
	w.mu.Unlock()
}

// forgetDirectoryTree drops a path and all tracked descendants from the
// watched set, reporting whether the path itself was a watched directory.
// fsnotify removes kernel watches for deleted directories on its own; only
// the bookkeeping needs cleaning.
func (w *EventSource) forgetDirectoryTree(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, wasDir := w.watchedDirs[path]
	if !wasDir {
		return false
	}

	delete(w.watchedDirs, path)
	prefix := path + string(filepath.Separator)
	for dir := range w.watchedDirs {
		if strings.HasPrefix(dir, prefix) {
			delete(w.watchedDirs, dir)
		}
	}

	return true
}

// isIgnored checks the path against the configured filter.
func (w *EventSource) isIgnored(path string) bool {
	if w.cfg.Filter == nil {
		return false
	}
	return w.cfg.Filter.Match(path)
}

// =============================================================================
// Delivery
// =============================================================================

// emit sends a signal, giving up only when the source is stopping. The
// channel is generously buffered; sustained pressure backs up into the
// kernel queue, where loss surfaces as an overflow error.
func (w *EventSource) emit(sig ChangeSignal) {
	select {
	case w.signalCh <- sig:
	case <-w.stopCh:
	}
}

// reportError forwards a watch error. Classification happens in the recovery
// controller, not here.
func (w *EventSource) reportError(err error) {
	select {
	case w.errorCh <- err:
	case <-w.stopCh:
	}
}

// reportClosed surfaces an unexpected death of the underlying watcher.
func (w *EventSource) reportClosed() {
	if w.stopping.Load() {
		return
	}
	w.reportError(ErrSourceClosed)
}

// =============================================================================
// Stop
// =============================================================================

// Stop shuts the source down and waits for its goroutine to exit.
// Safe to call multiple times.
func (w *EventSource) Stop() error {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		close(w.stopCh)
		w.watcher.Close()
		w.wg.Wait()
	})
	return nil
}

// cleanup closes the output channels once the event loop has exited.
func (w *EventSource) cleanup() {
	close(w.signalCh)
	close(w.errorCh)
}
