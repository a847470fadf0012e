// Package explorer wires the change detection pipeline to the tree model and
// presents the pair as one facade. A session owns the event source, debounce
// buffer, recovery controller, publisher, and consistency sweeper for a
// single root; the tree and its listing cache outlive sessions so a stopped
// explorer still shows the last known state.
package explorer

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/canopy/core/tree"
	"github.com/adalundhe/canopy/core/watch"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAlreadyWatching indicates Load was called during a live session; the
	// session's tree cannot be swapped out from under its pipeline.
	ErrAlreadyWatching = errors.New("a watch session is already active")

	// ErrClosed indicates the explorer has been closed.
	ErrClosed = errors.New("explorer is closed")
)

// reasonApplyFailed stamps resyncs forced by a batch the tree rejected.
const reasonApplyFailed = "tree reconciliation failed"

// =============================================================================
// Configuration
// =============================================================================

// ExplorerConfig configures an Explorer.
type ExplorerConfig struct {
	// IgnorePatterns screen both change signals and directory listings.
	// Nil selects watch.DefaultIgnorePatterns; empty hides nothing.
	IgnorePatterns []string

	// QuietPeriod is the debounce window before buffered changes flush.
	// Defaults to watch.DefaultQuietPeriod.
	QuietPeriod time.Duration

	// SweepInterval is the gap between consistency sweeps. Zero selects
	// watch.DefaultSweepInterval; a negative value disables sweeping.
	SweepInterval time.Duration

	// SignalBufferSize bounds the raw signal channel.
	// Defaults to watch.DefaultSignalBufferSize.
	SignalBufferSize int

	// QueueSize bounds the notification queue.
	// Defaults to watch.DefaultPublisherQueueSize.
	QueueSize int

	// ListingTTL bounds how long directory listings may be served from
	// cache. Defaults to tree.DefaultListingTTL.
	ListingTTL time.Duration

	// RestartDelay is the backoff before a failed source is restarted.
	// Defaults to watch.DefaultRestartDelay.
	RestartDelay time.Duration

	// Logger receives explorer diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills in zero-value configuration fields.
func (c *ExplorerConfig) applyDefaults() {
	if c.IgnorePatterns == nil {
		c.IgnorePatterns = watch.DefaultIgnorePatterns()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// Status
// =============================================================================

// Status is a point-in-time snapshot of the explorer and its session.
type Status struct {
	// SessionID identifies the live watch session, empty when idle.
	SessionID string `json:"session_id,omitempty"`

	// Root is the directory the tree mirrors.
	Root string `json:"root,omitempty"`

	// State is the session state machine's current position.
	State watch.SessionState `json:"state"`

	// StartedAt is when the session began.
	StartedAt time.Time `json:"started_at,omitempty"`

	// Uptime is how long the session has been live.
	Uptime time.Duration `json:"uptime,omitempty"`

	// WatchedDirs is the number of directories under OS watches.
	WatchedDirs int `json:"watched_dirs"`

	// NodeCount is the number of materialized tree nodes.
	NodeCount int `json:"node_count"`

	// PendingChanges is the number of changes waiting on the quiet timer.
	PendingChanges int `json:"pending_changes"`

	// BatchesPublished counts batches handed to subscribers.
	BatchesPublished uint64 `json:"batches_published"`

	// ResyncsPublished counts resync directives handed to subscribers.
	ResyncsPublished uint64 `json:"resyncs_published"`

	// BatchesDropped counts batches discarded by saturation or resyncs.
	BatchesDropped uint64 `json:"batches_dropped"`

	// BatchesApplied counts batches the tree absorbed.
	BatchesApplied uint64 `json:"batches_applied"`

	// ChangesApplied counts individual changes the tree absorbed.
	ChangesApplied uint64 `json:"changes_applied"`

	// ResyncsApplied counts full reloads the tree performed.
	ResyncsApplied uint64 `json:"resyncs_applied"`

	// Restarts counts event source restarts within the session.
	Restarts uint64 `json:"restarts"`

	// Sweeps counts completed consistency sweep cycles.
	Sweeps uint64 `json:"sweeps"`

	// Repairs counts divergences the sweeper healed.
	Repairs uint64 `json:"repairs"`
}

// =============================================================================
// Handlers
// =============================================================================

// changeHandler pairs a registration id with its notification callback.
type changeHandler struct {
	id uint64
	fn func(watch.Notification)
}

// errorHandler pairs a registration id with its error callback.
type errorHandler struct {
	id uint64
	fn func(err error, recoverable bool)
}

// =============================================================================
// Explorer
// =============================================================================

// Explorer is the facade over the whole system: it owns the shared ignore
// filter, the listing cache, the tree model, and the reconciliation engine,
// and runs at most one watch session at a time.
type Explorer struct {
	cfg    ExplorerConfig
	logger *slog.Logger

	filter   *watch.Filter
	osLister *tree.OSLister
	lister   *tree.CachedLister
	model    *tree.Model
	engine   *tree.Engine

	// mu serializes session lifecycle and pattern updates; active is read
	// lock-free on hot paths.
	mu     sync.Mutex
	active atomic.Pointer[watchSession]

	handlerMu     sync.RWMutex
	changeSubs    []changeHandler
	errorSubs     []errorHandler
	nextHandlerID uint64

	closed atomic.Bool
}

// watchSession bundles the pipeline components serving one root.
type watchSession struct {
	id        string
	root      string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// srcMu guards source replacement during recovery restarts.
	srcMu  sync.Mutex
	source *watch.EventSource

	buffer     *watch.Buffer
	controller *watch.Controller
	publisher  *watch.Publisher
	sweeper    *watch.Sweeper

	wg sync.WaitGroup
}

// New creates an explorer. No root is loaded and no session is live until
// Load or StartWatching.
func New(cfg ExplorerConfig) (*Explorer, error) {
	cfg.applyDefaults()

	filter, err := watch.NewFilter(cfg.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	osLister := tree.NewOSLister(filter.MatchName)
	lister, err := tree.NewCachedLister(osLister, tree.CachedListerConfig{TTL: cfg.ListingTTL})
	if err != nil {
		return nil, err
	}

	model, err := tree.NewModel(tree.ModelConfig{Lister: lister, Logger: cfg.Logger})
	if err != nil {
		lister.Close()
		return nil, err
	}

	engine, err := tree.NewEngine(tree.EngineConfig{Model: model, Invalidator: lister, Logger: cfg.Logger})
	if err != nil {
		lister.Close()
		return nil, err
	}

	return &Explorer{
		cfg:      cfg,
		logger:   cfg.Logger,
		filter:   filter,
		osLister: osLister,
		lister:   lister,
		model:    model,
		engine:   engine,
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// StartWatching loads the root's top level into the tree and brings up the
// change pipeline for it. Watching the root already being watched is a no-op.
// Watching a different root tears the old session down first, discarding its
// buffered and queued work; nothing from the old root reaches subscribers
// once StartWatching returns.
func (e *Explorer) StartWatching(ctx context.Context, root string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}

	root = filepath.Clean(root)
	if s := e.active.Load(); s != nil {
		if s.root == root {
			return nil
		}
		e.active.Store(nil)
		s.teardown()
		e.logger.Info("Watch session stopped for root switch",
			"session_id", s.id, "root", s.root)
	}

	s, err := e.buildSession(ctx, root)
	if err != nil {
		return err
	}

	if err := s.source.Start(); err != nil {
		s.cancel()
		s.buffer.Stop()
		s.publisher.Close()
		return err
	}

	// The source is live before the load, so changes racing the listing
	// arrive as signals and reconcile against the fresh tree.
	if err := e.model.Load(s.ctx, s.root); err != nil {
		s.source.Stop()
		s.cancel()
		s.buffer.Stop()
		s.publisher.Close()
		return err
	}

	e.active.Store(s)
	s.controller.Begin()

	s.wg.Add(2)
	go e.pumpSignals(s, s.source)
	go e.pumpErrors(s, s.source)

	if s.sweeper != nil {
		if err := s.sweeper.Start(s.ctx); err != nil {
			e.logger.Warn("Consistency sweeper failed to start", "error", err)
		}
	}

	e.logger.Info("Watch session started", "session_id", s.id, "root", s.root)
	return nil
}

// buildSession wires the pipeline components for one root without starting
// any of them.
func (e *Explorer) buildSession(ctx context.Context, root string) (*watchSession, error) {
	sessCtx, cancel := context.WithCancel(ctx)
	s := &watchSession{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		ctx:       sessCtx,
		cancel:    cancel,
	}

	source, err := watch.NewEventSource(watch.SourceConfig{
		Root:             root,
		Filter:           e.filter,
		SignalBufferSize: e.cfg.SignalBufferSize,
		Logger:           e.logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.source = source
	s.root = source.Root()

	s.publisher = watch.NewPublisher(watch.PublisherConfig{
		Root:      s.root,
		QueueSize: e.cfg.QueueSize,
		Logger:    e.logger,
	})
	s.publisher.Subscribe(func(n watch.Notification) {
		e.consume(s, n)
	})

	s.buffer, err = watch.NewBuffer(watch.BufferConfig{
		QuietPeriod: e.cfg.QuietPeriod,
		Logger:      e.logger,
		OnFlush: func(batch *watch.ChangeBatch) {
			s.controller.NoteFlush()
			s.publisher.PublishBatch(batch)
		},
	})
	if err != nil {
		s.publisher.Close()
		cancel()
		return nil, err
	}

	s.controller, err = watch.NewController(watch.ControllerConfig{
		Root:         s.root,
		RestartDelay: e.cfg.RestartDelay,
		Logger:       e.logger,
		Hooks: watch.ControllerHooks{
			ClearBuffer:   s.buffer.Clear,
			PublishResync: s.publisher.PublishResync,
			RestartSource: func() error { return e.restartSource(s) },
			OnError: func(err error, recoverable bool) {
				e.forwardError(s, err, recoverable)
			},
		},
	})
	if err != nil {
		s.buffer.Stop()
		s.publisher.Close()
		cancel()
		return nil, err
	}

	if e.cfg.SweepInterval >= 0 {
		s.sweeper, err = watch.NewSweeper(watch.SweeperConfig{
			Interval: e.cfg.SweepInterval,
			Logger:   e.logger,
			Targets:  e.sweepTargets,
			List:     e.sweepListing,
			Emit: func(sig watch.ChangeSignal) {
				s.controller.NoteSignal()
				s.buffer.Record(sig)
			},
		})
		if err != nil {
			s.buffer.Stop()
			s.publisher.Close()
			cancel()
			return nil, err
		}
	}

	return s, nil
}

// StopWatching tears the live session down. The tree keeps its last known
// state and stays readable. Stopping an idle explorer is a no-op.
func (e *Explorer) StopWatching() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.active.Swap(nil)
	if s == nil {
		return nil
	}

	s.teardown()
	e.logger.Info("Watch session stopped", "session_id", s.id, "root", s.root)
	return nil
}

// teardown stops the session's components in dependency order. The context
// goes first so an in-flight full resync aborts instead of holding up the
// shutdown; then no new signals, no pending restarts, drain and release.
func (s *watchSession) teardown() {
	s.cancel()

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	s.controller.Shutdown()

	s.srcMu.Lock()
	source := s.source
	s.srcMu.Unlock()
	source.Stop()

	s.buffer.Stop()
	s.publisher.Close()
	s.wg.Wait()
}

// IsWatching reports whether a session is live.
func (e *Explorer) IsWatching() bool {
	return e.active.Load() != nil
}

// Close stops any live session and releases the listing cache. The explorer
// is unusable afterward.
func (e *Explorer) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := e.StopWatching()
	e.lister.Close()
	return err
}

// =============================================================================
// Pipeline Plumbing
// =============================================================================

// pumpSignals feeds source signals into the debounce buffer until the
// source's channel closes.
func (e *Explorer) pumpSignals(s *watchSession, source *watch.EventSource) {
	defer s.wg.Done()

	for sig := range source.Signals() {
		s.controller.NoteSignal()
		s.buffer.Record(sig)
	}
}

// pumpErrors routes source errors through the recovery controller until the
// source's channel closes.
func (e *Explorer) pumpErrors(s *watchSession, source *watch.EventSource) {
	defer s.wg.Done()

	for err := range source.Errors() {
		s.controller.HandleError(err)
	}
}

// consume receives each notification on the publisher's dispatch goroutine,
// applies it to the tree, and fans it out to change handlers. Running both
// on one goroutine is what keeps handler observations ordered with tree
// state.
func (e *Explorer) consume(s *watchSession, n watch.Notification) {
	if n.IsResync() {
		if !e.applyResync(s, n.Resync) {
			return
		}
	} else if err := e.engine.Apply(n.Batch); err != nil {
		e.logger.Error("Batch application failed, forcing resync",
			"batch_id", n.Batch.ID, "error", err)
		e.forwardError(s, err, true)
		s.publisher.PublishResync(reasonApplyFailed)
		return
	}

	e.fanOut(n)
}

// applyResync reloads the tree for a directive, pausing sweeps so a
// half-built tree is never diffed against disk. Reports whether the reload
// landed.
func (e *Explorer) applyResync(s *watchSession, directive *watch.ResyncDirective) bool {
	if s.sweeper != nil {
		s.sweeper.Pause()
		defer s.sweeper.Resume()
	}

	if err := e.engine.FullResync(s.ctx, directive.Root); err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		e.logger.Warn("Full resync failed", "root", directive.Root, "error", err)
		e.forwardError(s, err, true)
		return false
	}

	return true
}

// restartSource replaces a dead event source with a fresh one on the same
// root. Called by the recovery controller after its restart delay.
func (e *Explorer) restartSource(s *watchSession) error {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()

	if e.active.Load() != s {
		return watch.ErrSourceClosed
	}

	s.source.Stop()

	source, err := watch.NewEventSource(watch.SourceConfig{
		Root:             s.root,
		Filter:           e.filter,
		SignalBufferSize: e.cfg.SignalBufferSize,
		Logger:           e.logger,
	})
	if err != nil {
		return err
	}
	if err := source.Start(); err != nil {
		return err
	}

	s.source = source
	s.wg.Add(2)
	go e.pumpSignals(s, source)
	go e.pumpErrors(s, source)

	return nil
}

// sweepTargets adapts the model's loaded directories for the sweeper.
func (e *Explorer) sweepTargets() []watch.SweepTarget {
	dirs := e.model.LoadedDirs()
	targets := make([]watch.SweepTarget, len(dirs))
	for i, dir := range dirs {
		targets[i] = watch.SweepTarget{Path: dir.Path, Entries: dir.Entries}
	}
	return targets
}

// sweepListing lists a directory through the uncached lister; sweeps judge
// the disk, not the cache.
func (e *Explorer) sweepListing(ctx context.Context, path string) (map[string]bool, error) {
	entries, err := e.osLister.List(ctx, path)
	if err != nil {
		return nil, err
	}

	listing := make(map[string]bool, len(entries))
	for _, entry := range entries {
		listing[entry.Name] = entry.IsDir
	}
	return listing, nil
}

// =============================================================================
// Subscriptions
// =============================================================================

// OnChanges registers a handler for applied notifications. Handlers run on
// the dispatch goroutine after the tree absorbed the notification, so a
// Snapshot taken inside one reflects it. The returned function unsubscribes.
func (e *Explorer) OnChanges(fn func(watch.Notification)) func() {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()

	e.nextHandlerID++
	id := e.nextHandlerID
	e.changeSubs = append(e.changeSubs, changeHandler{id: id, fn: fn})

	return func() {
		e.handlerMu.Lock()
		defer e.handlerMu.Unlock()

		for i, sub := range e.changeSubs {
			if sub.id == id {
				e.changeSubs = append(e.changeSubs[:i], e.changeSubs[i+1:]...)
				return
			}
		}
	}
}

// OnError registers a handler for watch errors. The recoverable flag says
// whether the session is still live. The returned function unsubscribes.
func (e *Explorer) OnError(fn func(err error, recoverable bool)) func() {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()

	e.nextHandlerID++
	id := e.nextHandlerID
	e.errorSubs = append(e.errorSubs, errorHandler{id: id, fn: fn})

	return func() {
		e.handlerMu.Lock()
		defer e.handlerMu.Unlock()

		for i, sub := range e.errorSubs {
			if sub.id == id {
				e.errorSubs = append(e.errorSubs[:i], e.errorSubs[i+1:]...)
				return
			}
		}
	}
}

// fanOut delivers a notification to every change handler in order.
func (e *Explorer) fanOut(n watch.Notification) {
	e.handlerMu.RLock()
	subs := append([]changeHandler(nil), e.changeSubs...)
	e.handlerMu.RUnlock()

	for _, sub := range subs {
		sub.fn(n)
	}
}

// forwardError delivers an error to every error handler in order. Errors
// from sessions that are no longer current are dropped.
func (e *Explorer) forwardError(s *watchSession, err error, recoverable bool) {
	if e.active.Load() != s {
		return
	}

	e.handlerMu.RLock()
	subs := append([]errorHandler(nil), e.errorSubs...)
	e.handlerMu.RUnlock()

	for _, sub := range subs {
		sub.fn(err, recoverable)
	}
}

// =============================================================================
// Tree Operations
// =============================================================================

// Load materializes a root's top level without watching it, for one-shot
// inspection. A live session's tree is not replaced; stop watching first.
func (e *Explorer) Load(ctx context.Context, root string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if e.active.Load() != nil {
		return ErrAlreadyWatching
	}

	return e.model.Load(ctx, root)
}

// Expand materializes a directory's children.
func (e *Explorer) Expand(ctx context.Context, path string) error {
	return e.model.Expand(ctx, path)
}

// Collapse releases a directory's subtree; the next expansion lists it from
// disk again.
func (e *Explorer) Collapse(path string) {
	e.model.Unload(path)
}

// Snapshot returns a detached deep copy of the tree, or nil before any load.
func (e *Explorer) Snapshot() *tree.Node {
	return e.model.Snapshot()
}

// CurrentRoot returns the path the tree mirrors, or "" before any load.
func (e *Explorer) CurrentRoot() string {
	return e.model.RootPath()
}

// UpdateIgnorePatterns swaps the ignore rules. During a session the pending
// buffer is voided and a resync re-screens the whole tree; otherwise a
// loaded tree is reloaded in place.
func (e *Explorer) UpdateIgnorePatterns(ctx context.Context, patterns []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.filter.SetPatterns(patterns); err != nil {
		return err
	}

	e.lister.InvalidateAll()

	if s := e.active.Load(); s != nil {
		s.buffer.Clear()
		s.publisher.PublishResync(watch.ReasonPatternChange)
		return nil
	}

	if root := e.model.RootPath(); root != "" {
		return e.engine.FullResync(ctx, root)
	}
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Status reports the explorer's current state and counters.
func (e *Explorer) Status() Status {
	status := Status{
		Root:           e.model.RootPath(),
		State:          watch.StateIdle,
		NodeCount:      e.model.NodeCount(),
		BatchesApplied: e.engine.BatchesApplied(),
		ChangesApplied: e.engine.ChangesApplied(),
		ResyncsApplied: e.engine.ResyncsApplied(),
	}

	s := e.active.Load()
	if s == nil {
		return status
	}

	stats := s.publisher.Stats()
	status.SessionID = s.id
	status.Root = s.root
	status.State = s.controller.State()
	status.StartedAt = s.startedAt
	status.Uptime = time.Since(s.startedAt)
	status.PendingChanges = s.buffer.Len()
	status.BatchesPublished = stats.BatchesDelivered
	status.ResyncsPublished = stats.ResyncsDelivered
	status.BatchesDropped = stats.BatchesDropped
	status.Restarts = s.controller.Restarts()

	s.srcMu.Lock()
	status.WatchedDirs = s.source.WatchedDirs()
	s.srcMu.Unlock()

	if s.sweeper != nil {
		status.Sweeps = s.sweeper.Sweeps()
		status.Repairs = s.sweeper.Repairs()
	}

	return status
}
