package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidInterval indicates the sweep interval is invalid.
	ErrInvalidInterval = errors.New("interval must be positive")

	// ErrIncompleteSweeper indicates a required sweeper hook is missing.
	ErrIncompleteSweeper = errors.New("sweeper hooks are incomplete")

	// ErrAlreadyRunning indicates the sweeper is already running.
	ErrAlreadyRunning = errors.New("sweeper is already running")
)

// =============================================================================
// Configuration
// =============================================================================

// DefaultSweepInterval is the time between consistency sweeps.
const DefaultSweepInterval = 30 * time.Second

// SweepTarget describes one loaded directory to verify: the path and the
// entries the tree currently shows for it, keyed by name with a directory
// flag.
type SweepTarget struct {
	Path    string
	Entries map[string]bool
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Interval is the time between sweep cycles. Defaults to
	// DefaultSweepInterval.
	Interval time.Duration

	// Targets returns the loaded directories to verify. Required.
	Targets func() []SweepTarget

	// List returns the names currently on disk for one directory, keyed by
	// name with a directory flag. Required.
	List func(ctx context.Context, path string) (map[string]bool, error)

	// Emit injects a synthetic signal into the pipeline. Required.
	Emit func(ChangeSignal)

	// Logger receives sweeper diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// validate checks that the configuration is usable.
func (c *SweeperConfig) validate() error {
	if c.Interval < 0 {
		return ErrInvalidInterval
	}
	if c.Targets == nil || c.List == nil || c.Emit == nil {
		return ErrIncompleteSweeper
	}
	return nil
}

// applyDefaults fills in zero-value configuration fields.
func (c *SweeperConfig) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultSweepInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// Sweeper
// =============================================================================

// Sweeper is the safety net under the event source. At a low frequency it
// re-lists every loaded directory and diffs the names on disk against the
// names the tree shows, emitting synthetic Created and Deleted signals for
// divergences. Synthetic signals enter the pipeline exactly like OS signals,
// so anything the watcher missed (network mounts, unwatched races) heals
// within one sweep interval.
type Sweeper struct {
	cfg SweeperConfig

	paused  atomic.Bool
	running atomic.Bool

	sweeps  atomic.Uint64
	repairs atomic.Uint64

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewSweeper creates a sweeper with the given configuration.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &Sweeper{cfg: cfg}, nil
}

// =============================================================================
// Start/Stop
// =============================================================================

// Start begins periodic sweeping. The first sweep runs after one full
// interval; the tree was just loaded from disk and needs no verification.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	s.mu.Lock()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go s.sweepLoop(ctx)

	return nil
}

// sweepLoop runs the periodic sweep cycle.
func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.getStopCh():
			return
		case <-ticker.C:
			s.performSweep(ctx)
		}
	}
}

// getStopCh returns the stop channel under lock.
func (s *Sweeper) getStopCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

// Stop ends sweeping. Safe to call multiple times and before Start.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}
}

// =============================================================================
// Sweeping
// =============================================================================

// performSweep verifies every loaded directory once.
func (s *Sweeper) performSweep(ctx context.Context) {
	if s.paused.Load() {
		return
	}

	for _, target := range s.cfg.Targets() {
		if s.shouldStop(ctx) || s.paused.Load() {
			return
		}
		s.sweepDirectory(ctx, target)
	}

	s.sweeps.Add(1)
}

// shouldStop checks if sweeping should stop.
func (s *Sweeper) shouldStop(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sweepDirectory diffs one loaded directory against disk and emits a
// synthetic signal for every divergence.
func (s *Sweeper) sweepDirectory(ctx context.Context, target SweepTarget) {
	onDisk, err := s.cfg.List(ctx, target.Path)
	if err != nil {
		s.cfg.Logger.Debug("sweep listing failed",
			"path", target.Path,
			"error", err)
		return
	}

	now := time.Now()

	for name, isDir := range onDisk {
		if _, shown := target.Entries[name]; !shown {
			s.repair(ChangeSignal{
				Kind:       KindCreated,
				Path:       filepath.Join(target.Path, name),
				IsDir:      isDir,
				ObservedAt: now,
			})
		}
	}

	for name, isDir := range target.Entries {
		if _, present := onDisk[name]; !present {
			s.repair(ChangeSignal{
				Kind:       KindDeleted,
				Path:       filepath.Join(target.Path, name),
				IsDir:      isDir,
				ObservedAt: now,
			})
		}
	}
}

// repair injects one synthetic signal.
func (s *Sweeper) repair(sig ChangeSignal) {
	s.repairs.Add(1)
	s.cfg.Logger.Debug("sweep repairing divergence",
		"kind", sig.Kind.String(),
		"path", sig.Path)
	s.cfg.Emit(sig)
}

// =============================================================================
// Pause/Resume
// =============================================================================

// Pause temporarily stops sweeping. Used while a full resync is applied so
// the sweeper never diffs against a tree that is mid-reload.
func (s *Sweeper) Pause() {
	s.paused.Store(true)
}

// Resume continues sweeping after a pause.
func (s *Sweeper) Resume() {
	s.paused.Store(false)
}

// IsPaused returns whether the sweeper is currently paused.
func (s *Sweeper) IsPaused() bool {
	return s.paused.Load()
}

// Sweeps returns how many full sweep cycles have completed.
func (s *Sweeper) Sweeps() uint64 {
	return s.sweeps.Load()
}

// Repairs returns how many synthetic signals sweeps have emitted.
func (s *Sweeper) Repairs() uint64 {
	return s.repairs.Load()
}
