package watch

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMissingHooks indicates the controller was created without its
	// required session hooks.
	ErrMissingHooks = errors.New("controller hooks are incomplete")
)

// Resync reasons stamped on directives the controller raises.
const (
	// ReasonOverflow marks a resync forced by a kernel event queue overflow.
	ReasonOverflow = "kernel event queue overflow"

	// ReasonRestart marks a resync forced by an event source restart.
	ReasonRestart = "event source restarted after failure"

	// ReasonPatternChange marks a resync forced by an ignore pattern update.
	ReasonPatternChange = "ignore patterns changed"
)

// =============================================================================
// Session States
// =============================================================================

// SessionState describes where a watch session currently stands.
type SessionState int32

const (
	// StateIdle means no session is live.
	StateIdle SessionState = iota

	// StateWatching means the session is live with an empty buffer.
	StateWatching

	// StateDebouncing means signals are buffered and the quiet timer is armed.
	StateDebouncing

	// StateOverflowed means a kernel overflow is being converted to a resync.
	StateOverflowed

	// StateError means the source failed and a restart is in flight.
	StateError
)

// String returns a human-readable name for the session state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateDebouncing:
		return "debouncing"
	case StateOverflowed:
		return "overflowed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// =============================================================================
// Configuration
// =============================================================================

// DefaultRestartDelay is the pause before a failed source is restarted.
const DefaultRestartDelay = 250 * time.Millisecond

// ControllerHooks connect the controller to the session it supervises.
type ControllerHooks struct {
	// ClearBuffer discards pending incremental state. Required.
	ClearBuffer func()

	// PublishResync raises a full-reload directive. Required.
	PublishResync func(reason string)

	// RestartSource replaces a dead event source on the same root and
	// reports whether the replacement came up. Required.
	RestartSource func() error

	// OnError surfaces errors to the embedding application. Optional.
	OnError func(err error, recoverable bool)
}

// validate checks that every required hook is present.
func (h *ControllerHooks) validate() error {
	if h.ClearBuffer == nil || h.PublishResync == nil || h.RestartSource == nil {
		return ErrMissingHooks
	}
	return nil
}

// ControllerConfig configures a recovery controller.
type ControllerConfig struct {
	// Root is the watched root, used for logging only.
	Root string

	// Hooks wire the controller to its session.
	Hooks ControllerHooks

	// RestartDelay is the backoff before restarting a failed source.
	// Defaults to DefaultRestartDelay.
	RestartDelay time.Duration

	// Logger receives controller diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills in zero-value configuration fields.
func (c *ControllerConfig) applyDefaults() {
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// Controller
// =============================================================================

// Controller supervises one watch session. It tracks the session state
// machine and decides how each watch error degrades: overflows clear the
// buffer and force a resync, unknown errors are logged and reported as
// recoverable, and a dead source gets exactly one restart attempt before the
// session is declared over.
type Controller struct {
	cfg ControllerConfig

	state           atomic.Int32
	restartInFlight atomic.Bool
	restarts        atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewController creates a controller for one session.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.Hooks.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &Controller{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// State returns the current session state.
func (c *Controller) State() SessionState {
	return SessionState(c.state.Load())
}

// Restarts returns how many source restarts have succeeded.
func (c *Controller) Restarts() uint64 {
	return c.restarts.Load()
}

// =============================================================================
// Transitions
// =============================================================================

// Begin marks the session live.
func (c *Controller) Begin() {
	c.setState(StateWatching)
}

// NoteSignal records that a signal entered the buffer. The session moves to
// debouncing until the next flush.
func (c *Controller) NoteSignal() {
	c.state.CompareAndSwap(int32(StateWatching), int32(StateDebouncing))
}

// NoteFlush records that the debounce timer drained the buffer.
func (c *Controller) NoteFlush() {
	c.state.CompareAndSwap(int32(StateDebouncing), int32(StateWatching))
}

// Shutdown returns the session to idle and aborts any pending restart.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.setState(StateIdle)
}

// setState moves the session to a new state, logging the transition.
func (c *Controller) setState(next SessionState) {
	prev := SessionState(c.state.Swap(int32(next)))
	if prev != next {
		c.cfg.Logger.Debug("watch session state transition",
			"from", prev.String(),
			"to", next.String())
	}
}

// =============================================================================
// Error Handling
// =============================================================================

// HandleError classifies and responds to one watch error.
func (c *Controller) HandleError(err error) {
	switch {
	case errors.Is(err, fsnotify.ErrEventOverflow):
		c.handleOverflow(err)
	case errors.Is(err, ErrSourceClosed):
		c.handleFatal(err)
	default:
		c.handleRecoverable(err)
	}
}

// handleOverflow responds to a kernel queue overflow. Pending incremental
// state is discarded and consumers are told to reload from disk: whatever
// the kernel dropped can never be replayed. The resync is the whole remedy,
// so nothing reaches the error callback.
func (c *Controller) handleOverflow(_ error) {
	c.setState(StateOverflowed)
	c.cfg.Logger.Warn("kernel event queue overflowed, forcing resync",
		"root", c.cfg.Root)

	c.cfg.Hooks.ClearBuffer()
	c.cfg.Hooks.PublishResync(ReasonOverflow)

	c.setState(StateWatching)
}

// handleRecoverable logs and reports an error that does not threaten the
// session. Watching continues unchanged.
func (c *Controller) handleRecoverable(err error) {
	c.cfg.Logger.Warn("recoverable watch error",
		"root", c.cfg.Root,
		"error", err)
	c.reportError(err, true)
}

// handleFatal responds to a dead event source by scheduling one restart
// attempt. Repeat failures while a restart is in flight are swallowed; the
// attempt itself decides how the session ends.
func (c *Controller) handleFatal(err error) {
	c.setState(StateError)

	if !c.restartInFlight.CompareAndSwap(false, true) {
		return
	}

	c.cfg.Logger.Error("event source failed, scheduling restart",
		"root", c.cfg.Root,
		"error", err)

	go c.attemptRestart(err)
}

// attemptRestart brings up a replacement source after a short backoff. On
// success the gap is papered over with a resync; on failure the session is
// declared over and the terminal error surfaces to the application.
func (c *Controller) attemptRestart(cause error) {
	select {
	case <-time.After(c.cfg.RestartDelay):
	case <-c.stopCh:
		return
	}

	if err := c.cfg.Hooks.RestartSource(); err != nil {
		c.cfg.Logger.Error("event source restart failed, ending session",
			"root", c.cfg.Root,
			"error", err)
		c.setState(StateIdle)
		c.reportError(errors.Join(cause, err), false)
		return
	}

	c.restarts.Add(1)
	c.restartInFlight.Store(false)
	c.cfg.Logger.Info("event source restarted", "root", c.cfg.Root)

	c.cfg.Hooks.PublishResync(ReasonRestart)
	c.reportError(cause, true)
	c.setState(StateWatching)
}

// reportError surfaces an error to the embedding application when a
// callback is registered.
func (c *Controller) reportError(err error, recoverable bool) {
	if c.cfg.Hooks.OnError != nil {
		c.cfg.Hooks.OnError(err, recoverable)
	}
}
