package watch

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilOnFlush indicates the buffer was created without a flush callback.
	ErrNilOnFlush = errors.New("on-flush callback is required")
)

// =============================================================================
// Configuration
// =============================================================================

// DefaultQuietPeriod is the debounce window applied when none is configured.
const DefaultQuietPeriod = 100 * time.Millisecond

// BufferConfig configures a Buffer.
type BufferConfig struct {
	// QuietPeriod is how long the pipeline must stay silent before a flush.
	// Defaults to DefaultQuietPeriod.
	QuietPeriod time.Duration

	// OnFlush receives each drained batch. It runs on the timer goroutine
	// outside the buffer mutex and must not block for long. Required.
	OnFlush func(*ChangeBatch)

	// Logger receives buffer diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills in zero-value configuration fields.
func (c *BufferConfig) applyDefaults() {
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = DefaultQuietPeriod
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// =============================================================================
// Buffer
// =============================================================================

// bufferKey identifies one buffer slot. Keying by kind class rather than kind
// lets Created and Modified share a slot while a Deleted for the same path
// keeps its own, preserving create-then-delete sequences across a flush.
type bufferKey struct {
	class KindClass
	path  string
}

// Buffer accumulates change signals between flushes and owns the debounce
// scheduling. Repeated signals for one (class, path) slot merge in place; a
// single resettable timer fires once the configured quiet period passes with
// no new signals, draining everything into one arrival-ordered ChangeBatch.
type Buffer struct {
	cfg BufferConfig

	mu         sync.Mutex
	entries    map[bufferKey]*PendingChange
	arrivals   uint64
	batches    uint64
	timer      *time.Timer
	lastRecord time.Time
	stopped    bool
}

// NewBuffer creates a buffer with the given configuration.
func NewBuffer(cfg BufferConfig) (*Buffer, error) {
	if cfg.OnFlush == nil {
		return nil, ErrNilOnFlush
	}
	cfg.applyDefaults()

	return &Buffer{
		cfg:     cfg,
		entries: make(map[bufferKey]*PendingChange),
	}, nil
}

// =============================================================================
// Recording
// =============================================================================

// Record merges a signal into the buffer and arms or resets the debounce
// timer. Signals recorded after Stop are dropped.
func (b *Buffer) Record(sig ChangeSignal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	key := bufferKey{class: sig.Kind.Class(), path: sig.Path}
	if existing, ok := b.entries[key]; ok {
		mergeSignal(existing, sig)
	} else {
		b.arrivals++
		b.entries[key] = &PendingChange{ChangeSignal: sig, Seq: b.arrivals}
	}

	b.lastRecord = time.Now()
	b.armTimerLocked()
}

// mergeSignal folds a repeated signal into its existing slot. A Created entry
// stays Created when a Modified arrives, so a create immediately followed by
// writes collapses to one Created. Otherwise the latest kind wins, and the
// slot's metadata refreshes to the latest observation. The original arrival
// index is kept.
func mergeSignal(entry *PendingChange, sig ChangeSignal) {
	if entry.Kind != KindCreated || sig.Kind != KindModified {
		entry.Kind = sig.Kind
	}
	entry.PreviousPath = sig.PreviousPath
	entry.IsDir = sig.IsDir
	entry.ObservedAt = sig.ObservedAt
}

// Len returns the number of pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// =============================================================================
// Debounce Scheduling
// =============================================================================

// armTimerLocked starts the debounce timer or pushes it out by a full quiet
// period. Callers hold the mutex.
func (b *Buffer) armTimerLocked() {
	if b.timer != nil {
		b.timer.Reset(b.cfg.QuietPeriod)
		return
	}
	b.timer = time.AfterFunc(b.cfg.QuietPeriod, b.flush)
}

// disarmTimerLocked cancels a pending flush if one is armed. Callers hold
// the mutex.
func (b *Buffer) disarmTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
}

// flush drains the buffer into a batch and hands it to the flush callback.
// If a signal arrived while the timer was firing, the flush is pushed out for
// the remainder of its quiet period instead.
func (b *Buffer) flush() {
	b.mu.Lock()

	if b.stopped || len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}

	if since := time.Since(b.lastRecord); since < b.cfg.QuietPeriod {
		b.timer.Reset(b.cfg.QuietPeriod - since)
		b.mu.Unlock()
		return
	}

	batch := b.drainLocked()
	b.mu.Unlock()

	b.cfg.Logger.Debug("flushing change batch",
		"batch_id", batch.ID,
		"batch_seq", batch.Seq,
		"changes", len(batch.Changes))

	b.cfg.OnFlush(batch)
}

// drainLocked empties the buffer into an arrival-ordered batch. Callers hold
// the mutex.
func (b *Buffer) drainLocked() *ChangeBatch {
	changes := make([]PendingChange, 0, len(b.entries))
	for _, entry := range b.entries {
		changes = append(changes, *entry)
	}
	b.entries = make(map[bufferKey]*PendingChange)

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Seq < changes[j].Seq
	})

	b.batches++
	return &ChangeBatch{
		Seq:       b.batches,
		ID:        uuid.NewString(),
		Changes:   changes,
		FlushedAt: time.Now(),
	}
}

// =============================================================================
// Clearing and Shutdown
// =============================================================================

// Clear discards all pending entries without emitting a batch and disarms
// the timer. Arrival and batch counters carry on, so ordering guarantees
// survive a clear.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = make(map[bufferKey]*PendingChange)
	b.disarmTimerLocked()
}

// Stop discards pending entries and drops all future records.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	b.entries = make(map[bufferKey]*PendingChange)
	b.disarmTimerLocked()
}
