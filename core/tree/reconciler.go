package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/adalundhe/canopy/core/watch"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilModel indicates an engine was built without a model.
	ErrNilModel = errors.New("model is required")
)

// =============================================================================
// Reconciliation Engine
// =============================================================================

// ListingInvalidator drops cached directory listings as changes land, so an
// expansion after a change always lists from disk.
type ListingInvalidator interface {
	Invalidate(path string)
	InvalidateAll()
}

// EngineConfig configures a reconciliation engine.
type EngineConfig struct {
	// Model is the tree the engine mutates.
	Model *Model

	// Invalidator receives the directories each batch touched (nil = none)
	Invalidator ListingInvalidator

	// Logger for reconciliation activity (nil = slog default)
	Logger *slog.Logger
}

// Engine applies change batches to a tree model. Every change maps to a
// structural edit under the model's write lock. Changes touching paths the
// tree never materialized are skipped: the lazy-loading contract makes them
// invisible. Only the duplicate-sibling invariant escalates as an error,
// and the caller is expected to answer it with a full resync.
type Engine struct {
	model       *Model
	invalidator ListingInvalidator
	logger      *slog.Logger

	batches atomic.Uint64
	changes atomic.Uint64
	resyncs atomic.Uint64
}

// NewEngine creates a reconciliation engine over a model.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Model == nil {
		return nil, ErrNilModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Engine{
		model:       cfg.Model,
		invalidator: cfg.Invalidator,
		logger:      cfg.Logger,
	}, nil
}

// =============================================================================
// Batch Application
// =============================================================================

// Apply applies one batch in observation order. On error the model may be
// partially updated; callers should follow up with FullResync.
func (e *Engine) Apply(batch *watch.ChangeBatch) error {
	if batch.Len() == 0 {
		return nil
	}

	dirty := make(map[string]struct{})

	e.model.mu.Lock()
	for i := range batch.Changes {
		if err := e.applyChange(&batch.Changes[i], dirty); err != nil {
			e.model.mu.Unlock()
			return fmt.Errorf("failed to apply batch %s: %w", batch.ID, err)
		}
	}
	e.model.mu.Unlock()

	e.invalidateDirs(dirty)
	e.batches.Add(1)
	e.changes.Add(uint64(len(batch.Changes)))
	e.logger.Debug("Applied change batch", "batch_id", batch.ID, "seq", batch.Seq, "changes", len(batch.Changes))

	return nil
}

// applyChange routes one change to its structural edit, recording the
// listing directories it touched.
func (e *Engine) applyChange(change *watch.PendingChange, dirty map[string]struct{}) error {
	switch change.Kind {
	case watch.KindCreated:
		dirty[filepath.Dir(change.Path)] = struct{}{}
		return e.applyCreate(change.Path, change.IsDir)

	case watch.KindModified:
		// Listings carry names and kinds only; content changes leave the
		// tree's structure alone.
		return nil

	case watch.KindDeleted:
		dirty[filepath.Dir(change.Path)] = struct{}{}
		e.applyDelete(change.Path)
		return nil

	case watch.KindRenamed:
		dirty[filepath.Dir(change.Path)] = struct{}{}
		if change.PreviousPath != "" {
			dirty[filepath.Dir(change.PreviousPath)] = struct{}{}
		}
		return e.applyRename(change.PreviousPath, change.Path, change.IsDir)

	default:
		return nil
	}
}

// applyCreate inserts a node under its parent when the parent is loaded.
// Unloaded or missing parents skip the change; a later expansion lists the
// entry from disk. A child already present under the name is left alone
// unless it changed species, since duplicate OS events are routine.
func (e *Engine) applyCreate(path string, isDir bool) error {
	parent := e.model.findLocked(filepath.Dir(path))
	if parent == nil || !parent.isDir || parent.state != LoadStateLoaded {
		return nil
	}

	name := filepath.Base(path)
	if existing := parent.childByName(name); existing != nil {
		if existing.isDir == isDir {
			return nil
		}
		parent.removeChild(name)
	}

	return parent.insertChild(newNode(parent.path, name, isDir))
}

// applyDelete removes a node when it is materialized. Anything under an
// unloaded directory was never shown, so there is nothing to remove. The
// root itself never goes away here; losing the root is a resync matter.
func (e *Engine) applyDelete(path string) {
	node := e.model.findLocked(path)
	if node == nil || node == e.model.root {
		return
	}

	if parent := e.model.findLocked(filepath.Dir(path)); parent != nil {
		parent.removeChild(node.name)
	}
}

// applyRename replaces the old node with a fresh one under the new name.
// Replacement directories come back unloaded and re-materialize lazily. An
// unlocatable old path degrades to a create of the new path.
func (e *Engine) applyRename(oldPath, newPath string, isDir bool) error {
	old := e.model.findLocked(oldPath)
	if old == nil {
		return e.applyCreate(newPath, isDir)
	}
	if old == e.model.root {
		return nil
	}

	if oldParent := e.model.findLocked(filepath.Dir(oldPath)); oldParent != nil {
		oldParent.removeChild(old.name)
	}

	return e.applyCreate(newPath, isDir || old.isDir)
}

// newNode builds the right node species for a listing-visible entry.
func newNode(parentPath, name string, isDir bool) *Node {
	if isDir {
		return NewDirNode(parentPath, name)
	}
	return NewFileNode(parentPath, name)
}

// invalidateDirs drops cached listings for the directories a batch touched.
func (e *Engine) invalidateDirs(dirty map[string]struct{}) {
	if e.invalidator == nil {
		return
	}
	for dir := range dirty {
		e.invalidator.Invalidate(dir)
	}
}

// =============================================================================
// Full Resync
// =============================================================================

// FullResync discards every materialized subtree, drops all cached
// listings, and reloads the root's top level from disk. A cancelled context
// abandons the reload with the old tree intact; the caller's next directive
// supersedes it.
func (e *Engine) FullResync(ctx context.Context, rootPath string) error {
	if e.invalidator != nil {
		e.invalidator.InvalidateAll()
	}

	if err := e.model.Load(ctx, rootPath); err != nil {
		return fmt.Errorf("failed to resync %s: %w", rootPath, err)
	}

	e.resyncs.Add(1)
	e.logger.Debug("Tree resynced", "root", rootPath)
	return nil
}

// =============================================================================
// Counters
// =============================================================================

// BatchesApplied returns how many batches the engine has applied.
func (e *Engine) BatchesApplied() uint64 { return e.batches.Load() }

// ChangesApplied returns how many individual changes the engine has applied.
func (e *Engine) ChangesApplied() uint64 { return e.changes.Load() }

// ResyncsApplied returns how many full resyncs the engine has performed.
func (e *Engine) ResyncsApplied() uint64 { return e.resyncs.Load() }
