// Package watch implements the change detection pipeline for the canopy
// explorer core. An EventSource translates raw OS file notifications into
// change signals, a Filter hides ignored paths, a Buffer coalesces repeated
// signals per path under a debounce timer, and a Publisher delivers the
// resulting immutable batches to subscribers in order. A recovery Controller
// supervises the session and degrades to full-resync directives when
// incremental signals can no longer be trusted.
package watch

import "time"

// =============================================================================
// Change Kinds
// =============================================================================

// ChangeKind identifies what happened to a path.
type ChangeKind int

const (
	// KindCreated indicates a file or directory appeared.
	KindCreated ChangeKind = iota

	// KindModified indicates the content of a file changed.
	KindModified

	// KindDeleted indicates a file or directory disappeared.
	KindDeleted

	// KindRenamed indicates a path moved to a new name.
	KindRenamed
)

// String returns a human-readable name for the change kind.
func (k ChangeKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	case KindRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// KindClass groups change kinds for buffer slot assignment. Created and
// Modified share one slot per path, so rapid create+modify sequences collapse
// to a single entry. Deleted and Renamed keep their own slots, so a create
// followed by a delete of the same path survives as two ordered entries.
type KindClass int

const (
	// ClassUpsert covers KindCreated and KindModified.
	ClassUpsert KindClass = iota

	// ClassDelete covers KindDeleted.
	ClassDelete

	// ClassRename covers KindRenamed.
	ClassRename
)

// String returns a human-readable name for the kind class.
func (c KindClass) String() string {
	switch c {
	case ClassUpsert:
		return "upsert"
	case ClassDelete:
		return "delete"
	case ClassRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Class returns the buffer slot class for the kind.
func (k ChangeKind) Class() KindClass {
	switch k {
	case KindDeleted:
		return ClassDelete
	case KindRenamed:
		return ClassRename
	default:
		return ClassUpsert
	}
}

// =============================================================================
// Signals and Batches
// =============================================================================

// ChangeSignal is the raw unit of change flowing from event sources into the
// pipeline. Paths are absolute and cleaned.
type ChangeSignal struct {
	// Kind is what happened.
	Kind ChangeKind

	// Path is the affected path. For renames this is the new path.
	Path string

	// PreviousPath is the pre-rename path. Empty for all other kinds.
	PreviousPath string

	// IsDir reports whether the path is, or was, a directory.
	IsDir bool

	// ObservedAt is when the source saw the event.
	ObservedAt time.Time
}

// PendingChange is a buffered signal annotated with its arrival index.
// Seq is assigned by the buffer and restores observation order when a flush
// drains the buffer map. Consumers treat pending changes as read-only.
type PendingChange struct {
	ChangeSignal

	// Seq is the arrival index within the watch session.
	Seq uint64
}

// ChangeBatch is an ordered set of pending changes drained from the buffer by
// one debounce flush. Batches are immutable once published: the same slice is
// shared with every subscriber.
type ChangeBatch struct {
	// Seq is the batch sequence number, monotonic within a watch session.
	Seq uint64

	// ID uniquely identifies the batch for logging and correlation.
	ID string

	// Changes holds the drained entries in arrival order.
	Changes []PendingChange

	// FlushedAt is when the debounce timer fired.
	FlushedAt time.Time
}

// Len returns the number of changes in the batch.
func (b *ChangeBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Changes)
}

// ResyncDirective instructs consumers to discard incremental state and reload
// from disk. It is issued whenever incremental signals may have been lost:
// kernel queue overflow, a watcher restart, or saturated delivery.
type ResyncDirective struct {
	// Root is the watched root the resync applies to.
	Root string

	// Reason describes why incremental state can no longer be trusted.
	Reason string

	// IssuedAt is when the directive was created.
	IssuedAt time.Time
}

// Notification is the unit delivered to publisher subscribers. Exactly one of
// Batch or Resync is non-nil. Both travel on a single ordered stream so a
// resync is never reordered against the batches around it.
type Notification struct {
	Batch  *ChangeBatch
	Resync *ResyncDirective
}

// IsResync reports whether the notification carries a resync directive.
func (n Notification) IsResync() bool {
	return n.Resync != nil
}
