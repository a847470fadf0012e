package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNilLister indicates a model was built without a lister.
	ErrNilLister = errors.New("lister is required")

	// ErrNoRoot indicates an operation on a model before any root loaded.
	ErrNoRoot = errors.New("no root loaded")

	// ErrNodeNotFound indicates a path that is not materialized in the
	// tree. Paths under unloaded directories are not found; they were
	// never shown.
	ErrNodeNotFound = errors.New("node not found")
)

// =============================================================================
// Model
// =============================================================================

// ModelConfig configures a tree model.
type ModelConfig struct {
	// Lister produces directory listings for loads and expansions.
	Lister Lister

	// Logger for model operations (nil = slog default)
	Logger *slog.Logger
}

// Model owns the live tree for one root. Structural mutation happens under
// the write lock: the reconciliation engine applies change batches, and
// Expand installs listings. Readers either accept point lookups through
// Find or take a detached Snapshot.
type Model struct {
	mu     sync.RWMutex
	root   *Node
	lister Lister
	logger *slog.Logger
}

// NewModel creates an empty model. Load gives it a root.
func NewModel(cfg ModelConfig) (*Model, error) {
	if cfg.Lister == nil {
		return nil, ErrNilLister
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Model{lister: cfg.Lister, logger: cfg.Logger}, nil
}

// =============================================================================
// Loading
// =============================================================================

// Load materializes the top level of a new root, replacing whatever the
// model held before. The listing happens before the swap, so a failed or
// cancelled load leaves the previous tree intact.
func (m *Model) Load(ctx context.Context, rootPath string) error {
	root := NewRootNode(rootPath)

	entries, err := m.lister.List(ctx, root.path)
	if err != nil {
		return err
	}
	if err := root.setChildren(buildChildren(root.path, entries)); err != nil {
		return err
	}

	m.mu.Lock()
	m.root = root
	m.mu.Unlock()

	m.logger.Debug("Tree root loaded", "root", root.path, "entries", len(entries))
	return nil
}

// Expand materializes one directory's children. An already-loaded directory
// is a no-op; an unmaterialized path fails with ErrNodeNotFound.
func (m *Model) Expand(ctx context.Context, path string) error {
	path = filepath.Clean(path)

	m.mu.RLock()
	node := m.findLocked(path)
	switch {
	case node == nil:
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, path)
	case !node.isDir:
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	case node.state == LoadStateLoaded:
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	// List outside the lock; a change batch may land meanwhile, so the
	// node is re-resolved before the listing is installed.
	entries, err := m.lister.List(ctx, path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.findLocked(path)
	if current == nil || !current.isDir {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, path)
	}
	if current.state == LoadStateLoaded {
		return nil
	}
	return current.setChildren(buildChildren(current.path, entries))
}

// Unload discards a directory's materialized children. The next expansion
// lists it from disk again.
func (m *Model) Unload(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if node := m.findLocked(filepath.Clean(path)); node != nil && node.isDir {
		node.unload()
	}
}

// buildChildren converts listing entries into child nodes of parentPath.
func buildChildren(parentPath string, entries []Entry) []*Node {
	children := make([]*Node, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			children = append(children, NewDirNode(parentPath, e.Name))
		} else {
			children = append(children, NewFileNode(parentPath, e.Name))
		}
	}
	return children
}

// =============================================================================
// Lookup
// =============================================================================

// RootPath returns the loaded root's path, or "" before Load.
func (m *Model) RootPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.root == nil {
		return ""
	}
	return m.root.path
}

// Find resolves a path to its live node, descending materialized children
// only. Paths under an unloaded directory return nil without touching disk.
// The returned node is shared with the live tree; take a Snapshot for a
// stable view.
func (m *Model) Find(path string) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.findLocked(filepath.Clean(path))
}

// findLocked is Find without locking. path must already be clean.
func (m *Model) findLocked(path string) *Node {
	if m.root == nil {
		return nil
	}
	if path == m.root.path {
		return m.root
	}

	rel, err := filepath.Rel(m.root.path, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}

	node := m.root
	for _, segment := range strings.Split(rel, string(filepath.Separator)) {
		if node.state != LoadStateLoaded {
			return nil
		}
		node = node.childByName(segment)
		if node == nil {
			return nil
		}
	}

	return node
}

// =============================================================================
// Views
// =============================================================================

// Snapshot deep-copies the tree for readers. The copy is detached: batches
// applied later never touch it. Returns nil before Load.
func (m *Model) Snapshot() *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.root == nil {
		return nil
	}
	return m.root.Clone()
}

// NodeCount returns how many nodes are materialized, the root included.
func (m *Model) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	if m.root != nil {
		m.root.Walk(func(*Node) bool {
			count++
			return true
		})
	}
	return count
}

// LoadedDir describes one materialized directory for consistency sweeps:
// its path and the names it currently shows, each mapped to whether the
// entry is a directory.
type LoadedDir struct {
	Path    string
	Entries map[string]bool
}

// LoadedDirs reports every materialized directory in the tree.
func (m *Model) LoadedDirs() []LoadedDir {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.root == nil {
		return nil
	}

	var dirs []LoadedDir
	m.root.Walk(func(n *Node) bool {
		if n.isDir && n.state == LoadStateLoaded {
			entries := make(map[string]bool, len(n.children))
			for _, child := range n.children {
				entries[child.name] = child.isDir
			}
			dirs = append(dirs, LoadedDir{Path: n.path, Entries: entries})
		}
		return true
	})
	return dirs
}
