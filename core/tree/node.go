// Package tree maintains the in-memory mirror of a watched directory for the
// canopy explorer core. Directories materialize lazily: children exist only
// once a listing loads them, and every child slice holds a fixed order,
// directories before files, names compared case-insensitively. Batches of
// filesystem changes are applied by a reconciliation engine; readers take
// snapshots.
package tree

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDuplicateName reports an attempt to give a node two children with
	// one name. It is the invariant violation that escalates instead of
	// being tolerated.
	ErrDuplicateName = errors.New("duplicate sibling name")

	// ErrNotDirectory indicates a child operation on a file node.
	ErrNotDirectory = errors.New("node is not a directory")
)

// =============================================================================
// Load State
// =============================================================================

// LoadState says whether a directory's children have been materialized.
// Files always carry LoadStateNone.
type LoadState int

const (
	// LoadStateNone marks an unmaterialized directory.
	LoadStateNone LoadState = iota

	// LoadStateLoaded marks a directory whose children are materialized.
	LoadStateLoaded
)

// String returns a human-readable name for the load state.
func (s LoadState) String() string {
	switch s {
	case LoadStateNone:
		return "none"
	case LoadStateLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// =============================================================================
// Node
// =============================================================================

// Node is one entry in the tree. Name and Path never change after
// construction; a rename replaces the node rather than mutating it, which
// keeps every path equal to its parent's path joined with its own name.
type Node struct {
	name  string
	path  string
	isDir bool

	state    LoadState
	children []*Node
}

// NewRootNode creates the unloaded root of a tree.
func NewRootNode(path string) *Node {
	path = filepath.Clean(path)
	return &Node{name: filepath.Base(path), path: path, isDir: true}
}

// NewDirNode creates an unloaded directory node under parentPath.
func NewDirNode(parentPath, name string) *Node {
	return &Node{name: name, path: filepath.Join(parentPath, name), isDir: true}
}

// NewFileNode creates a file node under parentPath.
func NewFileNode(parentPath, name string) *Node {
	return &Node{name: name, path: filepath.Join(parentPath, name)}
}

// Name returns the node's display name.
func (n *Node) Name() string { return n.name }

// Path returns the node's full path.
func (n *Node) Path() string { return n.path }

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.isDir }

// State returns the node's load state.
func (n *Node) State() LoadState { return n.state }

// IsLoaded reports whether the node's children are materialized.
func (n *Node) IsLoaded() bool { return n.state == LoadStateLoaded }

// Children returns the node's children in display order. The slice is a
// copy; the nodes are shared.
func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// ChildCount returns how many children are materialized.
func (n *Node) ChildCount() int { return len(n.children) }

// Child returns the child with the given name, or nil.
func (n *Node) Child(name string) *Node { return n.childByName(name) }

// =============================================================================
// Ordering
// =============================================================================

// compareNodes orders siblings: directories before files, then names
// compared case-insensitively, ties broken case-sensitively so the order is
// total and deterministic.
func compareNodes(a, b *Node) int {
	if a.isDir != b.isDir {
		if a.isDir {
			return -1
		}
		return 1
	}

	if c := strings.Compare(strings.ToLower(a.name), strings.ToLower(b.name)); c != 0 {
		return c
	}
	return strings.Compare(a.name, b.name)
}

// =============================================================================
// Child Manipulation
// =============================================================================

// childByName finds a child by exact name, or nil.
func (n *Node) childByName(name string) *Node {
	for _, child := range n.children {
		if child.name == name {
			return child
		}
	}
	return nil
}

// insertChild places a child at its ordered position. Inserting a name
// already present among the siblings fails with ErrDuplicateName.
func (n *Node) insertChild(child *Node) error {
	if !n.isDir {
		return fmt.Errorf("%w: %s", ErrNotDirectory, n.path)
	}
	if n.childByName(child.name) != nil {
		return fmt.Errorf("%w: %q under %s", ErrDuplicateName, child.name, n.path)
	}

	idx := sort.Search(len(n.children), func(i int) bool {
		return compareNodes(n.children[i], child) >= 0
	})

	n.children = append(n.children, nil)
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = child

	return nil
}

// removeChild deletes the child with the given name, reporting whether it
// was present.
func (n *Node) removeChild(name string) bool {
	for i, child := range n.children {
		if child.name == name {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return true
		}
	}
	return false
}

// setChildren installs a full listing, sorting it and marking the directory
// loaded. A listing carrying duplicate names fails with ErrDuplicateName.
func (n *Node) setChildren(children []*Node) error {
	if !n.isDir {
		return fmt.Errorf("%w: %s", ErrNotDirectory, n.path)
	}

	sort.SliceStable(children, func(i, j int) bool {
		return compareNodes(children[i], children[j]) < 0
	})
	for i := 1; i < len(children); i++ {
		if children[i].name == children[i-1].name {
			return fmt.Errorf("%w: %q under %s", ErrDuplicateName, children[i].name, n.path)
		}
	}

	n.children = children
	n.state = LoadStateLoaded

	return nil
}

// unload discards materialized children and reverts to the unloaded state.
func (n *Node) unload() {
	n.children = nil
	n.state = LoadStateNone
}

// =============================================================================
// Traversal
// =============================================================================

// Walk visits the node and every materialized descendant depth first in
// sibling order. The visitor returns false to stop the walk early.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, child := range n.children {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

// Clone deep-copies the node and its materialized descendants.
func (n *Node) Clone() *Node {
	c := &Node{name: n.name, path: n.path, isDir: n.isDir, state: n.state}
	if len(n.children) > 0 {
		c.children = make([]*Node, len(n.children))
		for i, child := range n.children {
			c.children[i] = child.Clone()
		}
	}
	return c
}
