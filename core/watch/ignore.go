package watch

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidPattern indicates an ignore pattern failed to compile.
	ErrInvalidPattern = errors.New("invalid ignore pattern")
)

// =============================================================================
// Defaults
// =============================================================================

// filterMemoSize bounds the per-path verdict cache.
const filterMemoSize = 4096

// DefaultIgnorePatterns returns the stock ignore set: version control
// directories, common build artifact directories, and editor temp files.
func DefaultIgnorePatterns() []string {
	return []string{
		".git",
		".svn",
		".hg",
		"node_modules",
		"__pycache__",
		"target",
		"dist",
		"build",
		".DS_Store",
		"Thumbs.db",
		"*.tmp",
		"*.swp",
		"~$*",
	}
}

// =============================================================================
// Filter
// =============================================================================

// Filter hides paths that match ignore patterns. A path is hidden when any of
// its segments matches any pattern, so everything beneath an ignored
// directory is hidden along with it. Patterns use glob syntax and cover the
// three common shapes: exact segment names (".git"), suffix wildcards
// ("*.tmp"), and prefix wildcards ("~$*").
//
// Verdicts are memoized per path; SetPatterns swaps the compiled set and
// purges the memo. Filter is safe for concurrent use.
type Filter struct {
	mu       sync.RWMutex
	patterns []string
	compiled []glob.Glob

	memo *lru.Cache[string, bool]
}

// NewFilter compiles the given patterns into a filter. An empty or nil
// pattern list yields a filter that hides nothing.
func NewFilter(patterns []string) (*Filter, error) {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}

	memo, err := lru.New[string, bool](filterMemoSize)
	if err != nil {
		return nil, err
	}

	return &Filter{
		patterns: append([]string(nil), patterns...),
		compiled: compiled,
		memo:     memo,
	}, nil
}

// compilePatterns compiles each pattern, identifying the offender on failure.
func compilePatterns(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, err)
		}
		compiled = append(compiled, g)
	}

	return compiled, nil
}

// =============================================================================
// Matching
// =============================================================================

// Match reports whether the path is hidden by the ignore patterns.
func (f *Filter) Match(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if verdict, ok := f.memo.Get(path); ok {
		return verdict
	}

	verdict := f.matchSegments(path)
	f.memo.Add(path, verdict)

	return verdict
}

// MatchRename reports whether a rename should be hidden. A rename into or
// out of an ignored location hides the whole event.
func (f *Filter) MatchRename(oldPath, newPath string) bool {
	return f.Match(oldPath) || f.Match(newPath)
}

// MatchName reports whether a single name (one path segment, as returned by
// a directory listing) is hidden. Used to screen listings so the tree never
// shows entries whose changes would be invisible.
func (f *Filter) MatchName(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.matchSegment(name)
}

// matchSegments checks every segment of the path. Callers hold the lock.
func (f *Filter) matchSegments(path string) bool {
	if len(f.compiled) == 0 {
		return false
	}

	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == "" {
			continue
		}
		if f.matchSegment(segment) {
			return true
		}
	}

	return false
}

// matchSegment checks one segment against every pattern. Callers hold the lock.
func (f *Filter) matchSegment(segment string) bool {
	for _, g := range f.compiled {
		if g.Match(segment) {
			return true
		}
	}
	return false
}

// =============================================================================
// Updates
// =============================================================================

// SetPatterns replaces the active pattern set. The verdict memo is purged so
// the new patterns take effect for already-seen paths.
func (f *Filter) SetPatterns(patterns []string) error {
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.patterns = append([]string(nil), patterns...)
	f.compiled = compiled
	f.memo.Purge()
	f.mu.Unlock()

	return nil
}

// Patterns returns a copy of the active pattern set.
func (f *Filter) Patterns() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return append([]string(nil), f.patterns...)
}
