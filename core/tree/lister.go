package tree

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/ristretto"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultListingTTL is how long a cached directory listing stays valid.
	// Listings go stale the moment the directory changes, so the window is
	// short; it exists to absorb expand/collapse/expand churn.
	DefaultListingTTL = 2 * time.Second

	// Default cache configuration
	defaultListingCounters = 1e5 // 100K counters for admission policy
	defaultListingMaxCost  = 1e6 // ~1M entries across all cached listings
	defaultListingBuffer   = 64  // Buffer for async operations
)

// =============================================================================
// Listing Types
// =============================================================================

// Entry is one row of a directory listing.
type Entry struct {
	Name  string
	IsDir bool
}

// Lister produces directory listings for the tree. Implementations must be
// safe for concurrent use.
type Lister interface {
	// List returns the entries of the directory at path. The returned
	// slice may be shared between callers and must not be mutated.
	List(ctx context.Context, path string) ([]Entry, error)
}

// IgnorePredicate reports whether a listing entry should be hidden, judged
// by its bare name.
type IgnorePredicate func(name string) bool

// =============================================================================
// OS Lister
// =============================================================================

// OSLister reads listings from the filesystem, screening entry names through
// an optional ignore predicate so the tree and the change pipeline hide the
// same files.
type OSLister struct {
	ignore IgnorePredicate
}

// NewOSLister creates a filesystem-backed lister. A nil predicate hides
// nothing.
func NewOSLister(ignore IgnorePredicate) *OSLister {
	return &OSLister{ignore: ignore}
}

// List reads the directory at path with os.ReadDir.
func (l *OSLister) List(ctx context.Context, path string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if l.ignore != nil && l.ignore(d.Name()) {
			continue
		}
		entries = append(entries, Entry{Name: d.Name(), IsDir: d.IsDir()})
	}

	return entries, nil
}

// =============================================================================
// Cached Lister
// =============================================================================

// CachedListerConfig configures the listing cache.
type CachedListerConfig struct {
	// TTL bounds how long a listing may be served from cache (0 = default).
	TTL time.Duration

	// Ristretto configuration
	NumCounters int64 // Number of keys to track frequency
	MaxCost     int64 // Maximum total entries held
	BufferItems int64 // Number of keys per Get buffer
}

// applyDefaults fills in zero values.
func (c *CachedListerConfig) applyDefaults() {
	if c.TTL == 0 {
		c.TTL = DefaultListingTTL
	}
	if c.NumCounters == 0 {
		c.NumCounters = int64(defaultListingCounters)
	}
	if c.MaxCost == 0 {
		c.MaxCost = int64(defaultListingMaxCost)
	}
	if c.BufferItems == 0 {
		c.BufferItems = defaultListingBuffer
	}
}

// CachedLister wraps another lister with a short-TTL Ristretto cache keyed
// by directory path. The reconciliation engine invalidates paths as change
// batches touch them, so the cache only ever short-circuits repeat listings
// of unchanged directories.
type CachedLister struct {
	inner Lister
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCachedLister creates a caching lister in front of inner.
func NewCachedLister(inner Lister, cfg CachedListerConfig) (*CachedLister, error) {
	cfg.applyDefaults()

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize listing cache: %w", err)
	}

	return &CachedLister{inner: inner, cache: cache, ttl: cfg.TTL}, nil
}

// List serves the listing from cache when fresh, falling through to the
// inner lister otherwise. Only successful listings are cached.
func (l *CachedLister) List(ctx context.Context, path string) ([]Entry, error) {
	if val, ok := l.cache.Get(path); ok {
		if entries, ok := val.([]Entry); ok {
			return entries, nil
		}
	}

	entries, err := l.inner.List(ctx, path)
	if err != nil {
		return nil, err
	}

	l.cache.SetWithTTL(path, entries, int64(len(entries))+1, l.ttl)
	return entries, nil
}

// Invalidate drops the cached listing for one directory.
func (l *CachedLister) Invalidate(path string) {
	l.cache.Del(path)
}

// InvalidateAll drops every cached listing.
func (l *CachedLister) InvalidateAll() {
	l.cache.Clear()
}

// Wait blocks until pending cache writes are applied. Intended for tests.
func (l *CachedLister) Wait() {
	l.cache.Wait()
}

// Close releases the cache's internal resources.
func (l *CachedLister) Close() {
	l.cache.Close()
}
