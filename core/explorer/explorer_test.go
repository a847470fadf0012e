package explorer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/canopy/core/watch"
)

// makeTestRoot seeds a directory with a small layout:
//
//	root/
//	├── docs/
//	│   └── guide.md
//	├── a.txt
//	└── b.txt
func makeTestRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "guide.md"), []byte("g"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0644))

	return root
}

func newTestExplorer(t *testing.T, cfg ExplorerConfig) *Explorer {
	t.Helper()

	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestNew_Defaults(t *testing.T) {
	e := newTestExplorer(t, ExplorerConfig{})

	assert.False(t, e.IsWatching())
	assert.Equal(t, "", e.CurrentRoot())
	assert.Nil(t, e.Snapshot())
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(ExplorerConfig{IgnorePatterns: []string{"["}})

	assert.ErrorIs(t, err, watch.ErrInvalidPattern)
}

func TestExplorer_LoadAndSnapshot(t *testing.T) {
	root := makeTestRoot(t)
	e := newTestExplorer(t, ExplorerConfig{})

	require.NoError(t, e.Load(context.Background(), root))

	assert.Equal(t, root, e.CurrentRoot())

	snapshot := e.Snapshot()
	require.NotNil(t, snapshot)

	var names []string
	for _, child := range snapshot.Children() {
		names = append(names, child.Name())
	}
	assert.Equal(t, []string{"docs", "a.txt", "b.txt"}, names)

	docs := snapshot.Child("docs")
	require.NotNil(t, docs)
	assert.False(t, docs.IsLoaded())
}

func TestExplorer_ExpandAndCollapse(t *testing.T) {
	root := makeTestRoot(t)
	e := newTestExplorer(t, ExplorerConfig{})
	require.NoError(t, e.Load(context.Background(), root))

	docsPath := filepath.Join(root, "docs")
	require.NoError(t, e.Expand(context.Background(), docsPath))

	docs := e.Snapshot().Child("docs")
	require.NotNil(t, docs)
	assert.True(t, docs.IsLoaded())
	assert.NotNil(t, docs.Child("guide.md"))

	e.Collapse(docsPath)

	docs = e.Snapshot().Child("docs")
	require.NotNil(t, docs)
	assert.False(t, docs.IsLoaded())
}

func TestExplorer_DefaultPatternsHideNoise(t *testing.T) {
	root := makeTestRoot(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("s"), 0644))

	e := newTestExplorer(t, ExplorerConfig{})
	require.NoError(t, e.Load(context.Background(), root))

	snapshot := e.Snapshot()
	assert.Nil(t, snapshot.Child(".git"))
	assert.Nil(t, snapshot.Child("scratch.tmp"))
	assert.NotNil(t, snapshot.Child("a.txt"))
}

func TestExplorer_StopWatching_Idle(t *testing.T) {
	e := newTestExplorer(t, ExplorerConfig{})

	assert.NoError(t, e.StopWatching())
	assert.NoError(t, e.StopWatching())
}

func TestExplorer_Status_Idle(t *testing.T) {
	root := makeTestRoot(t)
	e := newTestExplorer(t, ExplorerConfig{})
	require.NoError(t, e.Load(context.Background(), root))

	status := e.Status()

	assert.Equal(t, watch.StateIdle, status.State)
	assert.Equal(t, root, status.Root)
	assert.Equal(t, "", status.SessionID)
	assert.Equal(t, 4, status.NodeCount)
	assert.Equal(t, uint64(0), status.BatchesApplied)
}

func TestExplorer_UpdateIgnorePatterns_IdleReload(t *testing.T) {
	root := makeTestRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.tmp"), []byte("s"), 0644))

	e := newTestExplorer(t, ExplorerConfig{IgnorePatterns: []string{}})
	require.NoError(t, e.Load(context.Background(), root))
	require.NotNil(t, e.Snapshot().Child("skip.tmp"))

	require.NoError(t, e.UpdateIgnorePatterns(context.Background(), []string{"*.tmp"}))

	assert.Nil(t, e.Snapshot().Child("skip.tmp"))
	assert.NotNil(t, e.Snapshot().Child("a.txt"))
	assert.Equal(t, uint64(1), e.Status().ResyncsApplied)
}

func TestExplorer_UpdateIgnorePatterns_Invalid(t *testing.T) {
	root := makeTestRoot(t)
	e := newTestExplorer(t, ExplorerConfig{IgnorePatterns: []string{}})
	require.NoError(t, e.Load(context.Background(), root))

	err := e.UpdateIgnorePatterns(context.Background(), []string{"["})

	assert.ErrorIs(t, err, watch.ErrInvalidPattern)

	// The old rules stay in force after a rejected update.
	require.NoError(t, e.UpdateIgnorePatterns(context.Background(), []string{"*.md"}))
}

func TestExplorer_Subscriptions_Unsubscribe(t *testing.T) {
	e := newTestExplorer(t, ExplorerConfig{})

	unsubChanges := e.OnChanges(func(watch.Notification) {})
	unsubErrors := e.OnError(func(error, bool) {})

	unsubChanges()
	unsubChanges()
	unsubErrors()
	unsubErrors()
}

func TestExplorer_Close(t *testing.T) {
	e, err := New(ExplorerConfig{})
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.StartWatching(context.Background(), t.TempDir()), ErrClosed)
	assert.ErrorIs(t, e.Load(context.Background(), t.TempDir()), ErrClosed)
}
