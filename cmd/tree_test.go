// Package cmd provides CLI commands for the canopy explorer.
// This file contains tests for the tree command.
package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/adalundhe/canopy/core/explorer"
	"github.com/adalundhe/canopy/core/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// stubLister serves canned listings so tests can shape trees directly.
type stubLister struct {
	listings map[string][]tree.Entry
}

// List implements the tree.Lister interface.
func (s *stubLister) List(ctx context.Context, path string) ([]tree.Entry, error) {
	return s.listings[path], nil
}

// newStubModel builds a model over /r with one subdirectory and two files.
func newStubModel(t *testing.T) *tree.Model {
	t.Helper()

	lister := &stubLister{listings: map[string][]tree.Entry{
		"/r": {
			{Name: "docs", IsDir: true},
			{Name: "a.txt"},
			{Name: "b.txt"},
		},
		"/r/docs": {
			{Name: "guide.md"},
		},
	}}

	model, err := tree.NewModel(tree.ModelConfig{Lister: lister})
	require.NoError(t, err)
	require.NoError(t, model.Load(context.Background(), "/r"))
	return model
}

// =============================================================================
// Tree Command Tests
// =============================================================================

func TestTreeCmd_Definition(t *testing.T) {
	t.Run("command is defined", func(t *testing.T) {
		assert.NotNil(t, treeCmd)
		assert.Equal(t, "tree [path]", treeCmd.Use)
		assert.Equal(t, "Print a directory tree", treeCmd.Short)
	})

	t.Run("command has flags", func(t *testing.T) {
		flags := treeCmd.Flags()

		depth := flags.Lookup("depth")
		require.NotNil(t, depth)
		assert.Equal(t, "d", depth.Shorthand)
		assert.Equal(t, "1", depth.DefValue)

		jsonFlag := flags.Lookup("json")
		require.NotNil(t, jsonFlag)
		assert.Equal(t, "false", jsonFlag.DefValue)

		ignore := flags.Lookup("ignore")
		require.NotNil(t, ignore)
		assert.Equal(t, "I", ignore.Shorthand)
	})
}

// =============================================================================
// Depth Expansion Tests
// =============================================================================

func TestUnloadedDirsAtDepth(t *testing.T) {
	model := newStubModel(t)

	t.Run("finds unloaded directories at the target level", func(t *testing.T) {
		targets := unloadedDirsAtDepth(model.Snapshot(), 0, 1)
		assert.Equal(t, []string{"/r/docs"}, targets)
	})

	t.Run("does not descend into unloaded directories", func(t *testing.T) {
		targets := unloadedDirsAtDepth(model.Snapshot(), 0, 2)
		assert.Empty(t, targets)
	})

	t.Run("loaded directories are not targets", func(t *testing.T) {
		require.NoError(t, model.Expand(context.Background(), "/r/docs"))
		targets := unloadedDirsAtDepth(model.Snapshot(), 0, 1)
		assert.Empty(t, targets)
	})
}

func TestExpandToDepth(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested", "deep.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0644))

	exp, err := explorer.New(explorer.ExplorerConfig{
		IgnorePatterns: []string{},
		SweepInterval:  -1,
	})
	require.NoError(t, err)
	defer exp.Close()

	ctx := context.Background()
	require.NoError(t, exp.Load(ctx, root))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("depth limits expansion", func(t *testing.T) {
		require.NoError(t, expandToDepth(ctx, exp, logger, 2))

		snapshot := exp.Snapshot()
		sub := snapshot.Child("sub")
		require.NotNil(t, sub)
		assert.True(t, sub.IsLoaded())

		nested := sub.Child("nested")
		require.NotNil(t, nested)
		assert.False(t, nested.IsLoaded())
	})

	t.Run("zero depth expands everything", func(t *testing.T) {
		require.NoError(t, expandToDepth(ctx, exp, logger, 0))

		snapshot := exp.Snapshot()
		nested := snapshot.Child("sub").Child("nested")
		require.NotNil(t, nested)
		assert.True(t, nested.IsLoaded())
		assert.NotNil(t, nested.Child("deep.txt"))
	})
}

// =============================================================================
// Tree Output Tests
// =============================================================================

func TestNewTreeNodeOutput(t *testing.T) {
	model := newStubModel(t)

	t.Run("unexpanded directories have no children", func(t *testing.T) {
		out := newTreeNodeOutput(model.Snapshot())

		assert.Equal(t, "r", out.Name)
		assert.Equal(t, "/r", out.Path)
		assert.True(t, out.Dir)
		assert.True(t, out.Loaded)
		require.Len(t, out.Children, 3)

		docs := out.Children[0]
		assert.Equal(t, "docs", docs.Name)
		assert.True(t, docs.Dir)
		assert.False(t, docs.Loaded)
		assert.Empty(t, docs.Children)

		assert.Equal(t, "a.txt", out.Children[1].Name)
		assert.False(t, out.Children[1].Dir)
	})

	t.Run("expanded directories carry their children", func(t *testing.T) {
		require.NoError(t, model.Expand(context.Background(), "/r/docs"))
		out := newTreeNodeOutput(model.Snapshot())

		docs := out.Children[0]
		assert.True(t, docs.Loaded)
		require.Len(t, docs.Children, 1)
		assert.Equal(t, "guide.md", docs.Children[0].Name)
		assert.Equal(t, "/r/docs/guide.md", docs.Children[0].Path)
	})
}

func TestOutputRichTree(t *testing.T) {
	t.Run("unexpanded tree", func(t *testing.T) {
		model := newStubModel(t)

		var buf bytes.Buffer
		require.NoError(t, outputRichTree(&buf, model.Snapshot(), false))

		expected := "/r\n" +
			"├── docs/\n" +
			"├── a.txt\n" +
			"└── b.txt\n" +
			"\n" +
			"1 directories, 2 files (1 unexpanded)\n"
		assert.Equal(t, expected, buf.String())
	})

	t.Run("expanded tree", func(t *testing.T) {
		model := newStubModel(t)
		require.NoError(t, model.Expand(context.Background(), "/r/docs"))

		var buf bytes.Buffer
		require.NoError(t, outputRichTree(&buf, model.Snapshot(), false))

		expected := "/r\n" +
			"├── docs/\n" +
			"│   └── guide.md\n" +
			"├── a.txt\n" +
			"└── b.txt\n" +
			"\n" +
			"1 directories, 3 files\n"
		assert.Equal(t, expected, buf.String())
	})

	t.Run("pretty mode colors directories", func(t *testing.T) {
		model := newStubModel(t)

		var buf bytes.Buffer
		require.NoError(t, outputRichTree(&buf, model.Snapshot(), true))

		assert.Contains(t, buf.String(), colorBlue)
	})
}

func TestFormatTreeName(t *testing.T) {
	model := newStubModel(t)
	snapshot := model.Snapshot()

	docs := snapshot.Child("docs")
	require.NotNil(t, docs)
	file := snapshot.Child("a.txt")
	require.NotNil(t, file)

	assert.Equal(t, "docs/", formatTreeName(docs, false))
	assert.Equal(t, "a.txt", formatTreeName(file, false))
	assert.Contains(t, formatTreeName(docs, true), colorBlue)
}
