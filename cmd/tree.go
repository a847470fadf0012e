// Package cmd provides CLI commands for the canopy explorer.
// This file implements the tree command for one-shot directory printing.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/adalundhe/canopy/core/explorer"
	"github.com/adalundhe/canopy/core/tree"
	"github.com/spf13/cobra"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// TreeDefaultDepth is the number of levels shown without an explicit flag.
	TreeDefaultDepth = 1

	// TreeTimeout bounds the whole materialization.
	TreeTimeout = 30 * time.Second
)

// Branch glyphs for tree rendering.
const (
	treeBranchGlyph = "├── "
	treeLastGlyph   = "└── "
	treePipeGlyph   = "│   "
	treeGapGlyph    = "    "
)

// =============================================================================
// Tree Command Flags
// =============================================================================

var (
	treeDepth  int
	treeJSON   bool
	treeIgnore []string
)

// =============================================================================
// Tree Command
// =============================================================================

// treeCmd represents the tree command.
var treeCmd = &cobra.Command{
	Use:   "tree [path]",
	Short: "Print a directory tree",
	Long: `Materialize a directory tree to the requested depth and print it.

Only the levels being shown are listed; nothing below the depth limit is
touched. Ignore patterns from config and flags hide matching entries.

Examples:
  canopy tree                      # Current directory, one level
  canopy tree ~/src/project -d 3
  canopy tree --depth 0 .          # Expand everything
  canopy tree --json . | jq '.children[].name'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTree,
}

func init() {
	// Register with root command
	rootCmd.AddCommand(treeCmd)

	// Define flags
	treeCmd.Flags().IntVarP(&treeDepth, "depth", "d", TreeDefaultDepth, "Levels to show (0 expands everything)")
	treeCmd.Flags().BoolVar(&treeJSON, "json", false, "Output the tree as JSON")
	treeCmd.Flags().StringSliceVarP(&treeIgnore, "ignore", "I", nil, "Ignore patterns (overrides config)")
}

// =============================================================================
// Tree Execution
// =============================================================================

// runTree materializes and prints a directory tree.
func runTree(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root path: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), TreeTimeout)
	defer cancel()

	cfg, _, err := loadRuntimeConfig(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("ignore") {
		cfg.Watch.IgnorePatterns = treeIgnore
	}

	logger := buildLogger(&cfg.Log, cmd.ErrOrStderr())
	exp, err := explorer.New(explorerConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("failed to build explorer: %w", err)
	}
	defer exp.Close()

	if err := exp.Load(ctx, root); err != nil {
		return fmt.Errorf("failed to load %s: %w", root, err)
	}

	depth := treeDepth
	if depth < 0 {
		depth = TreeDefaultDepth
	}
	if err := expandToDepth(ctx, exp, logger, depth); err != nil {
		return fmt.Errorf("failed to expand %s: %w", root, err)
	}

	snapshot := exp.Snapshot()
	out := cmd.OutOrStdout()

	if treeJSON {
		return outputJSONTree(out, snapshot)
	}
	return outputRichTree(out, snapshot, isTerminal(out))
}

// expandToDepth expands unloaded directories level by level. A depth of zero
// keeps expanding until the tree has no unloaded directories left.
func expandToDepth(ctx context.Context, exp *explorer.Explorer, logger *slog.Logger, depth int) error {
	for level := 1; depth == 0 || level < depth; level++ {
		targets := unloadedDirsAtDepth(exp.Snapshot(), 0, level)
		if len(targets) == 0 {
			break
		}

		for _, path := range targets {
			if err := exp.Expand(ctx, path); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("Skipping directory", "path", path, "error", err)
			}
		}
	}
	return nil
}

// unloadedDirsAtDepth collects unloaded directory paths at one tree level.
func unloadedDirsAtDepth(node *tree.Node, depth, target int) []string {
	if depth == target {
		if node.IsDir() && !node.IsLoaded() {
			return []string{node.Path()}
		}
		return nil
	}

	var paths []string
	for _, child := range node.Children() {
		paths = append(paths, unloadedDirsAtDepth(child, depth+1, target)...)
	}
	return paths
}

// =============================================================================
// Tree Output
// =============================================================================

// treeNodeOutput is the JSON output for a tree node.
type treeNodeOutput struct {
	Name     string           `json:"name"`
	Path     string           `json:"path"`
	Dir      bool             `json:"dir"`
	Loaded   bool             `json:"loaded,omitempty"`
	Children []treeNodeOutput `json:"children,omitempty"`
}

// outputJSONTree outputs the tree as indented JSON.
func outputJSONTree(w io.Writer, root *tree.Node) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(newTreeNodeOutput(root))
}

// newTreeNodeOutput converts a node and its children for JSON encoding.
func newTreeNodeOutput(node *tree.Node) treeNodeOutput {
	out := treeNodeOutput{
		Name: node.Name(),
		Path: node.Path(),
		Dir:  node.IsDir(),
	}
	if node.IsDir() {
		out.Loaded = node.IsLoaded()
	}

	children := node.Children()
	if len(children) > 0 {
		out.Children = make([]treeNodeOutput, 0, len(children))
		for _, child := range children {
			out.Children = append(out.Children, newTreeNodeOutput(child))
		}
	}
	return out
}

// treeCounters accumulates the footer statistics during rendering.
type treeCounters struct {
	dirs       int
	files      int
	unexpanded int
}

// outputRichTree outputs the tree with branch glyphs and a summary footer.
func outputRichTree(w io.Writer, root *tree.Node, pretty bool) error {
	fmt.Fprintln(w, formatTreePath(root, pretty))

	counters := &treeCounters{}
	printTreeChildren(w, root, "", pretty, counters)

	fmt.Fprintln(w)
	summary := fmt.Sprintf("%d directories, %d files", counters.dirs, counters.files)
	if counters.unexpanded > 0 {
		summary += fmt.Sprintf(" (%d unexpanded)", counters.unexpanded)
	}
	fmt.Fprintln(w, summary)

	return nil
}

// printTreeChildren renders a node's children with the given indent prefix.
func printTreeChildren(w io.Writer, node *tree.Node, prefix string, pretty bool, counters *treeCounters) {
	children := node.Children()
	for i, child := range children {
		glyph, childPrefix := treeBranchGlyph, prefix+treePipeGlyph
		if i == len(children)-1 {
			glyph, childPrefix = treeLastGlyph, prefix+treeGapGlyph
		}

		fmt.Fprintf(w, "%s%s%s\n", prefix, glyph, formatTreeName(child, pretty))

		if child.IsDir() {
			counters.dirs++
			if child.IsLoaded() {
				printTreeChildren(w, child, childPrefix, pretty, counters)
			} else {
				counters.unexpanded++
			}
		} else {
			counters.files++
		}
	}
}

// formatTreeName formats one entry name, coloring directories when pretty.
func formatTreeName(node *tree.Node, pretty bool) string {
	if !node.IsDir() {
		return node.Name()
	}
	if !pretty {
		return node.Name() + "/"
	}
	return fmt.Sprintf("%s%s%s%s/", colorBold, colorBlue, node.Name(), colorReset)
}

// formatTreePath formats the root line of the printout.
func formatTreePath(root *tree.Node, pretty bool) string {
	if !pretty {
		return root.Path()
	}
	return fmt.Sprintf("%s%s%s%s", colorBold, colorBlue, root.Path(), colorReset)
}
