// Package cmd provides CLI commands for the canopy explorer.
// This file implements the watch command for streaming change batches.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/adalundhe/canopy/core/config"
	"github.com/adalundhe/canopy/core/explorer"
	"github.com/adalundhe/canopy/core/watch"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// =============================================================================
// Constants
// =============================================================================

// WatchPathDisplayWidth is the fallback terminal width for path truncation.
const WatchPathDisplayWidth = 80

// ANSI color codes for terminal output.
const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorGray    = "\033[90m"
	colorBold    = "\033[1m"
)

// =============================================================================
// Watch Command Flags
// =============================================================================

var (
	watchQuietPeriod   time.Duration
	watchSweepInterval time.Duration
	watchNoSweep       bool
	watchJSON          bool
	watchIgnore        []string
)

// =============================================================================
// Watch Command
// =============================================================================

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch a directory and stream change batches",
	Long: `Watch a directory tree and stream debounced change batches to stdout.

Rapid bursts of filesystem events coalesce into one batch per quiet window.
A consistency sweeper heals changes the OS watcher missed, and watcher
failures recover automatically with a full resync.

Send SIGHUP to reload the configuration (ignore pattern changes apply live).

Examples:
  canopy watch                        # Watch the current directory
  canopy watch ~/src/project
  canopy watch --quiet-period 500ms .
  canopy watch --ignore "*.log,tmp" .
  canopy watch --json . | jq '.batch.changes'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	// Register with root command
	rootCmd.AddCommand(watchCmd)

	// Define flags
	watchCmd.Flags().DurationVar(&watchQuietPeriod, "quiet-period", 0, "Debounce quiet period (0 uses config)")
	watchCmd.Flags().DurationVar(&watchSweepInterval, "sweep-interval", 0, "Consistency sweep interval (0 uses config)")
	watchCmd.Flags().BoolVar(&watchNoSweep, "no-sweep", false, "Disable the consistency sweeper")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Output notifications as JSON, one object per line")
	watchCmd.Flags().StringSliceVarP(&watchIgnore, "ignore", "I", nil, "Ignore patterns (overrides config)")
}

// =============================================================================
// Watch Execution
// =============================================================================

// runWatch starts a watch session and streams notifications until interrupted.
func runWatch(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve root path: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, mgr, err := loadRuntimeConfig(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyWatchFlags(cmd, cfg)

	logger := buildLogger(&cfg.Log, cmd.ErrOrStderr())
	exp, err := explorer.New(explorerConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("failed to build explorer: %w", err)
	}
	defer exp.Close()

	out := cmd.OutOrStdout()
	pretty := !watchJSON && isTerminal(out)
	width := terminalWidth(out)
	printer := newWatchPrinter(out, watchJSON, pretty, width)

	unsubChanges := exp.OnChanges(printer.printNotification)
	defer unsubChanges()
	unsubErrors := exp.OnError(func(err error, recoverable bool) {
		printWatchError(cmd.ErrOrStderr(), err, recoverable, pretty)
	})
	defer unsubErrors()

	if err := exp.StartWatching(ctx, root); err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}

	if pretty {
		fmt.Fprintf(out, "%s%sWatching%s %s - Press Ctrl+C to stop\n", colorBold, colorCyan, colorReset, root)
		fmt.Fprintln(out)
	}

	// Reloads reapply ignore patterns unless the flag pinned them.
	if !cmd.Flags().Changed("ignore") {
		mgr.OnChange(func(c *config.Config) {
			if err := exp.UpdateIgnorePatterns(ctx, c.Watch.IgnorePatterns); err != nil {
				logger.Warn("Failed to apply reloaded ignore patterns", "error", err)
			}
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case <-sigCh:
			if pretty {
				fmt.Fprintln(out, "\nInterrupted. Cleaning up...")
			}
			status := exp.Status()
			if err := exp.StopWatching(); err != nil {
				return fmt.Errorf("failed to stop watching: %w", err)
			}
			return outputWatchStatus(out, &status, watchJSON)

		case <-hupCh:
			if err := mgr.Reload(); err != nil {
				logger.Warn("Config reload failed", "error", err)
			}
		}
	}
}

// applyWatchFlags layers explicit command flags over the loaded config.
func applyWatchFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("quiet-period") && watchQuietPeriod > 0 {
		cfg.Watch.QuietPeriod = watchQuietPeriod
	}
	if cmd.Flags().Changed("sweep-interval") && watchSweepInterval > 0 {
		cfg.Watch.SweepInterval = watchSweepInterval
	}
	if watchNoSweep {
		cfg.Watch.SweepEnabled = false
	}
	if cmd.Flags().Changed("ignore") {
		cfg.Watch.IgnorePatterns = watchIgnore
	}
}

// =============================================================================
// Notification Output
// =============================================================================

// notificationOutput is the JSON output for a single notification.
type notificationOutput struct {
	Type   string        `json:"type"`
	Batch  *batchOutput  `json:"batch,omitempty"`
	Resync *resyncOutput `json:"resync,omitempty"`
}

// batchOutput is the JSON output for a change batch.
type batchOutput struct {
	Seq       uint64         `json:"seq"`
	ID        string         `json:"id"`
	FlushedAt time.Time      `json:"flushed_at"`
	Changes   []changeOutput `json:"changes"`
}

// changeOutput is the JSON output for a single change.
type changeOutput struct {
	Kind         string `json:"kind"`
	Path         string `json:"path"`
	PreviousPath string `json:"previous_path,omitempty"`
	Dir          bool   `json:"dir"`
	Seq          uint64 `json:"seq"`
}

// resyncOutput is the JSON output for a resync directive.
type resyncOutput struct {
	Root     string    `json:"root"`
	Reason   string    `json:"reason"`
	IssuedAt time.Time `json:"issued_at"`
}

// watchPrinter formats notifications for one output mode. It runs on the
// publisher's dispatch goroutine, so no locking is needed.
type watchPrinter struct {
	writer  io.Writer
	encoder *json.Encoder
	json    bool
	pretty  bool
	width   int
}

// newWatchPrinter creates a printer for the selected output mode.
func newWatchPrinter(w io.Writer, asJSON, pretty bool, width int) *watchPrinter {
	return &watchPrinter{
		writer:  w,
		encoder: json.NewEncoder(w),
		json:    asJSON,
		pretty:  pretty,
		width:   width,
	}
}

// printNotification renders one applied notification.
func (p *watchPrinter) printNotification(n watch.Notification) {
	if p.json {
		p.encoder.Encode(newNotificationOutput(n))
		return
	}

	if n.IsResync() {
		p.printResync(n.Resync)
		return
	}
	p.printBatch(n.Batch)
}

// printBatch renders each change in a batch as one line.
func (p *watchPrinter) printBatch(batch *watch.ChangeBatch) {
	timestamp := batch.FlushedAt.Format("15:04:05")
	for _, change := range batch.Changes {
		p.printChange(timestamp, change)
	}
}

// printChange renders a single change line.
func (p *watchPrinter) printChange(timestamp string, change watch.PendingChange) {
	path := truncatePath(change.Path, p.width-24)
	if change.Kind == watch.KindRenamed && change.PreviousPath != "" {
		path = fmt.Sprintf("%s -> %s", truncatePath(change.PreviousPath, (p.width-28)/2), truncatePath(change.Path, (p.width-28)/2))
	}

	if !p.pretty {
		fmt.Fprintf(p.writer, "%s [%s] %s\n", timestamp, change.Kind, path)
		return
	}

	fmt.Fprintf(p.writer, "%s%s%s %s%-8s%s %s\n",
		colorGray, timestamp, colorReset,
		kindColor(change.Kind), change.Kind, colorReset,
		path)
}

// printResync renders a resync directive.
func (p *watchPrinter) printResync(directive *watch.ResyncDirective) {
	timestamp := directive.IssuedAt.Format("15:04:05")
	if !p.pretty {
		fmt.Fprintf(p.writer, "%s [resync] %s\n", timestamp, directive.Reason)
		return
	}

	fmt.Fprintf(p.writer, "%s%s%s %s%-8s%s %s\n",
		colorGray, timestamp, colorReset,
		colorYellow, "resync", colorReset,
		directive.Reason)
}

// kindColor maps a change kind to its display color.
func kindColor(kind watch.ChangeKind) string {
	switch kind {
	case watch.KindCreated:
		return colorGreen
	case watch.KindModified:
		return colorCyan
	case watch.KindDeleted:
		return colorRed
	case watch.KindRenamed:
		return colorMagenta
	default:
		return colorReset
	}
}

// newNotificationOutput converts a notification for JSON encoding.
func newNotificationOutput(n watch.Notification) *notificationOutput {
	if n.IsResync() {
		return &notificationOutput{
			Type: "resync",
			Resync: &resyncOutput{
				Root:     n.Resync.Root,
				Reason:   n.Resync.Reason,
				IssuedAt: n.Resync.IssuedAt,
			},
		}
	}

	changes := make([]changeOutput, 0, len(n.Batch.Changes))
	for _, change := range n.Batch.Changes {
		changes = append(changes, changeOutput{
			Kind:         change.Kind.String(),
			Path:         change.Path,
			PreviousPath: change.PreviousPath,
			Dir:          change.IsDir,
			Seq:          change.Seq,
		})
	}

	return &notificationOutput{
		Type: "batch",
		Batch: &batchOutput{
			Seq:       n.Batch.Seq,
			ID:        n.Batch.ID,
			FlushedAt: n.Batch.FlushedAt,
			Changes:   changes,
		},
	}
}

// printWatchError renders a watch error line on stderr.
func printWatchError(w io.Writer, err error, recoverable bool, pretty bool) {
	label := "error"
	if recoverable {
		label = "warning"
	}

	if !pretty {
		fmt.Fprintf(w, "[%s] %v\n", label, err)
		return
	}

	color := colorRed
	if recoverable {
		color = colorYellow
	}
	fmt.Fprintf(w, "%s%-8s%s %v\n", color, label, colorReset, err)
}

// =============================================================================
// Status Output
// =============================================================================

// outputWatchStatus prints the session summary after shutdown.
func outputWatchStatus(w io.Writer, status *explorer.Status, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s%sSession Summary%s\n", colorBold, colorCyan, colorReset)
	fmt.Fprintf(w, "%s%s%s\n", colorGray, strings.Repeat("-", 40), colorReset)
	fmt.Fprintf(w, "%sUptime:%s           %v\n", colorGray, colorReset, status.Uptime.Round(time.Second))
	fmt.Fprintf(w, "%sWatched Dirs:%s     %d\n", colorGray, colorReset, status.WatchedDirs)
	fmt.Fprintf(w, "%sTree Nodes:%s       %d\n", colorGray, colorReset, status.NodeCount)
	fmt.Fprintf(w, "%sBatches:%s          %d published, %d applied\n", colorGray, colorReset, status.BatchesPublished, status.BatchesApplied)
	fmt.Fprintf(w, "%sChanges Applied:%s  %d\n", colorGray, colorReset, status.ChangesApplied)

	if status.BatchesDropped > 0 {
		fmt.Fprintf(w, "%sBatches Dropped:%s  %s%d%s\n", colorGray, colorReset, colorYellow, status.BatchesDropped, colorReset)
	}
	if status.ResyncsApplied > 0 {
		fmt.Fprintf(w, "%sResyncs:%s          %d\n", colorGray, colorReset, status.ResyncsApplied)
	}
	if status.Restarts > 0 {
		fmt.Fprintf(w, "%sWatcher Restarts:%s %s%d%s\n", colorGray, colorReset, colorYellow, status.Restarts, colorReset)
	}
	if status.Sweeps > 0 {
		fmt.Fprintf(w, "%sSweeps:%s           %d cycles, %d repairs\n", colorGray, colorReset, status.Sweeps, status.Repairs)
	}

	return nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// isTerminal reports whether the writer is an interactive terminal.
func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// terminalWidth returns the terminal width, or a fallback when unknown.
func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return WatchPathDisplayWidth
}

// truncatePath shortens a path for single-line display, keeping the tail.
func truncatePath(path string, max int) string {
	if max < 16 {
		max = 16
	}
	if len(path) <= max {
		return path
	}
	return "..." + path[len(path)-max+3:]
}
