// Package cmd provides CLI commands for the canopy explorer.
package cmd

import (
	"io"
	"log/slog"

	"github.com/adalundhe/canopy/core/config"
	"github.com/adalundhe/canopy/core/explorer"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "canopy",
	Short: "Canopy - a live directory tree for the terminal",
	Long: `Canopy mirrors a directory tree in memory and keeps the mirror consistent
as the filesystem changes underneath it. Directories materialize lazily as
they are expanded, and filesystem events are debounced into ordered change
batches instead of rescans.`,
}

func Execute() error {
	return rootCmd.Execute()
}

// =============================================================================
// Shared Helpers
// =============================================================================

// loadRuntimeConfig loads the layered configuration for a watched root and
// returns a private copy the command may mutate with flag overrides.
func loadRuntimeConfig(root string) (*config.Config, *config.Manager, error) {
	mgr := config.NewManager(root)
	if err := mgr.Load(); err != nil {
		return nil, nil, err
	}

	cfg := *mgr.Get()
	return &cfg, mgr, nil
}

// buildLogger constructs the command logger from the log config section.
func buildLogger(cfg *config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// explorerConfig maps the file/env configuration onto the explorer's own
// config struct. A disabled sweeper travels as a negative interval.
func explorerConfig(cfg *config.Config, logger *slog.Logger) explorer.ExplorerConfig {
	sweep := cfg.Watch.SweepInterval
	if !cfg.Watch.SweepEnabled {
		sweep = -1
	}

	return explorer.ExplorerConfig{
		IgnorePatterns:   cfg.Watch.IgnorePatterns,
		QuietPeriod:      cfg.Watch.QuietPeriod,
		SweepInterval:    sweep,
		SignalBufferSize: cfg.Watch.SignalBuffer,
		QueueSize:        cfg.Watch.QueueSize,
		ListingTTL:       cfg.Tree.ListingTTL,
		RestartDelay:     cfg.Watch.RestartDelay,
		Logger:           logger,
	}
}
