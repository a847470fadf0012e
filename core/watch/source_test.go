//go:build fswatch

package watch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// =============================================================================
// Test Helpers
// =============================================================================

// startTestSource creates and starts a source over a fresh temp root.
func startTestSource(t *testing.T, patterns []string) (*EventSource, string) {
	t.Helper()

	root := t.TempDir()

	var filter *Filter
	if patterns != nil {
		var err error
		filter, err = NewFilter(patterns)
		if err != nil {
			t.Fatalf("NewFilter failed: %v", err)
		}
	}

	src, err := NewEventSource(SourceConfig{Root: root, Filter: filter})
	if err != nil {
		t.Fatalf("NewEventSource failed: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	return src, root
}

// writeTestFile creates a file with throwaway content.
func writeTestFile(t *testing.T, path string) {
	t.Helper()

	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

// waitForSignal waits until a signal matching the predicate arrives.
func waitForSignal(t *testing.T, signals <-chan ChangeSignal, what string, match func(ChangeSignal) bool) ChangeSignal {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				t.Fatalf("signal channel closed while waiting for %s", what)
			}
			if match(sig) {
				return sig
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// expectNoSignalFor asserts that no signal under the given path arrives.
func expectNoSignalFor(t *testing.T, signals <-chan ChangeSignal, path string, window time.Duration) {
	t.Helper()

	deadline := time.After(window)
	for {
		select {
		case sig := <-signals:
			if sig.Path == path || filepath.Dir(sig.Path) == path {
				t.Fatalf("unexpected signal %v %q", sig.Kind, sig.Path)
			}
		case <-deadline:
			return
		}
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestNewEventSourceValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewEventSource(SourceConfig{}); !errors.Is(err, ErrNoRootConfigured) {
		t.Errorf("empty root error = %v, want ErrNoRootConfigured", err)
	}

	if _, err := NewEventSource(SourceConfig{Root: "/does/not/exist"}); !errors.Is(err, ErrRootNotExist) {
		t.Errorf("missing root error = %v, want ErrRootNotExist", err)
	}

	file := filepath.Join(t.TempDir(), "plain.txt")
	writeTestFile(t, file)
	if _, err := NewEventSource(SourceConfig{Root: file}); !errors.Is(err, ErrRootNotDirectory) {
		t.Errorf("file root error = %v, want ErrRootNotDirectory", err)
	}
}

func TestEventSourceDoubleStart(t *testing.T) {
	t.Parallel()

	src, _ := startTestSource(t, nil)
	if err := src.Start(); !errors.Is(err, ErrSourceAlreadyStarted) {
		t.Errorf("second Start error = %v, want ErrSourceAlreadyStarted", err)
	}
}

// =============================================================================
// Signal Translation Tests
// =============================================================================

func TestEventSourceEmitsCreate(t *testing.T) {
	t.Parallel()

	src, root := startTestSource(t, nil)
	target := filepath.Join(root, "new.txt")
	writeTestFile(t, target)

	sig := waitForSignal(t, src.Signals(), "create signal", func(s ChangeSignal) bool {
		return s.Path == target && s.Kind == KindCreated
	})
	if sig.IsDir {
		t.Error("file create flagged as directory")
	}
}

func TestEventSourceEmitsModify(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := filepath.Join(root, "existing.txt")
	writeTestFile(t, target)

	src, err := NewEventSource(SourceConfig{Root: root})
	if err != nil {
		t.Fatalf("NewEventSource failed: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	if err := os.WriteFile(target, []byte("updated"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	waitForSignal(t, src.Signals(), "modify signal", func(s ChangeSignal) bool {
		return s.Path == target && s.Kind == KindModified
	})
}

func TestEventSourceEmitsDelete(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := filepath.Join(root, "doomed.txt")
	writeTestFile(t, target)

	src, err := NewEventSource(SourceConfig{Root: root})
	if err != nil {
		t.Fatalf("NewEventSource failed: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	if err := os.Remove(target); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	sig := waitForSignal(t, src.Signals(), "delete signal", func(s ChangeSignal) bool {
		return s.Path == target && s.Kind == KindDeleted
	})
	if sig.IsDir {
		t.Error("file delete flagged as directory")
	}
}

func TestEventSourceDeleteDirectoryFlagsIsDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sub := filepath.Join(root, "subdir")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	src, err := NewEventSource(SourceConfig{Root: root})
	if err != nil {
		t.Fatalf("NewEventSource failed: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	if got := src.WatchedDirs(); got != 2 {
		t.Fatalf("WatchedDirs() = %d, want 2 (root and subdir)", got)
	}

	if err := os.Remove(sub); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	sig := waitForSignal(t, src.Signals(), "directory delete", func(s ChangeSignal) bool {
		return s.Path == sub && s.Kind == KindDeleted
	})
	if !sig.IsDir {
		t.Error("directory delete not flagged as directory")
	}
}

func TestEventSourceRenameDegradesToDeleteCreate(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	oldPath := filepath.Join(root, "before.txt")
	newPath := filepath.Join(root, "after.txt")
	writeTestFile(t, oldPath)

	src, err := NewEventSource(SourceConfig{Root: root})
	if err != nil {
		t.Fatalf("NewEventSource failed: %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = src.Stop() })

	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	waitForSignal(t, src.Signals(), "delete of old path", func(s ChangeSignal) bool {
		return s.Path == oldPath && s.Kind == KindDeleted
	})
	waitForSignal(t, src.Signals(), "create of new path", func(s ChangeSignal) bool {
		return s.Path == newPath && s.Kind == KindCreated
	})
}

// =============================================================================
// Watch Extension Tests
// =============================================================================

func TestEventSourceExtendsWatchToNewDirectories(t *testing.T) {
	t.Parallel()

	src, root := startTestSource(t, nil)

	sub := filepath.Join(root, "fresh")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	sig := waitForSignal(t, src.Signals(), "directory create", func(s ChangeSignal) bool {
		return s.Path == sub && s.Kind == KindCreated
	})
	if !sig.IsDir {
		t.Error("directory create not flagged as directory")
	}

	// Events inside the new directory prove the watch extended.
	inner := filepath.Join(sub, "inner.txt")
	writeTestFile(t, inner)

	waitForSignal(t, src.Signals(), "create inside new directory", func(s ChangeSignal) bool {
		return s.Path == inner && s.Kind == KindCreated
	})
}

func TestEventSourceAnnouncesPreexistingContents(t *testing.T) {
	t.Parallel()

	src, root := startTestSource(t, nil)

	// Build a populated directory outside the root, then move it in. Its
	// contents existed before any watch could cover them, so the source has
	// to announce them itself.
	staging := filepath.Join(t.TempDir(), "staged")
	if err := os.Mkdir(staging, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	writeTestFile(t, filepath.Join(staging, "payload.txt"))

	landed := filepath.Join(root, "staged")
	if err := os.Rename(staging, landed); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	waitForSignal(t, src.Signals(), "create of moved directory", func(s ChangeSignal) bool {
		return s.Path == landed && s.Kind == KindCreated && s.IsDir
	})
	waitForSignal(t, src.Signals(), "announcement of carried contents", func(s ChangeSignal) bool {
		return s.Path == filepath.Join(landed, "payload.txt") && s.Kind == KindCreated
	})
}

// =============================================================================
// Filtering Tests
// =============================================================================

func TestEventSourceIgnoresFilteredPaths(t *testing.T) {
	t.Parallel()

	src, root := startTestSource(t, []string{".git"})

	gitDir := filepath.Join(root, ".git")
	if err := os.Mkdir(gitDir, 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	writeTestFile(t, filepath.Join(gitDir, "config"))

	expectNoSignalFor(t, src.Signals(), gitDir, 300*time.Millisecond)

	// A visible file still comes through, proving the pipeline is alive.
	visible := filepath.Join(root, "visible.txt")
	writeTestFile(t, visible)

	waitForSignal(t, src.Signals(), "visible create", func(s ChangeSignal) bool {
		return s.Path == visible && s.Kind == KindCreated
	})
}

// =============================================================================
// Shutdown Tests
// =============================================================================

func TestEventSourceStopClosesChannels(t *testing.T) {
	t.Parallel()

	src, _ := startTestSource(t, nil)

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-src.Signals():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("signal channel not closed after Stop")
		}
	}
}
