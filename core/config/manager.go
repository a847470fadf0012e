package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/adalundhe/canopy/core/tree"
	"github.com/adalundhe/canopy/core/watch"
	"gopkg.in/yaml.v3"
)

type Manager struct {
	configPtr   unsafe.Pointer
	projectRoot string
	watchers    []func(*Config)
	watcherMu   sync.RWMutex
}

type Config struct {
	Watch WatchConfig `yaml:"watch"`
	Tree  TreeConfig  `yaml:"tree"`
	Log   LogConfig   `yaml:"log"`
}

type WatchConfig struct {
	QuietPeriod    time.Duration `yaml:"quiet_period"`
	SweepEnabled   bool          `yaml:"sweep_enabled"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SignalBuffer   int           `yaml:"signal_buffer"`
	QueueSize      int           `yaml:"queue_size"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
}

type TreeConfig struct {
	ListingTTL time.Duration `yaml:"listing_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func NewManager(projectRoot string) *Manager {
	if projectRoot == "" {
		projectRoot = "."
	}
	m := &Manager{projectRoot: projectRoot}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Watch: WatchConfig{
			QuietPeriod:    watch.DefaultQuietPeriod,
			SweepEnabled:   true,
			SweepInterval:  watch.DefaultSweepInterval,
			SignalBuffer:   watch.DefaultSignalBufferSize,
			QueueSize:      watch.DefaultPublisherQueueSize,
			RestartDelay:   watch.DefaultRestartDelay,
			IgnorePatterns: watch.DefaultIgnorePatterns(),
		},
		Tree: TreeConfig{
			ListingTTL: tree.DefaultListingTTL,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := m.loadUserConfig(cfg); err != nil {
		return fmt.Errorf("user config: %w", err)
	}

	if err := m.loadProjectConfig(cfg); err != nil {
		return fmt.Errorf("project config: %w", err)
	}

	if err := m.loadLocalConfig(cfg); err != nil {
		return fmt.Errorf("local config: %w", err)
	}

	m.applyEnvironment(cfg)

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) loadUserConfig(cfg *Config) error {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	return m.loadYAMLFile(filepath.Join(base, "canopy", "config.yaml"), cfg)
}

func (m *Manager) loadProjectConfig(cfg *Config) error {
	return m.loadYAMLFile(filepath.Join(m.projectRoot, ".canopy", "config.yaml"), cfg)
}

func (m *Manager) loadLocalConfig(cfg *Config) error {
	return m.loadYAMLFile(filepath.Join(m.projectRoot, ".canopy", "config.local.yaml"), cfg)
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("CANOPY_QUIET_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watch.QuietPeriod = d
		}
	}
	if v := os.Getenv("CANOPY_SWEEP_ENABLED"); v != "" {
		cfg.Watch.SweepEnabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("CANOPY_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watch.SweepInterval = d
		}
	}
	if v := os.Getenv("CANOPY_SIGNAL_BUFFER"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Watch.SignalBuffer = n
		}
	}
	if v := os.Getenv("CANOPY_QUEUE_SIZE"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Watch.QueueSize = n
		}
	}
	if v := os.Getenv("CANOPY_RESTART_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watch.RestartDelay = d
		}
	}
	if v := os.Getenv("CANOPY_IGNORE_PATTERNS"); v != "" {
		cfg.Watch.IgnorePatterns = splitPatterns(v)
	}
	if v := os.Getenv("CANOPY_LISTING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tree.ListingTTL = d
		}
	}
	if v := os.Getenv("CANOPY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CANOPY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func splitPatterns(s string) []string {
	parts := strings.Split(s, ",")
	patterns := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}
