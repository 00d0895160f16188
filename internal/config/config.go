package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

type ImportConfig struct {
	// SessionDirs are the directories scanned for *.jsonl session logs.
	SessionDirs []string `json:"session_dirs"`
	// MaxLineBytes caps a single session-log line during import.
	MaxLineBytes int `json:"max_line_bytes"`
	// WatchDebounceMS coalesces bursts of file-change notifications.
	WatchDebounceMS int `json:"watch_debounce_ms"`
}

type UsageConfig struct {
	// OverviewDays is the default trailing window for usage overviews.
	OverviewDays int `json:"overview_days"`
	// RecentModelDays bounds the per-day model breakdown in overviews.
	RecentModelDays int `json:"recent_model_days"`
}

type Config struct {
	DBPath string `json:"db_path"`
	// SocketPath is where the serve command listens.
	SocketPath string `json:"socket_path"`
	// PermissionTimeoutSeconds bounds an unanswered permission prompt.
	// Zero means prompts never expire.
	PermissionTimeoutSeconds int          `json:"permission_timeout_seconds"`
	Import                   ImportConfig `json:"import"`
	Usage                    UsageConfig  `json:"usage"`
	Verbose                  bool         `json:"verbose"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:     filepath.Join(ConfigDir(), "runledger.db"),
		SocketPath: defaultSocketPath(),
		Import: ImportConfig{
			SessionDirs:     defaultSessionDirs(),
			MaxLineBytes:    10 * 1024 * 1024,
			WatchDebounceMS: 500,
		},
		Usage: UsageConfig{
			OverviewDays:    30,
			RecentModelDays: 30,
		},
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "runledger")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "runledger")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

func defaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\runledger`
	}
	return filepath.Join(os.TempDir(), "runledger.sock")
}

func defaultSessionDirs() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".claude", "projects")}
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if cfg.DBPath == "" {
		cfg.DBPath = defaults.DBPath
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaults.SocketPath
	}
	if cfg.PermissionTimeoutSeconds < 0 {
		cfg.PermissionTimeoutSeconds = 0
	}
	if cfg.Import.MaxLineBytes <= 0 {
		cfg.Import.MaxLineBytes = defaults.Import.MaxLineBytes
	}
	if cfg.Import.WatchDebounceMS <= 0 {
		cfg.Import.WatchDebounceMS = defaults.Import.WatchDebounceMS
	}
	if len(cfg.Import.SessionDirs) == 0 {
		cfg.Import.SessionDirs = defaults.Import.SessionDirs
	}
	if cfg.Usage.OverviewDays <= 0 {
		cfg.Usage.OverviewDays = defaults.Usage.OverviewDays
	}
	if cfg.Usage.RecentModelDays <= 0 {
		cfg.Usage.RecentModelDays = defaults.Usage.RecentModelDays
	}

	return cfg, nil
}

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
