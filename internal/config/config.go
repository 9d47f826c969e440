// Package config loads vvsync settings from a TOML file with
// environment variable overrides for the secrets that must never land
// on disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Provider names accepted in the config file.
const (
	ProviderFirestore = "firestore"
	ProviderSQLite    = "sqlite"
)

// Config is the root vvsync configuration.
type Config struct {
	// Provider selects the sync backend: "firestore" or "sqlite".
	Provider string `toml:"provider"`

	Store     StoreConfig     `toml:"store"`
	Firestore FirestoreConfig `toml:"firestore"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Signaling SignalingConfig `toml:"signaling"`
	Sync      SyncConfig      `toml:"sync"`
	Log       LogConfig       `toml:"log"`

	// Password and ShareCode come only from the environment
	// (VVSYNC_PASSWORD, VVSYNC_SHARE_CODE) or flags, never the file.
	Password  string `toml:"-"`
	ShareCode string `toml:"-"`
}

// StoreConfig locates the local budget database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// FirestoreConfig holds cloud backend settings.
type FirestoreConfig struct {
	ProjectID       string `toml:"project_id"`
	CredentialsFile string `toml:"credentials_file"`
}

// SQLiteConfig holds self-hosted backend settings.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// SignalingConfig holds relay client settings.
type SignalingConfig struct {
	Enabled              bool     `toml:"enabled"`
	URL                  string   `toml:"url"`
	DeviceID             string   `toml:"device_id"`
	HeartbeatInterval    duration `toml:"heartbeat_interval"`
	ReconnectInterval    duration `toml:"reconnect_interval"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	Interval       duration `toml:"interval"`
	HighDebounce   duration `toml:"high_debounce"`
	NormalDebounce duration `toml:"normal_debounce"`
	Timeout        duration `toml:"timeout"`
	BackupDir      string   `toml:"backup_dir"`
	BackupKeep     int      `toml:"backup_keep"`
	// ChunkThreshold overrides the per-collection record limit before
	// chunked upload. Zero keeps the provider default.
	ChunkThreshold int `toml:"chunk_threshold"`
}

// LogConfig controls daemon log output.
type LogConfig struct {
	// File enables rotated file logging when non-empty; otherwise
	// logs go to stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration parses TOML strings like "30s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Default returns the baseline configuration, rooted under the user's
// home directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".vvsync")
	return &Config{
		Provider: ProviderSQLite,
		Store:    StoreConfig{Path: filepath.Join(base, "budget.db")},
		SQLite:   SQLiteConfig{Path: filepath.Join(base, "sync.db")},
		Signaling: SignalingConfig{
			Enabled:              false,
			HeartbeatInterval:    duration(30 * time.Second),
			ReconnectInterval:    duration(5 * time.Second),
			MaxReconnectAttempts: 10,
		},
		Sync: SyncConfig{
			Interval:       duration(5 * time.Minute),
			HighDebounce:   duration(1 * time.Second),
			NormalDebounce: duration(10 * time.Second),
			Timeout:        duration(60 * time.Second),
			BackupDir:      filepath.Join(base, "backups"),
			BackupKeep:     10,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".vvsync", "config.toml")
}

// Load reads path over the defaults and applies environment
// overrides. A missing file is not an error; the defaults plus
// environment stand alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VVSYNC_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("VVSYNC_SHARE_CODE"); v != "" {
		cfg.ShareCode = v
	}
	if v := os.Getenv("VVSYNC_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("VVSYNC_FIRESTORE_PROJECT"); v != "" {
		cfg.Firestore.ProjectID = v
	}
	if v := os.Getenv("VVSYNC_FIRESTORE_CREDENTIALS"); v != "" {
		cfg.Firestore.CredentialsFile = v
	}
	if v := os.Getenv("VVSYNC_SIGNALING_URL"); v != "" {
		cfg.Signaling.URL = v
		cfg.Signaling.Enabled = true
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderFirestore:
		if c.Firestore.ProjectID == "" {
			return errors.New("config: firestore provider needs a project_id")
		}
	case ProviderSQLite:
		if c.SQLite.Path == "" {
			return errors.New("config: sqlite provider needs a path")
		}
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	if c.Store.Path == "" {
		return errors.New("config: store path must not be empty")
	}
	if c.Signaling.Enabled && c.Signaling.URL == "" {
		return errors.New("config: signaling enabled without a url")
	}
	return nil
}
