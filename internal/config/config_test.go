package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Provider != ProviderSQLite {
		t.Errorf("default provider = %q", cfg.Provider)
	}
	if cfg.Sync.Interval.Std() != 5*time.Minute {
		t.Errorf("interval = %s", cfg.Sync.Interval.Std())
	}
	if cfg.Sync.HighDebounce.Std() != time.Second || cfg.Sync.NormalDebounce.Std() != 10*time.Second {
		t.Errorf("debounce = %s / %s", cfg.Sync.HighDebounce.Std(), cfg.Sync.NormalDebounce.Std())
	}
	if cfg.Signaling.HeartbeatInterval.Std() != 30*time.Second {
		t.Errorf("heartbeat = %s", cfg.Signaling.HeartbeatInterval.Std())
	}
	if cfg.Signaling.MaxReconnectAttempts != 10 {
		t.Errorf("max reconnects = %d", cfg.Signaling.MaxReconnectAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
provider = "firestore"

[store]
path = "/tmp/vv/budget.db"

[firestore]
project_id = "violet-vault-prod"
credentials_file = "/tmp/vv/creds.json"

[signaling]
enabled = true
url = "wss://relay.example.com/ws"
heartbeat_interval = "15s"

[sync]
interval = "2m"
backup_keep = 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != ProviderFirestore || cfg.Firestore.ProjectID != "violet-vault-prod" {
		t.Errorf("firestore config = %+v", cfg.Firestore)
	}
	if cfg.Signaling.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("heartbeat = %s", cfg.Signaling.HeartbeatInterval.Std())
	}
	if cfg.Sync.Interval.Std() != 2*time.Minute || cfg.Sync.BackupKeep != 5 {
		t.Errorf("sync config = %+v", cfg.Sync)
	}
	// Unset fields keep their defaults.
	if cfg.Sync.HighDebounce.Std() != time.Second {
		t.Errorf("high debounce = %s", cfg.Sync.HighDebounce.Std())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider != ProviderSQLite {
		t.Errorf("provider = %q", cfg.Provider)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VVSYNC_PASSWORD", "hunter2")
	t.Setenv("VVSYNC_SHARE_CODE", "FAMILY2024")
	t.Setenv("VVSYNC_PROVIDER", "firestore")
	t.Setenv("VVSYNC_FIRESTORE_PROJECT", "vv-env-project")
	t.Setenv("VVSYNC_SIGNALING_URL", "wss://relay.env.example/ws")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Password != "hunter2" || cfg.ShareCode != "FAMILY2024" {
		t.Error("credentials not taken from environment")
	}
	if cfg.Provider != ProviderFirestore || cfg.Firestore.ProjectID != "vv-env-project" {
		t.Errorf("provider config = %q / %+v", cfg.Provider, cfg.Firestore)
	}
	if !cfg.Signaling.Enabled || cfg.Signaling.URL != "wss://relay.env.example/ws" {
		t.Errorf("signaling = %+v", cfg.Signaling)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown provider":   func(c *Config) { c.Provider = "dropbox" },
		"firestore no project": func(c *Config) {
			c.Provider = ProviderFirestore
			c.Firestore.ProjectID = ""
		},
		"empty store path":    func(c *Config) { c.Store.Path = "" },
		"signaling without url": func(c *Config) {
			c.Signaling.Enabled = true
			c.Signaling.URL = ""
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("provider = [broken"), 0o600)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
