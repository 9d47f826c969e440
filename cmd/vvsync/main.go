// vvsync is the VioletVault sync daemon and CLI. It keeps a local
// encrypted budget database in step with a shared backend (Firestore
// or a self-hosted SQLite document store) and relays change signals
// between devices over WebSocket.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/config"
	"github.com/thef4tdaddy/violet-vault-sub015/internal/crypto"
	"github.com/thef4tdaddy/violet-vault-sub015/internal/signal"
	budgetsync "github.com/thef4tdaddy/violet-vault-sub015/internal/sync"
	"github.com/thef4tdaddy/violet-vault-sub015/internal/sync/firestore"
	"github.com/thef4tdaddy/violet-vault-sub015/internal/sync/sqlitedoc"
)

var (
	flagConfig    string
	flagPassword  string
	flagShareCode string
)

var rootCmd = &cobra.Command{
	Use:   "vvsync",
	Short: "End-to-end encrypted budget sync",
	Long: `vvsync synchronizes a local VioletVault budget database with a shared
backend. All budget data is encrypted on this device before upload;
the backend and the signaling relay only ever see ciphertext.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath(),
		"config file path")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", "",
		"budget password (prefer VVSYNC_PASSWORD)")
	rootCmd.PersistentFlags().StringVar(&flagShareCode, "share-code", "",
		"budget share code (prefer VVSYNC_SHARE_CODE)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(budgetIDCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and folds in credential flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagPassword != "" {
		cfg.Password = flagPassword
	}
	if flagShareCode != "" {
		cfg.ShareCode = flagShareCode
	}
	return cfg, nil
}

// identity derives the key and shared budget id from the configured
// credentials.
func identity(cfg *config.Config) (*crypto.Key, string, error) {
	if cfg.Password == "" {
		return nil, "", fmt.Errorf("no password: set VVSYNC_PASSWORD or --password")
	}
	if cfg.ShareCode == "" {
		return nil, "", fmt.Errorf("no share code: set VVSYNC_SHARE_CODE or --share-code")
	}
	budgetID, err := crypto.GenerateBudgetID(cfg.Password, cfg.ShareCode)
	if err != nil {
		return nil, "", err
	}
	key, err := crypto.DeriveKey(cfg.Password)
	if err != nil {
		return nil, "", err
	}
	return key, budgetID, nil
}

// buildProvider opens the configured sync backend and binds it to the
// budget scope.
func buildProvider(ctx context.Context, cfg *config.Config, budgetID string, key *crypto.Key, logger *log.Logger) (budgetsync.Provider, error) {
	var provider budgetsync.Provider
	switch cfg.Provider {
	case config.ProviderFirestore:
		p, err := firestore.New(ctx, firestore.Config{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		provider = p
	case config.ProviderSQLite:
		p, err := sqlitedoc.Open(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	if err := provider.Initialize(ctx, budgetID, key); err != nil {
		provider.Close()
		return nil, err
	}
	if cfg.Sync.ChunkThreshold > 0 {
		if t, ok := provider.(interface{ SetChunkThreshold(int) }); ok {
			t.SetChunkThreshold(cfg.Sync.ChunkThreshold)
		}
	}
	return provider, nil
}

// buildSignaler returns the relay client, or nil when signaling is
// disabled.
func buildSignaler(cfg *config.Config, budgetID string, logger *log.Logger) *signal.Client {
	if !cfg.Signaling.Enabled {
		return nil
	}
	deviceID := cfg.Signaling.DeviceID
	if deviceID == "" {
		if host, err := os.Hostname(); err == nil {
			deviceID = host
		} else {
			deviceID = "vvsync"
		}
	}
	return signal.NewClient(signal.Config{
		Enabled:              true,
		URL:                  cfg.Signaling.URL,
		BudgetID:             budgetID,
		DeviceID:             deviceID,
		Version:              budgetsync.SyncVersion,
		HeartbeatInterval:    cfg.Signaling.HeartbeatInterval.Std(),
		ReconnectInterval:    cfg.Signaling.ReconnectInterval.Std(),
		MaxReconnectAttempts: cfg.Signaling.MaxReconnectAttempts,
		Logger:               logger,
	})
}

// newLogger builds the daemon logger, rotating through lumberjack when
// file logging is configured.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}
