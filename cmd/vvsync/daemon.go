package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/store"
	budgetsync "github.com/thef4tdaddy/violet-vault-sub015/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run vvsync as a long-lived daemon.

The daemon watches the local budget database for writes, debounces
bursts of edits into single sync cycles, syncs periodically in the
background, and reacts to change signals from other devices when
signaling is enabled.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger := newLogger(cfg, "[daemon] ")

		key, budgetID, err := identity(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		db, err := store.Open(cfg.Store.Path, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening budget database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		provider, err := buildProvider(ctx, cfg, budgetID, key, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening sync backend: %v\n", err)
			os.Exit(1)
		}
		defer provider.Close()

		var signaler budgetsync.Signaler
		if c := buildSignaler(cfg, budgetID, logger); c != nil {
			signaler = c
		}

		orch := budgetsync.NewOrchestrator(db, provider, signaler, budgetsync.Options{
			HighDebounce:   cfg.Sync.HighDebounce.Std(),
			NormalDebounce: cfg.Sync.NormalDebounce.Std(),
			Interval:       cfg.Sync.Interval.Std(),
			Timeout:        cfg.Sync.Timeout.Std(),
			BackupDir:      cfg.Sync.BackupDir,
			BackupKeep:     cfg.Sync.BackupKeep,
			Logger:         logger,
		})
		if err := orch.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer orch.Stop()

		watcher, err := watchStore(db.Path(), orch, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error watching database: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Close()

		logger.Printf("daemon running for %s (provider %s)", budgetID, cfg.Provider)

		// Sync once on startup so a fresh device pulls immediately.
		orch.ScheduleSync(budgetsync.PriorityHigh)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Printf("received %s, shutting down", sig)
	},
}

// watchStore schedules a sync whenever another process writes the
// budget database. SQLite under WAL touches the -wal sidecar on every
// write, so the whole directory is watched and filtered by prefix.
func watchStore(dbPath string, orch *budgetsync.Orchestrator, logger interface{ Printf(string, ...any) }) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(dbPath)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(event.Name), base) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				orch.ScheduleSync(budgetsync.PriorityNormal)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("watcher error: %v", err)
			}
		}
	}()
	return watcher, nil
}
