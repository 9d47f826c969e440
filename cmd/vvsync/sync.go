package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/store"
	budgetsync "github.com/thef4tdaddy/violet-vault-sub015/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Run a single bidirectional sync cycle against the configured backend.

The cycle loads the remote snapshot, compares timestamps with the local
database, then uploads local changes or applies the newer remote state.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger := newLogger(cfg, "[sync] ")

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

		orch := budgetsync.NewOrchestrator(db, provider, nil, budgetsync.Options{
			Timeout:    cfg.Sync.Timeout.Std(),
			BackupDir:  cfg.Sync.BackupDir,
			BackupKeep: cfg.Sync.BackupKeep,
			Logger:     logger,
		})

		res := orch.ForceSync(ctx)
		if res.Err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed (%s): %v\n", res.Err.Category, res.Err.Err)
			os.Exit(1)
		}
		switch res.Direction {
		case budgetsync.DirectionUpload:
			fmt.Printf("Uploaded local changes (lastModified %d)\n", res.Timestamp)
		case budgetsync.DirectionDownload:
			fmt.Printf("Downloaded remote changes (lastModified %d)\n", res.Timestamp)
		default:
			fmt.Println("Already in sync")
		}
	},
}
