package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/store"
	budgetsync "github.com/thef4tdaddy/violet-vault-sub015/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local and remote sync state",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger := newLogger(cfg, "[status] ")

		db, err := store.Open(cfg.Store.Path, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening budget database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		local, err := db.FetchSnapshot(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading local state: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Local database: %s\n", cfg.Store.Path)
		fmt.Printf("  Records:      %d\n", local.RecordCount())
		for _, name := range budgetsync.CollectionNames {
			records, _ := local.Collection(name)
			if len(records) > 0 {
				fmt.Printf("    %-16s %d\n", name, len(records))
			}
		}
		fmt.Printf("  Last modified: %s\n", formatMillis(local.LastModified))

		key, budgetID, err := identity(cfg)
		if err != nil {
			fmt.Printf("Remote: not checked (%v)\n", err)
			return
		}
		fmt.Printf("Budget id: %s\n", budgetID)

		provider, err := buildProvider(ctx, cfg, budgetID, key, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening sync backend: %v\n", err)
			os.Exit(1)
		}
		defer provider.Close()

		res := provider.Load(ctx)
		if res.Err != nil {
			fmt.Printf("Remote: unreachable (%s: %v)\n", res.Err.Category, res.Err.Err)
			os.Exit(1)
		}
		if res.Data == nil {
			fmt.Println("Remote: no snapshot uploaded yet")
			return
		}
		fmt.Printf("Remote snapshot:\n")
		fmt.Printf("  Records:       %d\n", res.Data.RecordCount())
		fmt.Printf("  Last modified: %s\n", formatMillis(res.Data.LastModified))
		fmt.Printf("  Direction:     %s\n", budgetsync.DecideDirection(local, res.Data))
	},
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format(time.RFC3339)
}
