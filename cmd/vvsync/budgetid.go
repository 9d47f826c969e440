package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/crypto"
)

var budgetIDCmd = &cobra.Command{
	Use:   "budget-id",
	Short: "Print the shared budget id for the configured credentials",
	Long: `Derive and print the budget id from the password and share code.

Every device with the same credentials derives the same id, which is
the rendezvous point on the sync backend and the signaling relay. The
id reveals nothing about the password or share code.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if cfg.Password == "" || cfg.ShareCode == "" {
			fmt.Fprintf(os.Stderr, "Error: password and share code required\n")
			os.Exit(1)
		}

		id, err := crypto.GenerateBudgetID(cfg.Password, cfg.ShareCode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(id)
	},
}
