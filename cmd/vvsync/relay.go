package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	signalrelay "github.com/thef4tdaddy/violet-vault-sub015/internal/signal"
)

var relayPort int

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a self-hosted signaling relay",
	Long: `Run the WebSocket signaling relay that fans change notifications out
between devices sharing a budget. The relay only ever sees sanitized
signal envelopes; budget data never passes through it.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logger := newLogger(cfg, "[relay] ")

		relay := signalrelay.NewRelay(&signalrelay.RelayConfig{
			Port:   relayPort,
			Logger: logger,
		})
		if err := relay.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting relay: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Signaling relay listening on %s\n", relay.Addr())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		if err := relay.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping relay: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	relayCmd.Flags().IntVar(&relayPort, "port", 8765, "port to listen on")
}
