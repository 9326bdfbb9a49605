package main

import (
	"github.com/spf13/cobra"

	"github.com/ashendes/card-payments/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger tables and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := cfg.Log.NewLogger()

		store, err := openStore(cmd.Context(), cfg.Store, logger)
		if err != nil {
			return err
		}
		return store.Close(cmd.Context())
	},
}
