package main

import (
	"context"
	"encoding/json"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ashendes/card-payments/internal/config"
	"github.com/ashendes/card-payments/internal/ledger"
)

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "Inspect recorded transactions",
}

var transactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print all transactions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
			txs, err := l.List(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), txs)
		})
	},
}

var transactionsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print one transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(l *ledger.Ledger) error {
			tx, err := l.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tx)
		})
	},
}

func init() {
	transactionsCmd.AddCommand(transactionsListCmd)
	transactionsCmd.AddCommand(transactionsGetCmd)
}

func withLedger(ctx context.Context, fn func(*ledger.Ledger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Keep stdout clean for the JSON output.
	logger := cfg.Log.NewLogger()
	logger.SetLevel(log.WarnLevel)

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	return fn(ledger.New(store, logger))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
