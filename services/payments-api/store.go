package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ashendes/card-payments/internal/config"
	"github.com/ashendes/card-payments/internal/ledger"
)

// openStore connects the configured ledger store and creates its schema
func openStore(ctx context.Context, cfg config.StoreConfig, logger log.FieldLogger) (ledger.Store, error) {
	var (
		store ledger.Store
		err   error
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		store, err = ledger.OpenPostgres(ctx, cfg.DSN(), cfg.ConnectAttempts, logger)
	case config.DriverSQLite:
		store, err = ledger.OpenSQLite(cfg.SQLitePath)
	case config.DriverMongo:
		store, err = ledger.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.DriverMemory:
		logger.Warn("Using in-memory store; transactions are lost on restart")
		store = ledger.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Driver, err)
	}

	logger.WithField("driver", cfg.Driver).Info("Ledger store ready")
	return store, nil
}
