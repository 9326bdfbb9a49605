package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ashendes/card-payments/internal/api"
	"github.com/ashendes/card-payments/internal/config"
	"github.com/ashendes/card-payments/internal/gateway"
	"github.com/ashendes/card-payments/internal/ledger"
	"github.com/ashendes/card-payments/internal/orchestrator"
	"github.com/ashendes/card-payments/internal/validation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payments HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.Log.NewLogger()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("Error closing ledger store")
		}
	}()

	gatewayClient, err := gateway.NewClient(gateway.Config{
		Username:      cfg.Gateway.Username,
		Password:      cfg.Gateway.Password,
		TokenURL:      cfg.Gateway.TokenURL,
		ChargeURL:     cfg.Gateway.ChargeURL,
		Timeout:       cfg.Gateway.Timeout,
		MaxConcurrent: cfg.Gateway.MaxConcurrent,
		CAFile:        cfg.Gateway.CAFile,
	}, logger)
	if err != nil {
		return err
	}

	txLedger := ledger.New(store, logger)
	payments := orchestrator.New(txLedger, gatewayClient, logger)
	handler := api.NewHandler(payments, txLedger, validation.New(), logger)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, cfg.HTTP.AllowedOrigins),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Gateway.Timeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":        cfg.HTTP.Addr,
			"store":       cfg.Store.Driver,
			"gateway_url": cfg.Gateway.ChargeURL,
		}).Info("Payments API starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down payments API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
