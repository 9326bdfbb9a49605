// Package orchestrator drives a charge from intent to a terminal ledger state.
//
// Ordering: the pending record is stored before the gateway is called. Any
// gateway failure marks the record failed before the error is returned, so no
// record is left pending behind a real card attempt.
package orchestrator

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ashendes/card-payments/internal/gateway"
	"github.com/ashendes/card-payments/internal/ledger"
	"github.com/ashendes/card-payments/internal/metrics"
	"github.com/ashendes/card-payments/internal/models"
	"github.com/ashendes/card-payments/internal/patterns"
)

// Ledger is the part of the transaction ledger the orchestrator drives
type Ledger interface {
	Create(ctx context.Context, intent models.ChargeIntent, opts ...ledger.CreateOption) (*models.Transaction, error)
	MarkCompleted(ctx context.Context, id, gatewayReference string) (*models.Transaction, error)
	MarkFailed(ctx context.Context, id string) (*models.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
}

// Gateway charges cards
type Gateway interface {
	Charge(ctx context.Context, req *gateway.ChargeRequest) (gateway.ChargeResult, error)
}

// Orchestrator coordinates the ledger and the gateway for one charge at a time
type Orchestrator struct {
	ledger  Ledger
	gateway Gateway
	logger  log.FieldLogger
}

// New creates an orchestrator
func New(l Ledger, g Gateway, logger log.FieldLogger) *Orchestrator {
	return &Orchestrator{ledger: l, gateway: g, logger: logger}
}

// Charge records intent, charges the card and returns the completed
// transaction. Failures are *models.StorageError (nothing was charged, or the
// outcome could not be recorded) or *models.UpstreamChargeError (the record
// is failed).
//
// A non-empty idempotencyKey that was seen before never calls the gateway
// again. A completed charge is returned as is, a failed one yields
// *models.UpstreamChargeError with CauseReplayedFailure and a pending one
// yields *models.ChargeInProgressError. Reusing a key for a different amount,
// currency or customer is a *models.ValidationError.
func (o *Orchestrator) Charge(ctx context.Context, intent models.ChargeIntent, idempotencyKey string) (*models.Transaction, error) {
	if idempotencyKey != "" {
		existing, err := o.replay(ctx, intent, idempotencyKey)
		if existing != nil || err != nil {
			return existing, err
		}
	}

	// Built before the record exists so an unrepresentable amount leaves
	// nothing pending.
	req, err := gateway.NewChargeRequest(intent)
	if err != nil {
		return nil, &models.ValidationError{Fields: []models.FieldViolation{
			{Field: "amount", Message: "is out of range"},
		}}
	}
	defer req.Wipe()

	tx, err := o.ledger.Create(ctx, intent, ledger.WithIdempotencyKey(idempotencyKey))
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			// Lost a race with a concurrent request using the same key.
			existing, replayErr := o.replay(ctx, intent, idempotencyKey)
			if existing == nil && replayErr == nil {
				replayErr = &models.StorageError{Op: "create", Err: err}
			}
			return existing, replayErr
		}
		metrics.ChargesTotal.WithLabelValues("rejected", "storage").Inc()
		return nil, err
	}

	logger := o.logger.WithField("transaction_id", tx.ID)
	logger.Info("Starting charge with gateway")

	result, chargeErr := o.gateway.Charge(ctx, req)
	req.Wipe()

	// The caller's context may have expired during the charge; the outcome
	// still has to be recorded.
	recordCtx, cancel := patterns.Detached(ctx, patterns.DetachedTimeout)
	defer cancel()

	if chargeErr != nil {
		upstream := asUpstream(chargeErr)
		metrics.ChargesTotal.WithLabelValues("failed", string(upstream.Cause)).Inc()

		logger.WithFields(log.Fields{
			"cause":       upstream.Cause,
			"status_code": upstream.StatusCode,
		}).Error("Charge failed, marking transaction failed")

		if _, err := o.ledger.MarkFailed(recordCtx, tx.ID); err != nil {
			logger.WithError(err).Error("Failed to mark transaction failed")
		}
		return nil, upstream
	}

	completed, err := o.ledger.MarkCompleted(recordCtx, tx.ID, result.GatewayReference)
	if err != nil {
		metrics.ChargesTotal.WithLabelValues("unrecorded", "storage").Inc()
		logger.WithFields(log.Fields{
			"gateway_reference": result.GatewayReference,
		}).WithError(err).Error("Charge succeeded but transaction could not be completed")
		return nil, err
	}

	metrics.ChargesTotal.WithLabelValues("completed", "").Inc()
	amount, _ := completed.Amount.Float64()
	metrics.PaymentAmount.WithLabelValues(completed.Currency).Observe(amount)

	logger.WithField("gateway_reference", *completed.GatewayReference).Info("Charge completed")
	return completed, nil
}

// replay resolves a key that was already used. It returns (nil, nil) when
// key is unknown.
func (o *Orchestrator) replay(ctx context.Context, intent models.ChargeIntent, key string) (*models.Transaction, error) {
	existing, err := o.ledger.FindByIdempotencyKey(ctx, key)
	if err != nil {
		var notFound *models.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}

	logger := o.logger.WithFields(log.Fields{
		"transaction_id": existing.ID,
		"status":         existing.Status,
	})

	if !sameCharge(existing, intent) {
		metrics.ChargesTotal.WithLabelValues("rejected", "idempotency_mismatch").Inc()
		logger.Warn("Idempotency key reused for a different payment")
		return nil, &models.ValidationError{Fields: []models.FieldViolation{
			{Field: "Idempotency-Key", Message: "was already used for a different payment"},
		}}
	}

	metrics.IdempotentReplays.Inc()
	logger.Info("Idempotency key already used, replaying outcome")

	switch existing.Status {
	case models.TransactionStatusCompleted:
		return existing, nil
	case models.TransactionStatusFailed:
		return nil, &models.UpstreamChargeError{Cause: models.CauseReplayedFailure}
	default:
		return nil, &models.ChargeInProgressError{ID: existing.ID}
	}
}

// sameCharge reports whether tx was created from an intent equivalent to intent
func sameCharge(tx *models.Transaction, intent models.ChargeIntent) bool {
	return tx.Amount.Equal(intent.Amount) &&
		strings.EqualFold(tx.Currency, strings.TrimSpace(intent.Currency)) &&
		tx.CustomerEmail == strings.TrimSpace(intent.CustomerEmail)
}

func asUpstream(err error) *models.UpstreamChargeError {
	var upstream *models.UpstreamChargeError
	if errors.As(err, &upstream) {
		return upstream
	}
	return &models.UpstreamChargeError{Cause: models.CauseTransport}
}
