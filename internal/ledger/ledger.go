// Package ledger owns the lifecycle and durable state of transactions.
//
// A transaction is created in pending and moves exactly once to completed or
// failed. The ledger never talks to the payment gateway.
package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ashendes/card-payments/internal/metrics"
	"github.com/ashendes/card-payments/internal/models"
)

// Ledger applies the transaction state machine on top of a Store
type Ledger struct {
	store  Store
	logger log.FieldLogger
	now    func() time.Time
	newID  func() string

	// precision is the coarsest timestamp resolution the store keeps
	precision   time.Duration
	clockMu     sync.Mutex
	lastCreated time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the time source used for created_at/updated_at
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides transaction id allocation
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// New creates a ledger over store
func New(store Store, logger log.FieldLogger, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },

		precision: defaultTimestampPrecision,
	}
	if p, ok := store.(PrecisionReporter); ok && p.TimestampPrecision() > 0 {
		l.precision = p.TimestampPrecision()
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateOption configures a single Create call
type CreateOption func(*models.Transaction)

// WithIdempotencyKey records a caller-supplied key on the new transaction.
// An empty key is ignored.
func WithIdempotencyKey(key string) CreateOption {
	return func(tx *models.Transaction) {
		if key != "" {
			tx.IdempotencyKey = &key
		}
	}
}

// Create stores a new pending transaction for intent. It returns
// ErrDuplicateKey (wrapped) when the idempotency key is already taken.
func (l *Ledger) Create(ctx context.Context, intent models.ChargeIntent, opts ...CreateOption) (*models.Transaction, error) {
	if !intent.Amount.IsPositive() {
		return nil, &models.ValidationError{Fields: []models.FieldViolation{
			{Field: "amount", Message: "must be greater than 0"},
		}}
	}

	createdAt := l.nextCreatedAt()
	tx := &models.Transaction{
		ID:            l.newID(),
		Amount:        intent.Amount,
		Currency:      strings.ToUpper(intent.Currency),
		CustomerEmail: intent.CustomerEmail,
		CustomerName:  intent.CustomerName,
		Status:        models.TransactionStatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	for _, opt := range opts {
		opt(tx)
	}

	if err := l.store.Insert(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return nil, err
		}
		l.logger.WithField("transaction_id", tx.ID).WithError(err).Error("Failed to store transaction")
		return nil, &models.StorageError{Op: "create", Err: err}
	}

	l.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"currency":       tx.Currency,
	}).Info("Transaction created")

	return tx, nil
}

// MarkCompleted moves a pending transaction to completed. An empty reference
// is stored as models.UnknownGatewayReference.
func (l *Ledger) MarkCompleted(ctx context.Context, id, gatewayReference string) (*models.Transaction, error) {
	if gatewayReference == "" {
		gatewayReference = models.UnknownGatewayReference
	}
	return l.transition(ctx, id, models.TransactionStatusCompleted, &gatewayReference)
}

// MarkFailed moves a pending transaction to failed
func (l *Ledger) MarkFailed(ctx context.Context, id string) (*models.Transaction, error) {
	return l.transition(ctx, id, models.TransactionStatusFailed, nil)
}

func (l *Ledger) transition(ctx context.Context, id string, to models.TransactionStatus, ref *string) (*models.Transaction, error) {
	tx, err := l.store.Apply(ctx, Transition{
		ID:               id,
		From:             models.TransactionStatusPending,
		To:               to,
		GatewayReference: ref,
		At:               l.updatedAt(),
	})

	switch {
	case err == nil:
		metrics.LedgerTransitions.WithLabelValues(string(to), "ok").Inc()
		l.logger.WithFields(log.Fields{
			"transaction_id": id,
			"status":         to,
		}).Info("Transaction status updated")
		return tx, nil

	case errors.Is(err, ErrRecordNotFound):
		metrics.LedgerTransitions.WithLabelValues(string(to), "not_found").Inc()
		return nil, &models.NotFoundError{ID: id}

	case errors.Is(err, ErrStatusConflict):
		metrics.LedgerTransitions.WithLabelValues(string(to), "conflict").Inc()
		from := models.TransactionStatus("unknown")
		if current, getErr := l.store.Get(ctx, id); getErr == nil {
			from = current.Status
		}
		l.logger.WithFields(log.Fields{
			"transaction_id": id,
			"from":           from,
			"to":             to,
		}).Error("Rejected transition out of terminal state")
		return nil, &models.InvalidTransitionError{ID: id, From: from, To: to}

	default:
		metrics.LedgerTransitions.WithLabelValues(string(to), "error").Inc()
		l.logger.WithField("transaction_id", id).WithError(err).Error("Failed to update transaction")
		return nil, &models.StorageError{Op: "update", Err: err}
	}
}

// Get returns the transaction with id
func (l *Ledger) Get(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := l.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, &models.NotFoundError{ID: id}
		}
		return nil, &models.StorageError{Op: "get", Err: err}
	}
	return tx, nil
}

// FindByIdempotencyKey returns the transaction created with key
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	tx, err := l.store.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, &models.NotFoundError{ID: "idempotency-key:" + key}
		}
		return nil, &models.StorageError{Op: "get", Err: err}
	}
	return tx, nil
}

// List returns a snapshot of all transactions, newest first
func (l *Ledger) List(ctx context.Context) ([]models.Transaction, error) {
	txs, err := l.store.List(ctx)
	if err != nil {
		return nil, &models.StorageError{Op: "list", Err: err}
	}
	return txs, nil
}

// nextCreatedAt is strictly increasing at the store's precision, even if the
// wall clock stalls or goes backwards, so List order never depends on ties.
func (l *Ledger) nextCreatedAt() time.Time {
	l.clockMu.Lock()
	defer l.clockMu.Unlock()

	now := l.now().UTC().Truncate(l.precision)
	if !now.After(l.lastCreated) {
		now = l.lastCreated.Add(l.precision)
	}
	l.lastCreated = now
	return now
}

// updatedAt never precedes a created_at this ledger has handed out
func (l *Ledger) updatedAt() time.Time {
	l.clockMu.Lock()
	defer l.clockMu.Unlock()

	now := l.now().UTC().Truncate(l.precision)
	if now.Before(l.lastCreated) {
		now = l.lastCreated
	}
	return now
}
