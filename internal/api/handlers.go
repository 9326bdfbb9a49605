package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ashendes/card-payments/internal/models"
	"github.com/ashendes/card-payments/internal/validation"
)

// IdempotencyKeyHeader carries the caller's key for safe retries
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 255

// PaymentProcessor runs a charge end to end
type PaymentProcessor interface {
	Charge(ctx context.Context, intent models.ChargeIntent, idempotencyKey string) (*models.Transaction, error)
}

// TransactionReader reads the ledger
type TransactionReader interface {
	Get(ctx context.Context, id string) (*models.Transaction, error)
	List(ctx context.Context) ([]models.Transaction, error)
}

// Handler serves the transactions API
type Handler struct {
	payments  PaymentProcessor
	ledger    TransactionReader
	validator *validation.Validator
	logger    log.FieldLogger
}

// NewHandler creates a Handler
func NewHandler(payments PaymentProcessor, ledger TransactionReader, validator *validation.Validator, logger log.FieldLogger) *Handler {
	return &Handler{
		payments:  payments,
		ledger:    ledger,
		validator: validator,
		logger:    logger,
	}
}

// CreateTransaction validates the intent and charges the card
func (h *Handler) CreateTransaction(c *gin.Context) {
	var intent models.ChargeIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "request body must be a valid charge intent",
		})
		return
	}

	key := c.GetHeader(IdempotencyKeyHeader)
	if len(key) > maxIdempotencyKeyLength {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "validation failed",
			"fields": []models.FieldViolation{{Field: IdempotencyKeyHeader, Message: "must be at most 255 characters"}},
		})
		return
	}

	intent, err := h.validator.Intent(intent)
	if err != nil {
		h.writeError(c, err)
		return
	}

	tx, err := h.payments.Charge(c.Request.Context(), intent, key)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.WithFields(log.Fields{
		"transaction_id": tx.ID,
		"status":         tx.Status,
	}).Info("Payment processed")

	c.JSON(http.StatusOK, tx)
}

// GetTransaction returns one transaction
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// ListTransactions returns every transaction, newest first
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.ledger.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	c.JSON(http.StatusOK, txs)
}

// writeError maps the error taxonomy onto HTTP. Upstream detail stays in the
// logs; the caller only ever sees a generic provider error.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		validationErr *models.ValidationError
		notFound      *models.NotFoundError
		upstream      *models.UpstreamChargeError
		storage       *models.StorageError
		transition    *models.InvalidTransitionError
		inProgress    *models.ChargeInProgressError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider error"})
	case errors.As(err, &storage):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	case errors.As(err, &inProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "payment already in progress"})
	case errors.As(err, &transition):
		h.logger.WithError(err).Error("Internal consistency fault")
		c.JSON(http.StatusConflict, gin.H{"error": "transaction already finalised"})
	default:
		h.logger.WithError(err).Error("Unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
