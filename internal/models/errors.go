package models

import (
	"fmt"
	"strings"
)

// FieldViolation describes one rejected input field
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for a malformed charge intent. It never carries
// the rejected values.
type ValidationError struct {
	Fields []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid charge intent: " + strings.Join(parts, "; ")
}

// StorageError wraps a failure of the durable store
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError is returned for lookups and updates of an unknown transaction
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction %s not found", e.ID)
}

// InvalidTransitionError is returned when a terminal transaction is mutated
type InvalidTransitionError struct {
	ID   string
	From TransactionStatus
	To   TransactionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transaction %s cannot move from %s to %s", e.ID, e.From, e.To)
}

// ChargeFailureCause tags why a gateway charge failed. Tags are safe to log.
type ChargeFailureCause string

const (
	CauseAuth              ChargeFailureCause = "auth"
	CauseTimeout           ChargeFailureCause = "timeout"
	CauseTransport         ChargeFailureCause = "transport"
	CauseStatus            ChargeFailureCause = "status"
	CauseMalformedResponse ChargeFailureCause = "malformed_response"
	CauseCircuitOpen       ChargeFailureCause = "circuit_open"
	CauseBulkheadFull      ChargeFailureCause = "bulkhead_full"
	// CauseReplayedFailure is reported when an idempotency key points at a
	// charge that already failed. The gateway is not called again.
	CauseReplayedFailure ChargeFailureCause = "replayed_failure"
)

// UpstreamChargeError collapses every gateway-side failure into a single
// category. Only the cause tag and the HTTP status code are kept.
type UpstreamChargeError struct {
	Cause      ChargeFailureCause
	StatusCode int
}

func (e *UpstreamChargeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment provider error (%s, status %d)", e.Cause, e.StatusCode)
	}
	return fmt.Sprintf("payment provider error (%s)", e.Cause)
}

// ChargeInProgressError is returned when an idempotency key points at a
// charge that has not reached a terminal state yet
type ChargeInProgressError struct {
	ID string
}

func (e *ChargeInProgressError) Error() string {
	return fmt.Sprintf("transaction %s is still being processed", e.ID)
}
