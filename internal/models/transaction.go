package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of a transaction
type TransactionStatus string

// TransactionStatus constants
const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// UnknownGatewayReference is stored when the gateway accepted a charge but
// did not return a reference for it.
const UnknownGatewayReference = "N/A"

// IsTerminal reports whether no further transition is allowed from s.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// Transaction represents a card payment recorded by the ledger
type Transaction struct {
	ID               string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Amount           decimal.Decimal   `json:"amount" gorm:"type:numeric(20,2);not null"`
	Currency         string            `json:"currency" gorm:"type:varchar(3);not null"`
	CustomerEmail    string            `json:"customer_email" gorm:"not null"`
	CustomerName     string            `json:"customer_name" gorm:"not null"`
	Status           TransactionStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	GatewayReference *string           `json:"gateway_reference"`
	IdempotencyKey   *string           `json:"-" gorm:"type:varchar(255);uniqueIndex"`
	CreatedAt        time.Time         `json:"created_at" gorm:"not null;index"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// TableName pins the table name used by gorm
func (Transaction) TableName() string { return "transactions" }

// Card holds the raw card material of a charge intent. It is never persisted.
type Card struct {
	Number   string `json:"number" validate:"required,number,min=13,max=19"`
	ExpMonth string `json:"exp_month" validate:"required,number,min=1,max=2"`
	ExpYear  string `json:"exp_year" validate:"required,number,len=4"`
	CVC      string `json:"cvc" validate:"required,number,min=3,max=4"`
}

// ChargeIntent is the request to charge a card, before any persistence or
// gateway call happens
type ChargeIntent struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"required,len=3,alpha"`
	CustomerEmail string          `json:"customer_email" validate:"required,email"`
	CustomerName  string          `json:"customer_name" validate:"required"`
	Card          Card            `json:"card"`
}
