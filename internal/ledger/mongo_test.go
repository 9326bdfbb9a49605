package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ashendes/card-payments/internal/models"
)

func TestDocumentConversion(t *testing.T) {
	ref := "tx_abc"
	key := "order-42"
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	tx := &models.Transaction{
		ID:               "7c1f0a52-3b8e-4c59-9d0a-1f2e3d4c5b6a",
		Amount:           decimal.RequireFromString("1234.50"),
		Currency:         "MXN",
		CustomerEmail:    "ana@example.com",
		CustomerName:     "Ana",
		Status:           models.TransactionStatusCompleted,
		GatewayReference: &ref,
		IdempotencyKey:   &key,
		CreatedAt:        created,
		UpdatedAt:        created.Add(time.Second),
	}

	doc := toDocument(tx)
	if doc.Amount != "1234.5" {
		t.Errorf("document amount = %q, want exact decimal string", doc.Amount)
	}

	got, err := fromDocument(doc)
	if err != nil {
		t.Fatalf("fromDocument() error = %v", err)
	}
	if !got.Amount.Equal(tx.Amount) {
		t.Errorf("Amount = %s, want %s", got.Amount, tx.Amount)
	}
	if got.Status != tx.Status || *got.GatewayReference != ref || *got.IdempotencyKey != key {
		t.Errorf("fromDocument() = %+v, fields lost", got)
	}
	if got.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt location = %v, want UTC", got.CreatedAt.Location())
	}
}

func TestFromDocument_BadAmount(t *testing.T) {
	_, err := fromDocument(transactionDocument{ID: "abc", Amount: "twelve"})
	if err == nil || !strings.Contains(err.Error(), "abc") {
		t.Errorf("fromDocument() error = %v, want decode error naming the transaction", err)
	}
}
