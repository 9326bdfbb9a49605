package gateway

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ashendes/card-payments/internal/models"
)

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{"99.99", 9999},
		{"10", 1000},
		{"0.01", 1},
		{"1.005", 101},
		{"0.005", 1},
		{"1234567.89", 123456789},
	}

	for _, tt := range tests {
		got, err := MinorUnits(decimal.RequireFromString(tt.amount))
		if err != nil {
			t.Errorf("MinorUnits(%s) error = %v", tt.amount, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MinorUnits(%s) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}

func TestMinorUnits_OutOfRange(t *testing.T) {
	// 92233720368547758.07 is the largest amount whose minor units fit int64.
	got, err := MinorUnits(decimal.RequireFromString("92233720368547758.07"))
	if err != nil || got != 9223372036854775807 {
		t.Errorf("MinorUnits(max) = %d, %v, want 9223372036854775807", got, err)
	}

	for _, amount := range []string{
		"92233720368547758.08",
		"100000000000000000.00",
		"184467440737095516.16",
		"0",
		"0.004",
		"-1.00",
	} {
		if got, err := MinorUnits(decimal.RequireFromString(amount)); !errors.Is(err, ErrAmountOutOfRange) {
			t.Errorf("MinorUnits(%s) = %d, %v, want ErrAmountOutOfRange", amount, got, err)
		}
	}
}

func TestNewChargeRequest(t *testing.T) {
	req, err := NewChargeRequest(models.ChargeIntent{
		Amount:        decimal.RequireFromString("250.00"),
		Currency:      "mxn",
		CustomerEmail: "ana@example.com",
		CustomerName:  "Ana",
		Card:          models.Card{Number: "4111111111111111", ExpMonth: "07", ExpYear: "2031", CVC: "999"},
	})
	if err != nil {
		t.Fatalf("NewChargeRequest() error = %v", err)
	}

	if req.Amount != 25000 || req.Currency != "MXN" || !req.Capture {
		t.Errorf("NewChargeRequest() = amount %d currency %s capture %v", req.Amount, req.Currency, req.Capture)
	}
	if req.Customer.Email != "ana@example.com" || req.Card.ExpMonth != "07" {
		t.Errorf("NewChargeRequest() lost customer or card fields: %+v", req.Customer)
	}

	req.Wipe()
	if req.Card != (CardPayload{}) {
		t.Error("Wipe() left card material on the request")
	}
}

func TestNewChargeRequest_OverflowingAmount(t *testing.T) {
	req, err := NewChargeRequest(models.ChargeIntent{
		Amount:   decimal.RequireFromString("100000000000000000.00"),
		Currency: "USD",
	})
	if !errors.Is(err, ErrAmountOutOfRange) || req != nil {
		t.Errorf("NewChargeRequest() = %+v, %v, want ErrAmountOutOfRange", req, err)
	}
}

func TestParseChargeResponse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "string id", body: `{"transaction_id":"tx_abc","status":"approved"}`, want: "tx_abc"},
		{name: "numeric id", body: `{"transaction_id":12345}`, want: "12345"},
		{name: "missing id", body: `{"status":"approved"}`, want: models.UnknownGatewayReference},
		{name: "null id", body: `{"transaction_id":null}`, want: models.UnknownGatewayReference},
		{name: "empty id", body: `{"transaction_id":""}`, want: models.UnknownGatewayReference},
		{name: "truncated", body: `{"transaction_id":"tx_`, wantErr: true},
		{name: "array", body: `["tx_abc"]`, wantErr: true},
		{name: "null body", body: `null`, wantErr: true},
		{name: "html", body: `<html>bad gateway</html>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChargeResponse([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseChargeResponse() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseChargeResponse() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseChargeResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}
