package gateway

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ashendes/card-payments/internal/models"
)

var minorUnitsPerMajor = decimal.NewFromInt(100)

// CardPayload is the card block of a charge request
type CardPayload struct {
	Number   string `json:"number"`
	ExpMonth string `json:"exp_month"`
	ExpYear  string `json:"exp_year"`
	CVC      string `json:"cvc"`
}

// CustomerPayload identifies the paying customer
type CustomerPayload struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ChargeRequest is the JSON body of a charge
type ChargeRequest struct {
	Amount   int64           `json:"amount"`
	Currency string          `json:"currency"`
	Card     CardPayload     `json:"card"`
	Customer CustomerPayload `json:"customer"`
	Capture  bool            `json:"capture"`
}

// ChargeResult is a successful charge
type ChargeResult struct {
	GatewayReference string
}

// ErrAmountOutOfRange is returned for amounts that are not a positive int64
// number of minor units
var ErrAmountOutOfRange = errors.New("amount out of range for minor units")

// MinorUnits converts a major-unit amount to integer minor units, rounding
// half away from zero
func MinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Mul(minorUnitsPerMajor).Round(0).BigInt()
	if !minor.IsInt64() || minor.Sign() <= 0 {
		return 0, ErrAmountOutOfRange
	}
	return minor.Int64(), nil
}

// NewChargeRequest builds the outbound payload for intent. Capture is always
// requested; auth-then-capture is not supported.
func NewChargeRequest(intent models.ChargeIntent) (*ChargeRequest, error) {
	amount, err := MinorUnits(intent.Amount)
	if err != nil {
		return nil, err
	}
	return &ChargeRequest{
		Amount:   amount,
		Currency: strings.ToUpper(intent.Currency),
		Card: CardPayload{
			Number:   intent.Card.Number,
			ExpMonth: intent.Card.ExpMonth,
			ExpYear:  intent.Card.ExpYear,
			CVC:      intent.Card.CVC,
		},
		Customer: CustomerPayload{
			Email: intent.CustomerEmail,
			Name:  intent.CustomerName,
		},
		Capture: true,
	}, nil
}

// Wipe drops the card material held by the request
func (r *ChargeRequest) Wipe() {
	r.Card = CardPayload{}
}

var errNotJSONObject = errors.New("charge response is not a JSON object")

// parseChargeResponse extracts the transaction reference from a success body.
// The body must be a JSON object; a missing or null reference is tolerated and
// reported as models.UnknownGatewayReference.
func parseChargeResponse(body []byte) (string, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}
	if payload == nil {
		return "", errNotJSONObject
	}

	raw, ok := payload["transaction_id"]
	if !ok {
		return models.UnknownGatewayReference, nil
	}

	var ref string
	if err := json.Unmarshal(raw, &ref); err == nil {
		if ref == "" {
			return models.UnknownGatewayReference, nil
		}
		return ref, nil
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String(), nil
	}

	return models.UnknownGatewayReference, nil
}
