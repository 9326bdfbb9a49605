// Package validation rejects malformed charge intents before any side effect.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ashendes/card-payments/internal/gateway"
	"github.com/ashendes/card-payments/internal/models"
)

// Validator checks charge intents
type Validator struct {
	validate *validator.Validate
	now      func() time.Time
}

// New creates a Validator
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &Validator{validate: v, now: time.Now}
}

// Intent validates intent and returns a normalised copy: currency upper-cased,
// expiry month zero-padded, names and emails trimmed. Failures are reported as
// *models.ValidationError without echoing any submitted value.
func (v *Validator) Intent(intent models.ChargeIntent) (models.ChargeIntent, error) {
	intent.Currency = strings.TrimSpace(intent.Currency)
	intent.CustomerEmail = strings.TrimSpace(intent.CustomerEmail)
	intent.CustomerName = strings.TrimSpace(intent.CustomerName)

	var violations []models.FieldViolation

	if !intent.Amount.IsPositive() {
		violations = append(violations, models.FieldViolation{Field: "amount", Message: "must be greater than 0"})
	} else if !intent.Amount.Equal(intent.Amount.Round(2)) {
		violations = append(violations, models.FieldViolation{Field: "amount", Message: "must have at most 2 decimal places"})
	} else if _, err := gateway.MinorUnits(intent.Amount); err != nil {
		violations = append(violations, models.FieldViolation{Field: "amount", Message: "is too large"})
	}

	if err := v.validate.Struct(intent); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return intent, err
		}
		for _, fe := range fieldErrs {
			violations = append(violations, models.FieldViolation{
				Field:   fieldPath(fe),
				Message: describe(fe),
			})
		}
	}

	if month, ok := v.checkExpiry(intent.Card, &violations); ok {
		intent.Card.ExpMonth = month
	}

	if len(violations) > 0 {
		return intent, &models.ValidationError{Fields: violations}
	}

	intent.Currency = strings.ToUpper(intent.Currency)
	return intent, nil
}

// checkExpiry applies the range rules the struct tags cannot express. It
// returns the zero-padded month when the month is valid.
func (v *Validator) checkExpiry(card models.Card, violations *[]models.FieldViolation) (string, bool) {
	var padded string
	monthOK := false
	if month, err := strconv.Atoi(card.ExpMonth); err == nil && card.ExpMonth != "" {
		if month < 1 || month > 12 {
			*violations = append(*violations, models.FieldViolation{Field: "card.exp_month", Message: "must be between 01 and 12"})
		} else {
			padded = fmt.Sprintf("%02d", month)
			monthOK = true
		}
	}

	if year, err := strconv.Atoi(card.ExpYear); err == nil && len(card.ExpYear) == 4 {
		now := v.now()
		switch {
		case year < now.Year():
			*violations = append(*violations, models.FieldViolation{Field: "card.exp_year", Message: "cannot be in the past"})
		case year == now.Year() && monthOK && padded < fmt.Sprintf("%02d", int(now.Month())):
			*violations = append(*violations, models.FieldViolation{Field: "card.exp_month", Message: "card has expired"})
		}
	}

	return padded, monthOK
}

func fieldPath(fe validator.FieldError) string {
	// Namespace is "ChargeIntent.card.number"; drop the root type.
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "number":
		return "must contain only digits"
	case "email":
		return "must be a valid email address"
	case "alpha":
		return "must contain only letters"
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
