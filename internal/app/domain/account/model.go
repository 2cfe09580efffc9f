package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a customer's ledger entry together with the usage and risk
// counters consulted when a debit is authorized.
type Account struct {
	ID              string          `json:"id" db:"id"`
	FirstName       string          `json:"first_name" db:"first_name"`
	LastName        string          `json:"last_name" db:"last_name"`
	AccountNumber   string          `json:"account_number" db:"account_number"`
	InstitutionCode string          `json:"institution_code,omitempty" db:"institution_code"`
	PasswordHash    string          `json:"-" db:"password_hash"`
	PINHash         string          `json:"-" db:"pin_hash"`
	Balance         decimal.Decimal `json:"balance" db:"balance"`

	DailyTransactionCount int    `json:"daily_transaction_count" db:"daily_transaction_count"`
	LastTransactionDate   string `json:"last_transaction_date,omitempty" db:"last_transaction_date"`
	HighRiskAbortedCount  int    `json:"high_risk_aborted_count" db:"high_risk_aborted_count"`
	// LastTransactionRiskValue is a score in [0, 100]; fractional scores are kept.
	LastTransactionRiskValue float64 `json:"last_transaction_risk_value" db:"last_transaction_risk_value"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Stored money columns are NUMERIC(20,4).
const (
	AmountScale         = 4
	AmountIntegerDigits = 16
)

// ErrAmountOutOfRange reports a monetary value the ledger cannot store exactly.
var ErrAmountOutOfRange = errors.New("amount out of range")

var maxAmount = decimal.New(1, AmountIntegerDigits)

// ValidateAmount checks that d fits the stored precision without rounding.
func ValidateAmount(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(AmountScale)) {
		return fmt.Errorf("%w: at most %d decimal places", ErrAmountOutOfRange, AmountScale)
	}
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("%w: at most %d integer digits", ErrAmountOutOfRange, AmountIntegerDigits)
	}
	return nil
}

// DateLayout is the layout written to LastTransactionDate.
const DateLayout = "2006-01-02"

// HasPIN reports whether a secure PIN has been set.
func (a Account) HasPIN() bool { return a.PINHash != "" }

// ParseTransactionDate interprets a stored last-transaction value. Both plain
// dates and RFC 3339 timestamps are accepted; the result is a UTC date.
func ParseTransactionDate(raw string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// FormatTransactionDate renders the calendar date of t in UTC.
func FormatTransactionDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
