// Package validate checks canonical transactions and scores their confidence,
// and lints institution configuration snapshots.
package validate

import (
	"fmt"
	"time"

	"golang.org/x/text/currency"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/normalize"
)

// Codes raised by the validator.
const (
	CodeInvalidDate        = "invalid_date"
	CodeDateOutOfRange     = "date_out_of_range"
	CodeMissingDescription = "missing_description"
	CodeMissingCurrency    = "missing_currency"
	CodeInvalidCurrency    = "invalid_currency"
	WarnSplitMismatch      = "split_mismatch"
)

// DefaultPenalty is subtracted for warning codes missing from the penalty table.
const DefaultPenalty = 0.05

// DefaultPenalties is the confidence cost of each warning code.
var DefaultPenalties = map[string]float64{
	normalize.WarnAmbiguousDate:        0.3,
	normalize.WarnAmountRounded:        0.2,
	normalize.WarnForeignIncomplete:    0.15,
	normalize.WarnMerchantNotExtracted: 0.1,
	normalize.WarnMerchantNotSplit:     0.05,
	normalize.WarnCategoryNotInferred:  0.05,
	WarnSplitMismatch:                  0.3,
}

var minDate = domain.Date{Year: 1970, Month: time.January, Day: 1}

// Result is the verdict for one transaction. A transaction with Errors is
// rejected; Warnings are the validator's own additions.
type Result struct {
	Confidence float64
	Warnings   []domain.Issue
	Errors     []domain.Issue
}

// Valid reports whether the transaction passed every hard check.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the clock that bounds the accepted date window.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithPenalties replaces the warning penalty table.
func WithPenalties(penalties map[string]float64) Option {
	return func(v *Validator) { v.penalties = penalties }
}

// Validator applies hard checks and confidence scoring. It holds no mutable
// state and is safe for concurrent use.
type Validator struct {
	now       func() time.Time
	penalties map[string]float64
}

// New creates a validator accepting dates from 1970-01-01 to one year after now.
func New(opts ...Option) *Validator {
	v := &Validator{now: time.Now, penalties: DefaultPenalties}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks txn. Confidence starts at 1 and drops by the penalty of
// every warning, both those already on txn and those added here.
func (v *Validator) Validate(txn domain.CanonicalTransaction) Result {
	var res Result
	row := txn.Row

	maxDate := domain.DateOf(v.now().AddDate(1, 0, 0))
	switch {
	case txn.Date.IsZero():
		res.Errors = append(res.Errors, *domain.RowError(row, CodeInvalidDate, "date", "", "transaction has no date"))
	case txn.Date.Before(minDate) || txn.Date.After(maxDate):
		res.Errors = append(res.Errors, *domain.RowError(row, CodeDateOutOfRange, "date", txn.Date.String(),
			fmt.Sprintf("date must be between %s and %s", minDate, maxDate)))
	}

	if txn.Description == "" {
		res.Errors = append(res.Errors, *domain.RowError(row, CodeMissingDescription, "description", "", "description cannot be empty"))
	}

	if txn.Currency == "" {
		res.Errors = append(res.Errors, *domain.RowError(row, CodeMissingCurrency, "currency", "", "currency cannot be empty"))
	} else if _, err := currency.ParseISO(txn.Currency); err != nil || len(txn.Currency) != 3 {
		res.Errors = append(res.Errors, *domain.RowError(row, CodeInvalidCurrency, "currency", txn.Currency, "not an ISO 4217 currency code"))
	}

	if len(txn.Splits) > 0 {
		var sum int64
		for _, s := range txn.Splits {
			sum += s.AmountMinor
		}
		if sum != txn.AmountMinor {
			res.Warnings = append(res.Warnings, domain.Warning(row, WarnSplitMismatch, "splits", fmt.Sprintf("%d", sum),
				fmt.Sprintf("splits add up to %d, transaction total is %d", sum, txn.AmountMinor)))
		}
	}

	confidence := 1.0
	for _, w := range txn.Warnings {
		confidence -= v.penalty(w.Code)
	}
	for _, w := range res.Warnings {
		confidence -= v.penalty(w.Code)
	}
	res.Confidence = clamp(confidence)
	return res
}

func (v *Validator) penalty(code string) float64 {
	if p, ok := v.penalties[code]; ok {
		return p
	}
	return DefaultPenalty
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
