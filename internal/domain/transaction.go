package domain

import "fmt"

// IssueKind classifies an Issue by its effect on the batch.
type IssueKind string

const (
	// IssuePrecondition aborts the import before any row is processed.
	IssuePrecondition IssueKind = "precondition"
	// IssueRow rejects a single row; the batch continues.
	IssueRow IssueKind = "row"
	// IssueWarning is advisory and never blocks a row.
	IssueWarning IssueKind = "warning"
	// IssueCommit is reported by the ledger after a commit attempt.
	IssueCommit IssueKind = "commit"
)

// Issue is a row-attributed problem found while importing a statement.
// Row is 0 for document-level issues.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Code    string    `json:"code"`
	Row     int       `json:"row,omitempty"`
	Field   string    `json:"field,omitempty"`
	Value   string    `json:"value,omitempty"`
	Message string    `json:"message"`
}

func (i *Issue) Error() string {
	if i.Row > 0 {
		if i.Field != "" {
			return fmt.Sprintf("row %d: %s: %s", i.Row, i.Field, i.Message)
		}
		return fmt.Sprintf("row %d: %s", i.Row, i.Message)
	}
	return i.Message
}

// RowError creates a structural issue attributed to a row.
func RowError(row int, code, field, value, message string) *Issue {
	return &Issue{Kind: IssueRow, Code: code, Row: row, Field: field, Value: value, Message: message}
}

// Warning creates an advisory issue attributed to a row.
func Warning(row int, code, field, value, message string) Issue {
	return Issue{Kind: IssueWarning, Code: code, Row: row, Field: field, Value: value, Message: message}
}

// ForeignAmount is the original-currency side of a converted transaction.
type ForeignAmount struct {
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency,omitempty"`
	Rate        string `json:"rate,omitempty"`
}

// SplitAmount is one normalized component of a split transaction.
type SplitAmount struct {
	Category    string `json:"category,omitempty"`
	Memo        string `json:"memo,omitempty"`
	AmountMinor int64  `json:"amountMinor"`
}

// CanonicalTransaction is the normalized, format-independent output unit.
//
// Sign convention: debits (money leaving the account) are negative and
// credits are positive, whatever the source file uses.
type CanonicalTransaction struct {
	Row         int            `json:"row"`
	Date        Date           `json:"date"`
	AmountMinor int64          `json:"amountMinor"`
	Currency    string         `json:"currency"`
	Description string         `json:"description"`
	Merchant    *string        `json:"merchant,omitempty"`
	Location    *string        `json:"location,omitempty"`
	Memo        *string        `json:"memo,omitempty"`
	Reference   *string        `json:"reference,omitempty"`
	Account     string         `json:"account,omitempty"`
	Category    *Category      `json:"category,omitempty"`
	Foreign     *ForeignAmount `json:"foreign,omitempty"`
	Splits      []SplitAmount  `json:"splits,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	Confidence  float64        `json:"confidence"`
	Warnings    []Issue        `json:"warnings,omitempty"`
	Duplicate   DuplicateKind  `json:"duplicate,omitempty"`
	DuplicateOf int            `json:"duplicateOf,omitempty"`
}

// IsDuplicate reports whether the transaction carries any duplicate flag.
func (t *CanonicalTransaction) IsDuplicate() bool {
	return t.Duplicate != DuplicateNone
}

// AddWarning attaches an advisory issue to the transaction.
func (t *CanonicalTransaction) AddWarning(code, field, value, message string) {
	t.Warnings = append(t.Warnings, Warning(t.Row, code, field, value, message))
}

// HasWarning reports whether a warning with the given code is attached.
func (t *CanonicalTransaction) HasWarning(code string) bool {
	for _, w := range t.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can never mutate a published outcome.
func (t CanonicalTransaction) Clone() CanonicalTransaction {
	out := t
	out.Merchant = cloneString(t.Merchant)
	out.Location = cloneString(t.Location)
	out.Memo = cloneString(t.Memo)
	out.Reference = cloneString(t.Reference)
	if t.Category != nil {
		c := *t.Category
		out.Category = &c
	}
	if t.Foreign != nil {
		f := *t.Foreign
		out.Foreign = &f
	}
	out.Splits = append([]SplitAmount(nil), t.Splits...)
	out.Warnings = append([]Issue(nil), t.Warnings...)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
