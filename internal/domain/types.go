// Package domain holds the format-independent types shared by every stage of
// the statement import pipeline.
package domain

import (
	"fmt"
	"strings"
)

// Category is the auto-tagged spending category of a transaction.
// Use ValidateCategory to ensure validity before use.
type Category string

const (
	CategoryIncome         Category = "income"
	CategoryHousing        Category = "housing"
	CategoryUtilities      Category = "utilities"
	CategoryGroceries      Category = "groceries"
	CategoryDining         Category = "dining"
	CategoryTransportation Category = "transportation"
	CategoryHealthcare     Category = "healthcare"
	CategoryEntertainment  Category = "entertainment"
	CategoryShopping       Category = "shopping"
	CategoryTravel         Category = "travel"
	CategoryInvestment     Category = "investment"
	CategoryFees           Category = "fees"
	CategoryTransfer       Category = "transfer"
	CategoryOther          Category = "other"
)

var validCategories = map[Category]struct{}{
	CategoryIncome: {}, CategoryHousing: {}, CategoryUtilities: {},
	CategoryGroceries: {}, CategoryDining: {}, CategoryTransportation: {},
	CategoryHealthcare: {}, CategoryEntertainment: {}, CategoryShopping: {},
	CategoryTravel: {}, CategoryInvestment: {}, CategoryFees: {},
	CategoryTransfer: {}, CategoryOther: {},
}

// ValidateCategory checks if a category is valid
func ValidateCategory(c Category) bool {
	_, ok := validCategories[c]
	return ok
}

// Format identifies a physical statement format family.
type Format string

const (
	FormatCSV         Format = "csv"
	FormatSpreadsheet Format = "spreadsheet"
	FormatOFX         Format = "ofx"
	FormatQIF         Format = "qif"
	FormatText        Format = "text"
)

// Formats lists every supported format in tie-break order.
var Formats = []Format{FormatOFX, FormatQIF, FormatSpreadsheet, FormatCSV, FormatText}

// ParseFormat converts a configuration or flag value into a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// DuplicateKind distinguishes why a transaction was flagged as a duplicate.
type DuplicateKind string

const (
	DuplicateNone DuplicateKind = ""
	// DuplicateWithinBatch marks a repeat of an earlier row in the same statement.
	DuplicateWithinBatch DuplicateKind = "within_batch"
	// DuplicateExisting marks a match against previously imported history.
	DuplicateExisting DuplicateKind = "existing"
)
