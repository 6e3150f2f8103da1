package validate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// ValidationResult contains all validation errors and warnings for a configuration snapshot
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// ValidationError represents a validation error
type ValidationError struct {
	Entity  string // "config", "fields", "skip_rows", "dates", "match"
	ID      string
	Field   string
	Value   string
	Message string
}

// ValidationWarning represents a non-critical validation issue
type ValidationWarning struct {
	Entity  string
	ID      string
	Field   string
	Value   string
	Message string
}

// coreFields feed the amount, date and description of every row; two of them
// reading the same source column can never produce a valid transaction.
var coreFields = []string{
	config.FieldDate, config.FieldDescription, config.FieldAmount,
	config.FieldDebit, config.FieldCredit,
}

// ValidateSnapshot lints the documents of a snapshot for problems that each
// document passes on its own: columns feeding several canonical fields, skip
// rules on unmapped fields, stale default years and configurations that can
// only be told apart by institution id.
// Returns ValidationResult with all errors and warnings found.
func ValidateSnapshot(snap *config.Snapshot, now time.Time) *ValidationResult {
	result := &ValidationResult{
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
	}

	configs := snap.All()
	for _, cfg := range configs {
		id := cfg.Key()

		// Column sharing
		bySource := make(map[string][]string)
		for field, src := range cfg.Fields {
			if src == "" {
				continue
			}
			key := strings.ToLower(src)
			bySource[key] = append(bySource[key], field)
		}
		for src, fields := range bySource {
			if len(fields) < 2 {
				continue
			}
			sort.Strings(fields)
			if countCore(fields) > 1 {
				result.Errors = append(result.Errors, ValidationError{
					Entity:  "fields",
					ID:      id,
					Field:   strings.Join(fields, ","),
					Value:   src,
					Message: fmt.Sprintf("source %q feeds several core fields: %s", src, strings.Join(fields, ", ")),
				})
				continue
			}
			result.Warnings = append(result.Warnings, ValidationWarning{
				Entity:  "fields",
				ID:      id,
				Field:   strings.Join(fields, ","),
				Value:   src,
				Message: fmt.Sprintf("source %q is mapped to %s", src, strings.Join(fields, ", ")),
			})
		}

		// Skip rules must test a field the extractor can see
		tabular := cfg.Format == domain.FormatCSV || cfg.Format == domain.FormatSpreadsheet
		for _, rule := range cfg.SkipRows {
			if tabular && !cfg.Mapped(rule.Field) {
				result.Warnings = append(result.Warnings, ValidationWarning{
					Entity:  "skip_rows",
					ID:      id,
					Field:   rule.Field,
					Value:   rule.Pattern,
					Message: fmt.Sprintf("skip rule tests unmapped field %s and never matches", rule.Field),
				})
			}
		}

		// Yearless dates
		if y := cfg.Dates.DefaultYear; y != 0 && hasYearless(cfg) && y < now.Year()-1 {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Entity:  "dates",
				ID:      id,
				Field:   "default_year",
				Value:   fmt.Sprintf("%d", y),
				Message: fmt.Sprintf("default year %d is more than a year in the past", y),
			})
		}
	}

	// Selection ties: same format, same visibility, same priority and no signature
	seen := make(map[string]string)
	for _, cfg := range configs {
		if cfg.Match.Filename != "" || len(cfg.Match.Contains) > 0 {
			continue
		}
		tie := fmt.Sprintf("%s|%s|%d", cfg.Format, cfg.Tenant, cfg.Match.Priority)
		if prev, ok := seen[tie]; ok {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Entity:  "match",
				ID:      cfg.Key(),
				Field:   "priority",
				Value:   fmt.Sprintf("%d", cfg.Match.Priority),
				Message: fmt.Sprintf("no signature and same priority as %s; selection falls back to institution id", prev),
			})
			continue
		}
		seen[tie] = cfg.Key()
	}

	return result
}

func countCore(fields []string) int {
	n := 0
	for _, f := range fields {
		for _, core := range coreFields {
			if f == core {
				n++
			}
		}
	}
	return n
}

func hasYearless(cfg *config.InstitutionConfig) bool {
	for _, l := range cfg.DateLayouts() {
		if !l.HasYear {
			return true
		}
	}
	return false
}
