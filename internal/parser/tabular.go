package parser

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// fieldOrder fixes the order of canonical fields in produced records.
var fieldOrder = []string{
	config.FieldDate, config.FieldDescription, config.FieldAmount,
	config.FieldDebit, config.FieldCredit, config.FieldType,
	config.FieldCurrency, config.FieldMemo, config.FieldReference,
	config.FieldCategory, config.FieldAccount, config.FieldMerchant,
	config.FieldLocation, config.FieldOriginalAmount,
	config.FieldOriginalCurrency, config.FieldExchangeRate,
}

// CanonicalOrder returns the position of a canonical field in record order.
func CanonicalOrder(field string) int {
	for i, f := range fieldOrder {
		if f == field {
			return i
		}
	}
	return len(fieldOrder)
}

// RequiredFields returns the canonical fields a tabular row must provide.
func RequiredFields(cfg *config.InstitutionConfig) []string {
	req := []string{config.FieldDate, config.FieldDescription}
	if cfg.UsesDebitCredit() {
		return append(req, config.FieldDebit, config.FieldCredit)
	}
	return append(req, config.FieldAmount)
}

// ColumnMap resolves mapped canonical fields to cell positions for
// header-based or positional tabular input.
type ColumnMap struct {
	fields   []string
	index    map[string]int
	required []string
	width    int
	missing  []string
}

// NewColumnMap binds the configuration's field mapping to a header row.
// A nil header means positional (#N) mappings only. Missing required columns
// are an error; missing optional columns are reported by Missing.
func NewColumnMap(cfg *config.InstitutionConfig, header []string) (*ColumnMap, error) {
	m := &ColumnMap{index: map[string]int{}, required: RequiredFields(cfg)}

	positions := map[string]int{}
	for i, h := range header {
		name := normalizeHeader(h)
		if _, dup := positions[name]; !dup && name != "" {
			positions[name] = i
		}
	}

	fields := make([]string, 0, len(cfg.Fields))
	for field := range cfg.Fields {
		fields = append(fields, field)
	}
	sort.Slice(fields, func(i, j int) bool { return CanonicalOrder(fields[i]) < CanonicalOrder(fields[j]) })

	var absent []string
	for _, field := range fields {
		src := cfg.Fields[field]
		if src == "" {
			continue
		}
		idx, ok := config.ParsePosition(src)
		if !ok {
			idx, ok = positions[normalizeHeader(src)]
		}
		if !ok {
			if isRequired(m.required, field) {
				absent = append(absent, fmt.Sprintf("%s (%q)", field, src))
			} else {
				m.missing = append(m.missing, field)
			}
			continue
		}
		m.fields = append(m.fields, field)
		m.index[field] = idx
	}
	if len(absent) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(absent, ", "))
	}

	for _, field := range m.required {
		if idx, ok := m.index[field]; ok && idx+1 > m.width {
			m.width = idx + 1
		}
	}
	return m, nil
}

func isRequired(required []string, field string) bool {
	for _, r := range required {
		if r == field {
			return true
		}
	}
	return false
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}

// Missing returns the mapped optional fields absent from the header.
func (m *ColumnMap) Missing() []string { return append([]string(nil), m.missing...) }

// Width returns the number of cells a row needs to cover every required field.
func (m *ColumnMap) Width() int { return m.width }

// Complete reports whether a row has cells for every required field.
func (m *ColumnMap) Complete(cells []string) bool { return len(cells) >= m.width }

// Value returns the cell mapped to a canonical field, or "".
func (m *ColumnMap) Value(cells []string, field string) string {
	idx, ok := m.index[field]
	if !ok || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

// Fields converts a row into canonical fields, skipping cells the row lacks.
func (m *ColumnMap) Fields(cells []string) []domain.Field {
	out := make([]domain.Field, 0, len(m.fields))
	for _, field := range m.fields {
		idx := m.index[field]
		if idx >= len(cells) {
			continue
		}
		out = append(out, domain.Field{Name: field, Value: strings.TrimSpace(cells[idx])})
	}
	return out
}

// ParsesAsDate reports whether value matches one of the configured date layouts.
func ParsesAsDate(cfg *config.InstitutionConfig, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, layout := range cfg.DateLayouts() {
		if _, err := time.Parse(layout.Layout, value); err == nil {
			return true
		}
	}
	return false
}

// IsBlank reports whether every cell is empty.
func IsBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Emit builds a record from a tabular row and hands it to the sink, applying
// the configuration's skip rules and reporting short rows as row errors.
func Emit(sink Sink, cfg *config.InstitutionConfig, m *ColumnMap, extractor string, row int, cells []string) error {
	if IsBlank(cells) {
		sink.Skip(row, "blank row")
		return nil
	}
	if skip, reason := cfg.SkipRow(func(field string) string { return m.Value(cells, field) }); skip {
		sink.Skip(row, reason)
		return nil
	}
	if !m.Complete(cells) {
		sink.RowError(*domain.RowError(row, "short_row", "", strings.Join(cells, " | "),
			fmt.Sprintf("row has %d cells, expected at least %d", len(cells), m.Width())))
		return nil
	}

	rec, err := domain.NewRawRecord(row, 1, extractor, m.Fields(cells), nil)
	if err != nil {
		sink.RowError(*domain.RowError(row, "empty_row", "", "", err.Error()))
		return nil
	}
	return sink.Record(rec)
}
