package domain

import (
	"fmt"
	"strings"
)

// Field is one named raw value produced by an extractor.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawSplit is one component of a split transaction, kept as raw strings.
type RawSplit struct {
	Category string `json:"category,omitempty"`
	Memo     string `json:"memo,omitempty"`
	Amount   string `json:"amount"`
}

// RawRecord is one extractor-produced row before normalization.
// Fields keep the source order. RawRecord is immutable once constructed;
// accessors return copies.
type RawRecord struct {
	row       int
	lines     int
	extractor string
	fields    []Field
	splits    []RawSplit
}

// NewRawRecord creates a validated raw record.
// row is the 1-based source line or row index; lines is the number of source
// lines the record consumed (0 is treated as 1).
func NewRawRecord(row, lines int, extractor string, fields []Field, splits []RawSplit) (RawRecord, error) {
	if row < 1 {
		return RawRecord{}, fmt.Errorf("row must be positive, got %d", row)
	}
	if extractor == "" {
		return RawRecord{}, fmt.Errorf("extractor name cannot be empty")
	}
	if len(fields) == 0 && len(splits) == 0 {
		return RawRecord{}, fmt.Errorf("record at row %d has no fields", row)
	}
	if lines < 1 {
		lines = 1
	}
	return RawRecord{
		row:       row,
		lines:     lines,
		extractor: extractor,
		fields:    append([]Field(nil), fields...),
		splits:    append([]RawSplit(nil), splits...),
	}, nil
}

// Row returns the 1-based source row of the record's first line.
func (r RawRecord) Row() int { return r.row }

// Lines returns the number of source lines the record consumed.
func (r RawRecord) Lines() int { return r.lines }

// Extractor returns the name of the extractor that produced the record.
func (r RawRecord) Extractor() string { return r.extractor }

// Fields returns a copy of the ordered field list.
func (r RawRecord) Fields() []Field { return append([]Field(nil), r.fields...) }

// Splits returns a copy of the split components. Nil means a single-amount record.
func (r RawRecord) Splits() []RawSplit {
	if len(r.splits) == 0 {
		return nil
	}
	return append([]RawSplit(nil), r.splits...)
}

// IsSplit reports whether the record carries split components.
func (r RawRecord) IsSplit() bool { return len(r.splits) > 0 }

// Get returns the trimmed value of the first field whose name matches
// case-insensitively.
func (r RawRecord) Get(name string) (string, bool) {
	for _, f := range r.fields {
		if strings.EqualFold(f.Name, name) {
			return strings.TrimSpace(f.Value), true
		}
	}
	return "", false
}

// Value returns the field value or "" when absent.
func (r RawRecord) Value(name string) string {
	v, _ := r.Get(name)
	return v
}
