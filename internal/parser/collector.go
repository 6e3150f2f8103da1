package parser

import (
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// Collector is a Sink that buffers everything it receives.
type Collector struct {
	Records   []domain.RawRecord
	RowErrors []domain.Issue
	Warnings  []domain.Issue
	Skipped   []int
}

// Record appends the record.
func (c *Collector) Record(rec domain.RawRecord) error {
	c.Records = append(c.Records, rec)
	return nil
}

// RowError appends the issue.
func (c *Collector) RowError(issue domain.Issue) {
	c.RowErrors = append(c.RowErrors, issue)
}

// Warning appends the issue.
func (c *Collector) Warning(issue domain.Issue) {
	c.Warnings = append(c.Warnings, issue)
}

// Skip records the skipped row number.
func (c *Collector) Skip(row int, reason string) {
	c.Skipped = append(c.Skipped, row)
}
