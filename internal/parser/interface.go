// Package parser defines the capability contract every format extractor implements.
package parser

import (
	"context"
	"errors"
	"io"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// Document-level extraction failures. Extractors wrap these so callers can
// tell precondition failures from I/O errors.
var (
	ErrEmptyInput        = errors.New("input contains no data")
	ErrMissingColumns    = errors.New("required columns missing")
	ErrMalformedDocument = errors.New("malformed document")
	ErrConfigMismatch    = errors.New("configuration does not fit extractor")
)

// Extractor is the strategy interface for one physical format family.
// Extractors hold no per-institution code: everything institution specific
// comes from the InstitutionConfig passed to each call, so one instance is
// shared by concurrent imports.
type Extractor interface {
	// Name returns the extractor identifier (e.g., "csv", "ofx")
	Name() string

	// Format returns the format family handled by the extractor
	Format() domain.Format

	// CanHandle is a cheap structural check of the probe against one configuration
	// (required columns present, expected markup root, pattern hits).
	CanHandle(probe Probe, cfg *config.InstitutionConfig) bool

	// Check reports configuration problems that make extraction impossible.
	// It runs before any row is processed.
	Check(cfg *config.InstitutionConfig) error

	// Extract streams raw records into sink. Row-level problems are reported to
	// the sink and extraction continues; the returned error is reserved for
	// document-level failures and context expiry.
	Extract(ctx context.Context, r io.Reader, cfg *config.InstitutionConfig, sink Sink) error
}

// Sink receives extraction results as they are produced.
type Sink interface {
	// Record accepts one raw record. A non-nil error aborts extraction.
	Record(rec domain.RawRecord) error

	// RowError reports a malformed row; extraction continues.
	RowError(issue domain.Issue)

	// Warning reports a recoverable extractor-level problem.
	Warning(issue domain.Issue)

	// Skip reports a row that is intentionally not a transaction
	// (summary rows, blank rows).
	Skip(row int, reason string)
}
