package importer

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/normalize"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/validate"
)

// rowSink normalizes and validates records as the extractor produces them,
// so only canonical transactions and issues are held in memory.
type rowSink struct {
	ctx        context.Context
	normalizer *normalize.Normalizer
	validator  *validate.Validator
	cfg        *config.InstitutionConfig
	account    string
	log        zerolog.Logger

	txns     []domain.CanonicalTransaction
	errors   []domain.Issue
	warnings []domain.Issue
	skipped  int
}

func (s *rowSink) Record(rec domain.RawRecord) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	txn, err := s.normalizer.Normalize(rec, s.cfg, s.account)
	if err != nil {
		var issue *domain.Issue
		if errors.As(err, &issue) {
			s.errors = append(s.errors, *issue)
		} else {
			s.errors = append(s.errors, *domain.RowError(rec.Row(), "invalid_record", "", "", err.Error()))
		}
		return nil
	}

	result := s.validator.Validate(*txn)
	if !result.Valid() {
		s.errors = append(s.errors, result.Errors...)
		return nil
	}
	txn.Warnings = append(txn.Warnings, result.Warnings...)
	txn.Confidence = result.Confidence
	s.txns = append(s.txns, *txn)
	return nil
}

func (s *rowSink) RowError(issue domain.Issue) {
	issue.Kind = domain.IssueRow
	s.errors = append(s.errors, issue)
}

func (s *rowSink) Warning(issue domain.Issue) {
	issue.Kind = domain.IssueWarning
	s.warnings = append(s.warnings, issue)
}

func (s *rowSink) Skip(row int, reason string) {
	s.skipped++
	s.log.Debug().Int("row", row).Str("reason", reason).Msg("row skipped")
}
