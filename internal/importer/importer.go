// Package importer coordinates one statement import from raw bytes to a
// committed batch: detection, extractor resolution, streaming normalization,
// validation, duplicate flagging, preview, commit and rollback.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/dedup"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/detect"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/logger"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/normalize"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/registry"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/rules"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/streaming"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/textprep"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/validate"
)

// SnapshotSource supplies the current configuration snapshot.
// *config.Store implements it.
type SnapshotSource interface {
	Snapshot() *config.Snapshot
}

// Request is one statement to preview.
type Request struct {
	Data      []byte
	FileName  string
	MediaType string
	Scope     config.Scope
	// Account is used for records that carry no account of their own.
	Account string
	// Existing holds fingerprints of previously imported transactions; nil
	// disables matching against history.
	Existing dedup.FingerprintSet
}

// Coordinator runs imports. It holds no per-import state and is safe for
// concurrent use.
type Coordinator struct {
	registry   *registry.Registry
	store      SnapshotSource
	normalizer *normalize.Normalizer
	validator  *validate.Validator
	emitter    streaming.Emitter
	log        *zerolog.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNormalizer replaces the default normalizer (embedded category rules).
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(c *Coordinator) { c.normalizer = n }
}

// WithValidator replaces the default validator.
func WithValidator(v *validate.Validator) Option {
	return func(c *Coordinator) { c.validator = v }
}

// WithEmitter sets the receiver of stage events.
func WithEmitter(e streaming.Emitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithLogger sets the logger. Without it the logger is taken from the
// request context.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = &log }
}

// WithClock overrides the clock used for history and commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides import ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// New creates a coordinator over an explicitly constructed registry and
// configuration source.
func New(reg *registry.Registry, store SnapshotSource, opts ...Option) (*Coordinator, error) {
	if reg == nil || store == nil {
		return nil, fmt.Errorf("registry and configuration store are required")
	}
	c := &Coordinator{
		registry: reg,
		store:    store,
		emitter:  streaming.Nop,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.normalizer == nil {
		engine, err := rules.LoadEmbedded()
		if err != nil {
			return nil, fmt.Errorf("failed to load category rules: %w", err)
		}
		c.normalizer = normalize.New(engine)
	}
	if c.validator == nil {
		c.validator = validate.New(validate.WithClock(c.now))
	}
	return c, nil
}

func (c *Coordinator) logger(ctx context.Context) zerolog.Logger {
	if c.log != nil {
		return *c.log
	}
	return logger.FromContext(ctx)
}

func (c *Coordinator) emit(b *Batch, t streaming.EventType, data interface{}) {
	c.emitter.Emit(streaming.NewEvent(t, b.ID, c.now(), data))
}

// Preview runs every stage up to the preview. The configuration snapshot
// current at entry is used throughout, whatever reloads happen meanwhile.
//
// When the input is refused the batch is returned in the rejected state
// together with an error wrapping ErrUnsupportedFormat, ErrNoExtractor or
// ErrPrecondition. When ctx ends the batch is abandoned and only the context
// error is returned.
func (c *Coordinator) Preview(ctx context.Context, req Request) (*Batch, error) {
	snap := c.store.Snapshot()
	b := newBatch(c.newID(), c.now)
	b.outcome.Metadata.FileName = req.FileName
	if snap != nil {
		b.outcome.Metadata.SnapshotVersion = snap.Version()
	}
	log := c.logger(ctx).With().Str("import_id", b.ID).Str("file", req.FileName).Logger()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := detect.Detect(req.Data, req.FileName, req.MediaType)
	b.outcome.Metadata.Candidates = candidates
	if len(candidates) == 0 {
		return c.reject(b, log, "unsupported_format", fmt.Errorf("%w: no format recognized in %q", ErrUnsupportedFormat, req.FileName))
	}
	c.advance(b, StateDetected, "")
	c.emit(b, streaming.EventTypeDetected, streaming.DetectedEvent{FileName: req.FileName, Candidates: candidates})
	log.Debug().Int("candidates", len(candidates)).Str("best", string(candidates[0].Format)).Msg("format detected")

	prep := newPreparer(req.Data)
	probeFor := func(cand domain.Candidate) parser.Probe {
		data, _ := prep.prepare(cand.Container)
		return parser.NewProbe(req.FileName, req.MediaType, cand, data)
	}

	res, err := c.registry.Resolve(candidates, probeFor, snap, req.Scope)
	if err != nil {
		if prepErr := prep.firstError(); prepErr != nil {
			err = fmt.Errorf("%w (%w)", err, prepErr)
		}
		return c.reject(b, log, "no_extractor", fmt.Errorf("%w: %w", ErrNoExtractor, err))
	}
	meta := &b.outcome.Metadata
	meta.Format = res.Candidate.Format
	meta.Institution = res.Config.Institution
	meta.ConfigVersion = res.Config.Version
	meta.Extractor = res.Extractor.Name()
	c.emit(b, streaming.EventTypeResolved, streaming.ResolvedEvent{
		Format:          meta.Format,
		Institution:     meta.Institution,
		Extractor:       meta.Extractor,
		ConfigVersion:   meta.ConfigVersion,
		SnapshotVersion: meta.SnapshotVersion,
	})
	log = log.With().Str("institution", meta.Institution).Str("extractor", meta.Extractor).Logger()
	log.Debug().Int("config_version", meta.ConfigVersion).Msg("extractor resolved")

	if err := res.Extractor.Check(res.Config); err != nil {
		return c.reject(b, log, "invalid_configuration", fmt.Errorf("%w: %w", ErrPrecondition, err))
	}

	data, _ := prep.prepare(res.Candidate.Container)
	sink := &rowSink{
		ctx:        ctx,
		normalizer: c.normalizer,
		validator:  c.validator,
		cfg:        res.Config,
		account:    req.Account,
		log:        log,
	}
	err = res.Extractor.Extract(ctx, bytes.NewReader(data), res.Config, sink)
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn().Err(ctxErr).Msg("import abandoned")
		return nil, ctxErr
	}
	if err != nil {
		return c.reject(b, log, "extraction_failed", fmt.Errorf("%w: %w", ErrPrecondition, err))
	}

	sort.SliceStable(sink.errors, func(i, j int) bool { return sink.errors[i].Row < sink.errors[j].Row })
	b.mu.Lock()
	b.outcome.Errors = sink.errors
	b.outcome.Warnings = sink.warnings
	b.outcome.Metadata.RowsSkipped = sink.skipped
	b.outcome.Transactions = sink.txns
	b.outcome.Recount()
	extracted := b.outcome.Counts
	b.mu.Unlock()
	c.advance(b, StateExtracted, "")
	c.emit(b, streaming.EventTypeExtracted, streaming.CountsEvent{Counts: extracted})

	b.mu.Lock()
	b.outcome.Transactions = dedup.Annotate(b.outcome.Transactions, req.Existing)
	for _, txn := range b.outcome.Transactions {
		b.outcome.Warnings = append(b.outcome.Warnings, txn.Warnings...)
	}
	b.outcome.Recount()
	counts := b.outcome.Counts
	b.mu.Unlock()
	c.advance(b, StateValidated, "")
	c.emit(b, streaming.EventTypeValidated, streaming.CountsEvent{Counts: counts})

	c.advance(b, StatePreviewed, "")
	c.emit(b, streaming.EventTypePreviewed, streaming.CountsEvent{Counts: counts})
	log.Info().
		Int("seen", counts.Seen).
		Int("extracted", counts.Extracted).
		Int("rejected", counts.Rejected).
		Int("duplicated", counts.Duplicated).
		Int("skipped", counts.Skipped).
		Msg("import previewed")
	return b, nil
}

func (c *Coordinator) advance(b *Batch, to State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.transition(to, reason)
}

func (c *Coordinator) reject(b *Batch, log zerolog.Logger, code string, err error) (*Batch, error) {
	b.mu.Lock()
	b.outcome.Errors = append(b.outcome.Errors, domain.Issue{Kind: domain.IssuePrecondition, Code: code, Message: err.Error()})
	b.outcome.Recount()
	_ = b.transition(StateRejected, err.Error())
	b.mu.Unlock()

	c.emit(b, streaming.EventTypeRejected, streaming.RejectedEvent{Reason: err.Error()})
	log.Warn().Err(err).Str("code", code).Msg("import rejected")
	return b, err
}

// Commit persists the batch's pending transactions under token. Committing
// again with the same token returns the stored result without touching the
// ledger; a different token fails with ErrTokenMismatch. If the ledger fails
// the batch stays previewed and the commit may be retried.
func (c *Coordinator) Commit(ctx context.Context, b *Batch, token string, ledger Ledger, policy CommitPolicy) (*CommitResult, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	log := c.logger(ctx).With().Str("import_id", b.ID).Str("token", token).Logger()

	switch b.state {
	case StatePreviewed:
	case StateCommitted:
		if token != b.token {
			return nil, fmt.Errorf("%w: batch %s was committed with another token", ErrTokenMismatch, b.ID)
		}
		return b.result.clone(), nil
	default:
		return nil, fmt.Errorf("%w: cannot commit batch %s in state %s", ErrInvalidState, b.ID, b.state)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pending := b.pending(policy)
	failures, err := ledger.Persist(ctx, token, pending)
	if err != nil {
		log.Error().Err(err).Msg("commit failed")
		return nil, fmt.Errorf("failed to commit batch %s: %w", b.ID, err)
	}

	failed := make(map[int]bool, len(failures))
	for _, f := range failures {
		failed[f.Row] = true
	}
	persisted := make([]domain.CanonicalTransaction, 0, len(pending))
	for _, txn := range pending {
		if !failed[txn.Row] {
			persisted = append(persisted, txn)
		}
	}

	b.recordFailures(failures)
	b.token = token
	b.ledger = ledger
	b.result = &CommitResult{
		ImportID:     b.ID,
		Token:        token,
		Transactions: persisted,
		Failures:     failures,
		CommittedAt:  c.now(),
	}
	_ = b.transition(StateCommitted, "")

	c.emit(b, streaming.EventTypeCommitted, streaming.CommitEvent{Token: token, Persisted: len(persisted), Failures: len(failures)})
	log.Info().Int("persisted", len(persisted)).Int("failures", len(failures)).Msg("batch committed")
	return b.result.clone(), nil
}

// Rollback reverts a committed batch through the ledger it was committed to,
// or discards a previewed one. Rolling back a rolled-back batch is a no-op.
func (c *Coordinator) Rollback(ctx context.Context, b *Batch, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := c.logger(ctx).With().Str("import_id", b.ID).Str("token", token).Logger()

	if b.token != "" && token != b.token {
		return fmt.Errorf("%w: batch %s was committed with another token", ErrTokenMismatch, b.ID)
	}

	switch b.state {
	case StateRolledBack:
		return nil
	case StatePreviewed:
		_ = b.transition(StateRolledBack, "discarded before commit")
	case StateCommitted:
		if err := b.ledger.Revert(ctx, token); err != nil {
			log.Error().Err(err).Msg("rollback failed")
			return fmt.Errorf("failed to roll back batch %s: %w", b.ID, err)
		}
		_ = b.transition(StateRolledBack, "")
	default:
		return fmt.Errorf("%w: cannot roll back batch %s in state %s", ErrInvalidState, b.ID, b.state)
	}

	c.emit(b, streaming.EventTypeRolledBack, streaming.CommitEvent{Token: token})
	log.Info().Msg("batch rolled back")
	return nil
}

// preparer converts the input once per container kind and remembers the result.
type preparer struct {
	raw    []byte
	data   map[string][]byte
	errors map[string]error
}

func newPreparer(raw []byte) *preparer {
	return &preparer{raw: raw, data: map[string][]byte{}, errors: map[string]error{}}
}

func (p *preparer) prepare(container string) ([]byte, error) {
	if container == "" {
		return p.raw, nil
	}
	if data, ok := p.data[container]; ok {
		return data, p.errors[container]
	}

	var data []byte
	var err error
	switch container {
	case detect.ContainerPDF:
		var text string
		text, err = textprep.PDFText(p.raw)
		data = []byte(text)
	default:
		err = fmt.Errorf("unknown container %q", container)
	}
	p.data[container] = data
	p.errors[container] = err
	return data, err
}

func (p *preparer) firstError() error {
	var errs []error
	for _, err := range p.errors {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
