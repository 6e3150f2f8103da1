package importer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// Ledger is the caller's transaction store. Persist must be atomic per token:
// either the batch is recorded under token or nothing is.
type Ledger interface {
	Persist(ctx context.Context, token string, txns []domain.CanonicalTransaction) ([]domain.CommitFailure, error)
	Revert(ctx context.Context, token string) error
}

// CommitPolicy selects which previewed transactions a commit persists.
// The zero value keeps within-batch duplicates and skips rows that match
// existing history.
type CommitPolicy struct {
	SkipWithinBatch bool
	IncludeExisting bool
}

// CommitResult describes a completed commit.
type CommitResult struct {
	ImportID     string                        `json:"importId"`
	Token        string                        `json:"token"`
	Transactions []domain.CanonicalTransaction `json:"transactions"`
	Failures     []domain.CommitFailure        `json:"failures,omitempty"`
	CommittedAt  time.Time                     `json:"committedAt"`
}

func (r *CommitResult) clone() *CommitResult {
	out := *r
	out.Transactions = make([]domain.CanonicalTransaction, len(r.Transactions))
	for i, txn := range r.Transactions {
		out.Transactions[i] = txn.Clone()
	}
	out.Failures = append([]domain.CommitFailure(nil), r.Failures...)
	return &out
}

// Batch is one statement moving through the import lifecycle. It is owned by
// the caller that previewed it; all methods are safe for concurrent use.
type Batch struct {
	ID string

	mu      sync.Mutex
	state   State
	history []Transition
	outcome domain.ParseOutcome
	token   string
	ledger  Ledger
	result  *CommitResult
	now     func() time.Time
}

func newBatch(id string, now func() time.Time) *Batch {
	b := &Batch{ID: id, state: StateReceived, now: now}
	b.history = []Transition{{To: StateReceived, At: now()}}
	b.outcome.Metadata.ImportID = id
	return b
}

// State returns the current lifecycle state.
func (b *Batch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// History returns every transition so far, oldest first.
func (b *Batch) History() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Transition(nil), b.history...)
}

// Outcome returns a copy of the batch outcome.
func (b *Batch) Outcome() domain.ParseOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome.Clone()
}

// Token returns the commit token, empty before the first commit.
func (b *Batch) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

// Pending returns the exact transactions a commit under policy would persist.
func (b *Batch) Pending(policy CommitPolicy) []domain.CanonicalTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending(policy)
}

func (b *Batch) pending(policy CommitPolicy) []domain.CanonicalTransaction {
	out := make([]domain.CanonicalTransaction, 0, len(b.outcome.Transactions))
	for _, txn := range b.outcome.Transactions {
		switch txn.Duplicate {
		case domain.DuplicateExisting:
			if !policy.IncludeExisting {
				continue
			}
		case domain.DuplicateWithinBatch:
			if policy.SkipWithinBatch {
				continue
			}
		}
		out = append(out, txn.Clone())
	}
	return out
}

// ReportCommitFailures records per-record failures the ledger discovered
// after the commit returned. They are appended to the outcome as commit
// issues and to the stored commit result.
func (b *Batch) ReportCommitFailures(failures ...domain.CommitFailure) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateCommitted {
		return fmt.Errorf("%w: cannot report commit failures in state %s", ErrInvalidState, b.state)
	}
	b.recordFailures(failures)
	b.result.Failures = append(b.result.Failures, failures...)
	return nil
}

func (b *Batch) recordFailures(failures []domain.CommitFailure) {
	for _, f := range failures {
		b.outcome.Errors = append(b.outcome.Errors, domain.Issue{
			Kind:    domain.IssueCommit,
			Code:    "commit_failed",
			Row:     f.Row,
			Value:   f.Fingerprint,
			Message: f.Reason,
		})
	}
}

// transition must be called with mu held.
func (b *Batch) transition(to State, reason string) error {
	if !CanTransition(b.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, b.state, to)
	}
	b.history = append(b.history, Transition{From: b.state, To: to, At: b.now(), Reason: reason})
	b.state = to
	return nil
}
