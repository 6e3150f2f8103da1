package dedup

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// FileLedger is a State persisted to a JSON file after every change.
type FileLedger struct {
	path string

	mu    sync.Mutex // serializes change-and-save
	state *State
}

// OpenFileLedger loads the state at path, starting empty when the file does
// not exist yet.
func OpenFileLedger(path string) (*FileLedger, error) {
	state, err := LoadState(path)
	if os.IsNotExist(err) {
		state = NewState()
	} else if err != nil {
		return nil, fmt.Errorf("failed to load state file %s: %w", path, err)
	}
	return &FileLedger{path: path, state: state}, nil
}

// State returns the in-memory state, which doubles as the FingerprintSet of
// everything committed so far.
func (l *FileLedger) State() *State { return l.state }

// Contains reports whether fingerprint has been committed.
func (l *FileLedger) Contains(fingerprint string) bool {
	return l.state.Contains(fingerprint)
}

// Persist records txns under token and saves the file. If the file cannot be
// written the in-memory change is undone.
func (l *FileLedger) Persist(ctx context.Context, token string, txns []domain.CanonicalTransaction) ([]domain.CommitFailure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	known := l.hasToken(token)
	failures, err := l.state.Persist(ctx, token, txns)
	if err != nil {
		return nil, err
	}
	if known {
		return failures, nil
	}
	if err := SaveState(l.state, l.path); err != nil {
		l.state.mu.Lock()
		l.state.revert(token)
		l.state.mu.Unlock()
		return nil, err
	}
	return failures, nil
}

// Revert undoes token and saves the file. If the file cannot be written the
// commit stays recorded in memory too, so a retry reverts it again.
func (l *FileLedger) Revert(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.hasToken(token) {
		return nil
	}

	l.state.mu.Lock()
	undo := l.state.revertUndoable(token)
	l.state.mu.Unlock()

	if err := SaveState(l.state, l.path); err != nil {
		l.state.mu.Lock()
		undo()
		l.state.mu.Unlock()
		return err
	}
	return nil
}

func (l *FileLedger) hasToken(token string) bool {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	_, ok := l.state.Commits[token]
	return ok
}
