// Package dedup provides transaction deduplication via SHA256 fingerprinting and
// a JSON fingerprint ledger that can commit and revert imports by token.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// State represents the deduplication state with fingerprint history.
type State struct {
	Version      int                           `json:"version"`
	Fingerprints map[string]*FingerprintRecord `json:"fingerprints"`
	Commits      map[string]*CommitRecord      `json:"commits"`
	Metadata     StateMetadata                 `json:"metadata"`

	mu  sync.Mutex
	now func() time.Time
}

// FingerprintRecord tracks a transaction fingerprint across multiple observations.
type FingerprintRecord struct {
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Count     int       `json:"count"`
	// Token is the commit that first recorded the fingerprint.
	Token string `json:"token"`
}

// CommitRecord lists what one commit token recorded so it can be reverted.
type CommitRecord struct {
	CommittedAt  time.Time `json:"committedAt"`
	Fingerprints []string  `json:"fingerprints"`
}

// StateMetadata contains aggregate statistics about the state.
type StateMetadata struct {
	LastUpdated       time.Time `json:"lastUpdated"`
	TotalFingerprints int       `json:"totalFingerprints"`
	TotalCommits      int       `json:"totalCommits"`
}

const (
	// CurrentVersion is the current state file format version
	CurrentVersion = 2
)

// NewState creates an empty deduplication state.
func NewState() *State {
	return &State{
		Version:      CurrentVersion,
		Fingerprints: make(map[string]*FingerprintRecord),
		Commits:      make(map[string]*CommitRecord),
		Metadata: StateMetadata{
			LastUpdated: time.Now(),
		},
	}
}

// SetClock overrides the clock used to timestamp commits.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// LoadState loads a state file from disk.
// Returns os.IsNotExist error if file doesn't exist (caller should handle).
func LoadState(filePath string) (*State, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err // Preserve os.IsNotExist for caller
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	if state.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported state file version %d (current version: %d)", state.Version, CurrentVersion)
	}

	if state.Fingerprints == nil {
		state.Fingerprints = make(map[string]*FingerprintRecord)
	}
	if state.Commits == nil {
		state.Commits = make(map[string]*CommitRecord)
	}

	return &state, nil
}

// SaveState atomically writes the state to disk.
// Uses atomic write pattern: write to temp file, then rename.
// Ensures parent directory exists.
func SaveState(state *State, filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	state.mu.Lock()
	state.Metadata.LastUpdated = state.clock()
	state.Metadata.TotalFingerprints = len(state.Fingerprints)
	state.Metadata.TotalCommits = len(state.Commits)
	data, err := json.MarshalIndent(state, "", "  ")
	state.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempFile := filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func (s *State) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Contains reports whether a fingerprint has been committed. A nil state
// contains nothing.
func (s *State) Contains(fingerprint string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.Fingerprints[fingerprint]
	return exists
}

// record adds one observation of fingerprint. A new fingerprint starts with
// count 1; a known one has its count incremented and LastSeen moved forward.
func (s *State) record(fingerprint, token string, timestamp time.Time) error {
	if fingerprint == "" {
		return fmt.Errorf("fingerprint cannot be empty")
	}
	if token == "" {
		return fmt.Errorf("commit token cannot be empty")
	}

	if record, exists := s.Fingerprints[fingerprint]; exists {
		if timestamp.After(record.LastSeen) {
			record.LastSeen = timestamp
		}
		record.Count++
	} else {
		s.Fingerprints[fingerprint] = &FingerprintRecord{
			FirstSeen: timestamp,
			LastSeen:  timestamp,
			Count:     1,
			Token:     token,
		}
	}
	return nil
}

// Persist records the fingerprints of txns under token. Re-persisting a token
// that is already recorded changes nothing. Transactions without a
// fingerprint are reported as failures and skipped.
func (s *State) Persist(ctx context.Context, token string, txns []domain.CanonicalTransaction) ([]domain.CommitFailure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("commit token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.Commits[token]; done {
		return nil, nil
	}

	now := s.clock()
	commit := &CommitRecord{CommittedAt: now}
	var failures []domain.CommitFailure
	for _, txn := range txns {
		if err := s.record(txn.Fingerprint, token, now); err != nil {
			failures = append(failures, domain.CommitFailure{Row: txn.Row, Fingerprint: txn.Fingerprint, Reason: err.Error()})
			continue
		}
		commit.Fingerprints = append(commit.Fingerprints, txn.Fingerprint)
	}
	s.Commits[token] = commit
	return failures, nil
}

// Revert undoes everything recorded under token. Reverting an unknown or
// already reverted token is a no-op.
func (s *State) Revert(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revert(token)
	return nil
}

// revertUndoable reverts token and returns a function that puts back what
// the revert removed. The caller holds s.mu for both.
func (s *State) revertUndoable(token string) (undo func()) {
	commit, ok := s.Commits[token]
	if !ok {
		return func() {}
	}
	saved := make(map[string]FingerprintRecord, len(commit.Fingerprints))
	for _, fp := range commit.Fingerprints {
		if record, exists := s.Fingerprints[fp]; exists {
			saved[fp] = *record
		}
	}
	s.revert(token)
	return func() {
		for fp, record := range saved {
			record := record
			s.Fingerprints[fp] = &record
		}
		s.Commits[token] = commit
	}
}

func (s *State) revert(token string) {
	commit, ok := s.Commits[token]
	if !ok {
		return
	}
	for _, fp := range commit.Fingerprints {
		record, exists := s.Fingerprints[fp]
		if !exists {
			continue
		}
		record.Count--
		if record.Count <= 0 {
			delete(s.Fingerprints, fp)
		}
	}
	delete(s.Commits, token)
}

// Tokens returns the recorded commit tokens, oldest first.
func (s *State) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := make([]string, 0, len(s.Commits))
	for t := range s.Commits {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		a, b := s.Commits[tokens[i]], s.Commits[tokens[j]]
		if !a.CommittedAt.Equal(b.CommittedAt) {
			return a.CommittedAt.Before(b.CommittedAt)
		}
		return tokens[i] < tokens[j]
	})
	return tokens
}
