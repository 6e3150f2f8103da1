package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Store caches the current configuration snapshot and swaps it atomically on reload.
// Readers never block and never observe a partially loaded set.
type Store struct {
	source  Source
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex // serializes reloads
	version int64
	log     zerolog.Logger
	now     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for reload events.
func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore loads the first snapshot from source.
func NewStore(ctx context.Context, source Source, opts ...StoreOption) (*Store, error) {
	s := &Store{
		source: source,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return s, nil
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload rebuilds the snapshot from the source. It is all-or-nothing: on any
// error the previous snapshot stays current. Reloading unchanged documents
// keeps the current snapshot and reports false.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.source.Load(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("config reload failed")
		return false, err
	}

	current := s.current.Load()
	if current != nil && current.Digest() == digestDocuments(docs) {
		s.log.Debug().Int64("version", current.Version()).Msg("config unchanged")
		return false, nil
	}

	next, err := NewSnapshot(s.version+1, s.now(), docs)
	if err != nil {
		s.log.Error().Err(err).Msg("config reload rejected")
		return false, err
	}
	s.version = next.Version()
	s.current.Store(next)

	s.log.Info().
		Int64("version", next.Version()).
		Int("configs", next.Len()).
		Msg("config snapshot loaded")
	return true, nil
}
