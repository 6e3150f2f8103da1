// Package sqlitestore keeps committed transactions and institution
// configuration documents in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/dedup"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	token        TEXT PRIMARY KEY,
	committed_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transactions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	token        TEXT NOT NULL REFERENCES commits(token) ON DELETE CASCADE,
	row_number   INTEGER NOT NULL,
	fingerprint  TEXT NOT NULL,
	txn_date     TEXT NOT NULL,
	amount_minor INTEGER NOT NULL,
	currency     TEXT NOT NULL,
	description  TEXT NOT NULL,
	account      TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_fingerprint ON transactions(fingerprint);
CREATE INDEX IF NOT EXISTS idx_transactions_token ON transactions(token);
CREATE TABLE IF NOT EXISTS institution_configs (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is a transaction ledger and configuration source backed by SQLite.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for commit and revert events.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the clock used for commit and update timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the database at dsn (a file path or "file::memory:?cache=shared")
// and creates the schema if needed.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Persist stores txns under token in one database transaction. A token that
// is already stored is left untouched. Transactions without a fingerprint are
// reported as failures and skipped.
func (s *Store) Persist(ctx context.Context, token string, txns []domain.CanonicalTransaction) ([]domain.CommitFailure, error) {
	if token == "" {
		return nil, fmt.Errorf("commit token cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT token FROM commits WHERE token = ?`, token).Scan(&existing)
	switch {
	case err == nil:
		return nil, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to look up commit %s: %w", token, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO commits (token, committed_at) VALUES (?, ?)`,
		token, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("failed to insert commit %s: %w", token, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (token, row_number, fingerprint, txn_date, amount_minor, currency, description, account, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var failures []domain.CommitFailure
	inserted := 0
	for _, txn := range txns {
		if txn.Fingerprint == "" {
			failures = append(failures, domain.CommitFailure{Row: txn.Row, Reason: "transaction has no fingerprint"})
			continue
		}
		payload, err := json.Marshal(txn)
		if err != nil {
			failures = append(failures, domain.CommitFailure{Row: txn.Row, Fingerprint: txn.Fingerprint, Reason: err.Error()})
			continue
		}
		if _, err := stmt.ExecContext(ctx, token, txn.Row, txn.Fingerprint, txn.Date.String(),
			txn.AmountMinor, txn.Currency, txn.Description, txn.Account, string(payload)); err != nil {
			return nil, fmt.Errorf("failed to insert row %d: %w", txn.Row, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	s.log.Info().Str("token", token).Int("inserted", inserted).Int("failures", len(failures)).Msg("transactions persisted")
	return failures, nil
}

// Revert deletes everything stored under token. Unknown tokens are ignored.
func (s *Store) Revert(ctx context.Context, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete transactions of %s: %w", token, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM commits WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete commit %s: %w", token, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	deleted, _ := res.RowsAffected()
	s.log.Info().Str("token", token).Int64("deleted", deleted).Msg("commit reverted")
	return nil
}

// Fingerprints loads the fingerprints of every stored transaction.
func (s *Store) Fingerprints(ctx context.Context) (dedup.Fingerprints, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT fingerprint FROM transactions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprints: %w", err)
	}
	defer rows.Close()

	set := dedup.NewFingerprints()
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		set.Add(fp)
	}
	return set, rows.Err()
}

// Transactions returns the transactions stored under token in row order.
func (s *Store) Transactions(ctx context.Context, token string) ([]domain.CanonicalTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM transactions WHERE token = ? ORDER BY row_number, id`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.CanonicalTransaction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		var txn domain.CanonicalTransaction
		if err := json.Unmarshal([]byte(payload), &txn); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// Count returns the number of stored transactions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// PutConfig stores or replaces a configuration document. The document is
// parsed first so that an invalid document never reaches the table.
func (s *Store) PutConfig(ctx context.Context, doc config.Document) error {
	if _, err := config.Parse(doc); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO institution_configs (name, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		doc.Name, doc.Data, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store config %s: %w", doc.Name, err)
	}
	return nil
}

// DeleteConfig removes a configuration document.
func (s *Store) DeleteConfig(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM institution_configs WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete config %s: %w", name, err)
	}
	return nil
}

// Load implements config.Source, returning documents in name order.
func (s *Store) Load(ctx context.Context) ([]config.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, data FROM institution_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query configs: %w", err)
	}
	defer rows.Close()

	var docs []config.Document
	for rows.Next() {
		var doc config.Document
		if err := rows.Scan(&doc.Name, &doc.Data); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
