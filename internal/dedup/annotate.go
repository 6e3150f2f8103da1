package dedup

import (
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// FingerprintSet answers whether a fingerprint was imported before.
type FingerprintSet interface {
	Contains(fingerprint string) bool
}

// Fingerprints is an in-memory FingerprintSet.
type Fingerprints map[string]struct{}

// NewFingerprints creates a set holding fps.
func NewFingerprints(fps ...string) Fingerprints {
	set := make(Fingerprints, len(fps))
	for _, fp := range fps {
		set.Add(fp)
	}
	return set
}

// Add inserts a fingerprint.
func (f Fingerprints) Add(fp string) { f[fp] = struct{}{} }

// Contains reports whether fp is in the set.
func (f Fingerprints) Contains(fp string) bool {
	_, ok := f[fp]
	return ok
}

// Annotate fingerprints every transaction and flags duplicates. It never
// modifies batch; the result is a fresh slice of copies in the same order.
//
// A transaction whose fingerprint is in existing is flagged existing, every
// time it occurs. Otherwise the first occurrence in the batch stays
// unflagged and later ones are flagged within_batch with DuplicateOf set to
// the first occurrence's row. existing may be nil.
func Annotate(batch []domain.CanonicalTransaction, existing FingerprintSet) []domain.CanonicalTransaction {
	out := make([]domain.CanonicalTransaction, len(batch))
	firstRow := make(map[string]int, len(batch))

	for i, txn := range batch {
		c := txn.Clone()
		c.Fingerprint = Fingerprint(c)
		c.Duplicate = domain.DuplicateNone
		c.DuplicateOf = 0

		switch row, seen := firstRow[c.Fingerprint]; {
		case existing != nil && existing.Contains(c.Fingerprint):
			c.Duplicate = domain.DuplicateExisting
		case seen:
			c.Duplicate = domain.DuplicateWithinBatch
			c.DuplicateOf = row
		}
		if _, seen := firstRow[c.Fingerprint]; !seen {
			firstRow[c.Fingerprint] = c.Row
		}
		out[i] = c
	}
	return out
}
