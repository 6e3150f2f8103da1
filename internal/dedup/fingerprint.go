package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// Fingerprint creates a SHA256 hash identifying a transaction across imports.
// Format: SHA256("{date}|{amountMinor} {currency}|{normalizedDescription}|{account}")
// Description is normalized: NFKC, case folded and whitespace collapsed, so
// "CAFÉ  Central" and "café central" hash the same.
func Fingerprint(txn domain.CanonicalTransaction) string {
	input := fmt.Sprintf("%s|%d %s|%s|%s",
		txn.Date,
		txn.AmountMinor,
		strings.ToUpper(txn.Currency),
		NormalizeDescription(txn.Description),
		strings.TrimSpace(txn.Account),
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// NormalizeDescription folds a description for fingerprinting.
func NormalizeDescription(description string) string {
	// Casers keep state and are not shared.
	folded := cases.Fold().String(norm.NFKC.String(description))
	return strings.Join(strings.Fields(folded), " ")
}
