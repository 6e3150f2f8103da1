package scanner

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts an institution directory name to a slug.
// Examples: "American Express" → "american-express", "tatra_banka" → "tatra-banka",
// "Všeobecná úverová banka" → "vseobecna-uverova-banka"
func Slugify(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("institution name cannot be empty")
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(t, name)
	if err != nil {
		return "", fmt.Errorf("failed to normalize institution name %q: %w", name, err)
	}

	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(normalized), "-"), "-")
	if slug == "" {
		return "", fmt.Errorf("institution name %q contains no alphanumeric characters", name)
	}
	return slug, nil
}

// Last4 returns the last 4 characters of the account number.
// If the account number has fewer than 4 characters, returns the full number.
func Last4(accountNumber string) string {
	r := []rune(accountNumber)
	if len(r) <= 4 {
		return accountNumber
	}
	return string(r[len(r)-4:])
}

var abbreviations = map[string]string{
	"american-express":        "amex",
	"bank-of-america":         "boa",
	"capital-one":             "c1",
	"vseobecna-uverova-banka": "vub",
}

// AccountRef builds the account reference attached to imported transactions.
// Format: "acc-{institution}-{last4}", with common institutions abbreviated.
// Example: AccountRef("american-express", "2011") → "acc-amex-2011"
func AccountRef(institutionSlug, accountNumber string) string {
	abbrev := institutionSlug
	if short, ok := abbreviations[institutionSlug]; ok {
		abbrev = short
	}
	return fmt.Sprintf("acc-%s-%s", abbrev, Last4(accountNumber))
}
