package normalize

import (
	"strings"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
)

// merchantResult is the merchant and location derived from a description.
type merchantResult struct {
	merchant string
	location string
	// split is false when split rules exist but none matched.
	split bool
}

// extractMerchant strips configured prefixes, applies the first matching
// split rule and removes trailing legal-entity suffixes until none is left.
func extractMerchant(description string, cfg *config.InstitutionConfig) merchantResult {
	s := stripPrefixes(description, cfg.Merchant.Prefixes)

	res := merchantResult{merchant: s, split: len(cfg.MerchantSplits()) == 0}
	for _, re := range cfg.MerchantSplits() {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		for i, name := range re.SubexpNames() {
			switch name {
			case config.FieldMerchant:
				res.merchant = strings.TrimSpace(m[i])
			case config.FieldLocation:
				res.location = strings.TrimSpace(m[i])
			}
		}
		res.split = true
		break
	}

	res.merchant = stripSuffixes(res.merchant, cfg.Merchant.Suffixes)
	return res
}

func stripPrefixes(s string, prefixes []string) string {
	s = strings.TrimSpace(s)
	for changed := true; changed; {
		changed = false
		for _, p := range prefixes {
			p = strings.TrimSpace(p)
			if p == "" || len(s) < len(p) || !strings.EqualFold(s[:len(p)], p) {
				continue
			}
			s = strings.TrimLeft(s[len(p):], " *:-")
			changed = true
		}
	}
	return s
}

func stripSuffixes(s string, suffixes []string) string {
	s = strings.TrimSpace(s)
	for changed := true; changed; {
		changed = false
		for _, suf := range suffixes {
			suf = strings.TrimSpace(suf)
			if suf == "" || len(s) <= len(suf) || !strings.EqualFold(s[len(s)-len(suf):], suf) {
				continue
			}
			// The suffix must be a separate word.
			rest := s[:len(s)-len(suf)]
			if trimmed := strings.TrimRight(rest, " ,"); trimmed != rest {
				s = trimmed
				changed = true
			}
		}
	}
	return s
}
