package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
)

// numeric matches a cleaned amount: digits with an optional fraction.
var numeric = regexp.MustCompile(`^(\d+)(?:\.(\d+))?$|^\.(\d+)$`)

// parseAmount converts a source amount to a decimal using the configured
// separators. Currency symbols, codes and spaces are ignored; a leading or
// trailing minus, parentheses, or a configured debit suffix make it negative.
func parseAmount(raw string, rules config.AmountRules) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}

	negative := false
	upper := strings.ToUpper(s)
	for _, suffix := range rules.DebitSuffixes {
		if suffix != "" && strings.HasSuffix(upper, strings.ToUpper(suffix)) {
			negative = true
			s = strings.TrimSpace(s[:len(s)-len(suffix)])
			break
		}
	}
	for _, suffix := range rules.CreditSuffixes {
		if suffix != "" && strings.HasSuffix(strings.ToUpper(s), strings.ToUpper(suffix)) {
			s = strings.TrimSpace(s[:len(s)-len(suffix)])
			break
		}
	}

	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = !negative
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	signs := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '\'':
			b.WriteRune(r)
		case r == '-' || r == '−':
			signs++
			negative = !negative
		case r == '+':
			signs++
		case unicode.IsSpace(r), unicode.IsLetter(r), unicode.Is(unicode.Sc, r):
			// currency symbols, ISO codes and grouping spaces
		default:
			return decimal.Zero, fmt.Errorf("unexpected character %q in amount %q", r, raw)
		}
	}
	if signs > 1 {
		return decimal.Zero, fmt.Errorf("amount %q has more than one sign", raw)
	}

	cleaned, err := applySeparators(b.String(), rules)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", raw, err)
	}
	if !numeric.MatchString(cleaned) {
		return decimal.Zero, fmt.Errorf("amount %q is not a number", raw)
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// applySeparators removes grouping separators and rewrites the decimal
// separator as a dot. Groups after the first must have three digits.
func applySeparators(s string, rules config.AmountRules) (string, error) {
	dec := rules.Decimal
	intPart, frac := s, ""
	if i := strings.LastIndex(s, dec); i >= 0 {
		intPart, frac = s[:i], s[i+1:]
		if strings.ContainsAny(frac, ".,'") {
			return "", fmt.Errorf("separator after decimal point")
		}
	}

	switch rules.Thousands {
	case "none":
		if strings.ContainsAny(intPart, ".,'") {
			return "", fmt.Errorf("unexpected separator")
		}
	case " ":
		// grouping spaces were already removed
		if strings.ContainsAny(intPart, ".,'") {
			return "", fmt.Errorf("unexpected separator")
		}
	default:
		groups := strings.Split(intPart, rules.Thousands)
		for i, g := range groups {
			if strings.ContainsAny(g, ".,'") {
				return "", fmt.Errorf("unexpected separator")
			}
			if i > 0 && len(g) != 3 {
				return "", fmt.Errorf("malformed digit grouping")
			}
		}
		intPart = strings.Join(groups, "")
	}

	if frac == "" && strings.HasSuffix(s, dec) {
		return "", fmt.Errorf("missing digits after decimal point")
	}
	if frac != "" {
		return intPart + "." + frac, nil
	}
	return intPart, nil
}

// minorScale returns the number of minor-unit digits of an ISO currency.
func minorScale(code string) (int32, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, fmt.Errorf("unknown currency %q", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// maxMinor bounds the magnitude of an amount in minor units.
var maxMinor = decimal.NewFromInt(math.MaxInt64)

// toMinor converts an amount to integer minor units, rounding half away
// from zero. rounded reports whether precision was lost. Amounts whose
// magnitude does not fit in an int64 are an error.
func toMinor(d decimal.Decimal, scale int32) (minor int64, rounded bool, err error) {
	shifted := d.Shift(scale)
	r := shifted.Round(0)
	if r.Abs().GreaterThan(maxMinor) {
		return 0, false, fmt.Errorf("amount %s is out of range", d)
	}
	return r.IntPart(), !r.Equal(shifted), nil
}
