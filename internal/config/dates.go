package config

import (
	"fmt"
	"strings"
)

// DateLayout is one compiled date format candidate.
type DateLayout struct {
	// Format is the configured token form, e.g. "DD.MM.YYYY".
	Format string
	// Layout is the equivalent Go reference layout, e.g. "02.01.2006".
	Layout string
	// HasYear is false for formats such as "D. M." that rely on DefaultYear.
	HasYear bool
}

var dateTokens = []struct {
	token  string
	layout string
	kind   byte
}{
	{"YYYY", "2006", 'y'},
	{"YY", "06", 'y'},
	{"MMM", "Jan", 'm'},
	{"MM", "01", 'm'},
	{"M", "1", 'm'},
	{"DD", "02", 'd'},
	{"D", "2", 'd'},
}

// CompileDateFormat converts a token date format into a Go layout.
// Letters, digits and underscores outside the tokens are rejected because
// they would be read as Go layout elements.
func CompileDateFormat(format string) (DateLayout, error) {
	var b strings.Builder
	seen := map[byte]bool{}

	for i := 0; i < len(format); {
		matched := false
		for _, tok := range dateTokens {
			if strings.HasPrefix(format[i:], tok.token) {
				if seen[tok.kind] {
					return DateLayout{}, fmt.Errorf("date format %q repeats a %s token", format, kindName(tok.kind))
				}
				seen[tok.kind] = true
				b.WriteString(tok.layout)
				i += len(tok.token)
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		c := format[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			return DateLayout{}, fmt.Errorf("date format %q has unsupported literal %q", format, c)
		}
		b.WriteByte(c)
		i++
	}

	if !seen['m'] || !seen['d'] {
		return DateLayout{}, fmt.Errorf("date format %q needs day and month tokens", format)
	}

	return DateLayout{Format: format, Layout: b.String(), HasYear: seen['y']}, nil
}

func kindName(kind byte) string {
	switch kind {
	case 'y':
		return "year"
	case 'm':
		return "month"
	default:
		return "day"
	}
}
