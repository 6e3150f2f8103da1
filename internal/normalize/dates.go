package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

var errNotInYear = errors.New("does not exist in assumed year")

// dateResult is the outcome of matching a value against the configured layouts.
type dateResult struct {
	date domain.Date
	// format is the configured format that produced date.
	format string
	// alternative is a later format that parses to a different date, if any.
	alternative string
	altDate     domain.Date
}

// parseDate tries the configured layouts in order; the first that parses wins.
// Yearless layouts take the configured default year, and a day that does not
// exist in that year (29 February) is an error rather than a shifted date.
func parseDate(value string, cfg *config.InstitutionConfig) (dateResult, error) {
	value = strings.Join(strings.Fields(value), " ")
	if value == "" {
		return dateResult{}, fmt.Errorf("date is empty")
	}

	var (
		res       dateResult
		found     bool
		notInYear error
	)
	for _, layout := range cfg.DateLayouts() {
		d, err := parseWithLayout(value, layout, cfg.Dates.DefaultYear)
		if err != nil {
			if errors.Is(err, errNotInYear) && notInYear == nil {
				notInYear = err
			}
			continue
		}
		if !found {
			res = dateResult{date: d, format: layout.Format}
			found = true
			continue
		}
		if d != res.date && res.alternative == "" {
			res.alternative = layout.Format
			res.altDate = d
		}
	}
	if !found {
		if notInYear != nil {
			return dateResult{}, notInYear
		}
		return dateResult{}, fmt.Errorf("date %q matches none of the formats %s", value, strings.Join(cfg.Dates.Formats, ", "))
	}
	return res, nil
}

func parseWithLayout(value string, layout config.DateLayout, defaultYear int) (domain.Date, error) {
	t, err := time.Parse(layout.Layout, value)
	if err != nil {
		return domain.Date{}, err
	}
	if layout.HasYear {
		return domain.DateOf(t), nil
	}

	d, err := domain.NewDate(defaultYear, t.Month(), t.Day())
	if err != nil {
		return domain.Date{}, fmt.Errorf("date %q %w %d", value, errNotInYear, defaultYear)
	}
	return d, nil
}
