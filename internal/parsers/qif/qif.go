// Package qif provides Quicken Interchange Format statement extraction.
package qif

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/transform"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
)

// transactionTypes are the !Type sections that hold cash transactions.
var transactionTypes = map[string]bool{
	"bank":  true,
	"cash":  true,
	"ccard": true,
	"oth a": true,
	"oth l": true,
}

// knownCodes lists the record codes of cash transaction sections.
var knownCodes = map[byte]bool{
	'D': true, 'T': true, 'U': true, 'M': true, 'C': true, 'N': true, 'P': true,
	'A': true, 'L': true, 'F': true, 'S': true, 'E': true, '$': true, '%': true,
}

// Extractor streams QIF records line by line. It keeps no state between
// calls; the shared instance is safe for concurrent use.
type Extractor struct{}

var extractorInstance = &Extractor{}

// New returns the shared QIF extractor.
func New() *Extractor {
	return extractorInstance
}

// Name returns the extractor identifier
func (e *Extractor) Name() string {
	return "qif"
}

// Format returns the format family handled by the extractor
func (e *Extractor) Format() domain.Format {
	return domain.FormatQIF
}

// Check verifies the configuration can drive this extractor.
func (e *Extractor) Check(cfg *config.InstitutionConfig) error {
	if cfg.Format != domain.FormatQIF {
		return fmt.Errorf("%w: %s is a %s configuration", parser.ErrConfigMismatch, cfg.Key(), cfg.Format)
	}
	if cfg.TextEncoding() == nil {
		return fmt.Errorf("%w: %s has no decoder for %q", parser.ErrConfigMismatch, cfg.Key(), cfg.Delimited.Encoding)
	}
	return nil
}

// CanHandle looks for a !Type or !Account header line.
func (e *Extractor) CanHandle(probe parser.Probe, cfg *config.InstitutionConfig) bool {
	if e.Check(cfg) != nil || !parser.MatchesSignature(probe, cfg) {
		return false
	}
	for _, line := range strings.Split(probe.HeadText(), "\n") {
		line = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "\ufeff")))
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, "!type:") || strings.HasPrefix(line, "!account") || strings.HasPrefix(line, "!option")
	}
	return false
}

// record accumulates the lines of one QIF entry.
type record struct {
	start   int
	lines   int
	values  map[byte]string
	splits  []domain.RawSplit
	unknown []domain.Issue
}

func newRecord() *record {
	return &record{values: map[byte]string{}}
}

func (r *record) empty() bool {
	return len(r.values) == 0 && len(r.splits) == 0
}

func (r *record) add(line int, code byte, value string) {
	if r.start == 0 {
		r.start = line
	}
	r.lines++

	switch code {
	case 'S':
		r.splits = append(r.splits, domain.RawSplit{Category: value})
	case 'E':
		r.currentSplit().Memo = value
	case '$':
		r.currentSplit().Amount = value
	case 'A':
		if prev, ok := r.values['A']; ok {
			value = prev + ", " + value
		}
		r.values['A'] = value
	case 'D':
		r.values['D'] = strings.ReplaceAll(value, " ", "")
	default:
		r.values[code] = value
	}
}

func (r *record) currentSplit() *domain.RawSplit {
	if len(r.splits) == 0 {
		r.splits = append(r.splits, domain.RawSplit{})
	}
	return &r.splits[len(r.splits)-1]
}

// Extract emits one record per ^-terminated entry of the cash transaction
// sections. Entries of other sections (categories, classes, investments)
// are skipped.
func (e *Extractor) Extract(ctx context.Context, r io.Reader, cfg *config.InstitutionConfig, sink parser.Sink) error {
	if err := e.Check(cfg); err != nil {
		return err
	}

	sc := bufio.NewScanner(transform.NewReader(r, cfg.TextEncoding().NewDecoder()))
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	var (
		line      int
		section   = "bank"
		inAccount bool
		account   string
		seenData  bool
		cur       = newRecord()
	)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if line == 1 {
			text = strings.TrimPrefix(text, "\ufeff")
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		seenData = true

		if strings.HasPrefix(text, "!") {
			header := strings.ToLower(strings.TrimSpace(text))
			switch {
			case strings.HasPrefix(header, "!type:"):
				section = strings.TrimSpace(strings.TrimPrefix(header, "!type:"))
				inAccount = false
			case header == "!account":
				inAccount = true
			}
			continue
		}

		if strings.HasPrefix(text, "^") {
			switch {
			case inAccount:
				if name, ok := cur.values['N']; ok {
					account = name
				}
			case !transactionTypes[section]:
				if !cur.empty() {
					sink.Skip(cur.start, "unsupported section "+section)
				}
			case !cur.empty():
				if err := e.emit(sink, cfg, cur, account); err != nil {
					return err
				}
			}
			cur = newRecord()
			continue
		}

		code, value := text[0], strings.TrimSpace(text[1:])
		if !inAccount && transactionTypes[section] && !knownCodes[code] {
			cur.unknown = append(cur.unknown, domain.Warning(line, "unknown_code", string(code), value,
				fmt.Sprintf("unknown QIF code %q", string(code))))
			if cur.start == 0 {
				cur.start = line
			}
			cur.lines++
			continue
		}
		cur.add(line, code, value)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read QIF input: %w", err)
	}
	if !seenData {
		return parser.ErrEmptyInput
	}

	if !cur.empty() && !inAccount && transactionTypes[section] {
		sink.Warning(domain.Warning(cur.start, "missing_terminator", "", "", "last record is not terminated by ^"))
		return e.emit(sink, cfg, cur, account)
	}
	return nil
}

// emit maps the codes of one entry to canonical fields.
func (e *Extractor) emit(sink parser.Sink, cfg *config.InstitutionConfig, rec *record, account string) error {
	for _, w := range rec.unknown {
		sink.Warning(w)
	}

	if rec.values['T'] == "" && rec.values['U'] != "" {
		rec.values['T'] = rec.values['U']
	}

	names := make([]string, 0, len(cfg.Fields))
	for field := range cfg.Fields {
		names = append(names, field)
	}
	sort.Slice(names, func(i, j int) bool { return parser.CanonicalOrder(names[i]) < parser.CanonicalOrder(names[j]) })

	var fields []domain.Field
	hasAccount := false
	for _, field := range names {
		src := cfg.SourceKey(field)
		if len(src) != 1 {
			continue
		}
		code := strings.ToUpper(src)[0]
		if value := rec.values[code]; value != "" {
			fields = append(fields, domain.Field{Name: field, Value: value})
			hasAccount = hasAccount || field == config.FieldAccount
		}
	}
	if account != "" && !hasAccount {
		fields = append(fields, domain.Field{Name: config.FieldAccount, Value: account})
	}

	raw, err := domain.NewRawRecord(rec.start, rec.lines, e.Name(), fields, rec.splits)
	if err != nil {
		sink.RowError(*domain.RowError(rec.start, "empty_row", "", "", err.Error()))
		return nil
	}
	return sink.Record(raw)
}
