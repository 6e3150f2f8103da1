// Package text provides extraction of transactions from unstructured
// statement text, typically text prepared from PDF statements.
package text

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/transform"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
)

// Extractor walks statement lines with either the patterns strategy (start
// patterns plus bounded continuation look-ahead) or the table strategy
// (lines split into positional cells). It buffers the whole document.
type Extractor struct{}

var extractorInstance = &Extractor{}

// New returns the shared text extractor.
func New() *Extractor {
	return extractorInstance
}

// Name returns the extractor identifier
func (e *Extractor) Name() string {
	return "text"
}

// Format returns the format family handled by the extractor
func (e *Extractor) Format() domain.Format {
	return domain.FormatText
}

// Check verifies the configuration can drive this extractor.
func (e *Extractor) Check(cfg *config.InstitutionConfig) error {
	if cfg.Format != domain.FormatText {
		return fmt.Errorf("%w: %s is a %s configuration", parser.ErrConfigMismatch, cfg.Key(), cfg.Format)
	}
	switch cfg.Text.Strategy {
	case config.StrategyPatterns:
		if len(cfg.Patterns()) == 0 {
			return fmt.Errorf("%w: %s has no text patterns", parser.ErrConfigMismatch, cfg.Key())
		}
	case config.StrategyTable:
		if cfg.TableSeparator() == nil {
			return fmt.Errorf("%w: %s has no table separator", parser.ErrConfigMismatch, cfg.Key())
		}
	default:
		return fmt.Errorf("%w: %s uses unknown strategy %q", parser.ErrConfigMismatch, cfg.Key(), cfg.Text.Strategy)
	}
	return nil
}

// CanHandle accepts the probe when at least one line looks like a
// transaction under the configuration.
func (e *Extractor) CanHandle(probe parser.Probe, cfg *config.InstitutionConfig) bool {
	if e.Check(cfg) != nil || !parser.MatchesSignature(probe, cfg) {
		return false
	}

	lines := splitLines(probe.HeadText())
	if cfg.Text.Strategy == config.StrategyTable {
		columns, err := parser.NewColumnMap(cfg, nil)
		if err != nil {
			return false
		}
		for _, line := range lines {
			cells := splitCells(cfg, line)
			if columns.Complete(cells) && parser.ParsesAsDate(cfg, columns.Value(cells, config.FieldDate)) {
				return true
			}
		}
		return false
	}

	for _, line := range lines {
		if _, _, ok := matchStart(cfg.Patterns(), line); ok {
			return true
		}
	}
	return false
}

// Extract reads all lines and emits records in line order.
func (e *Extractor) Extract(ctx context.Context, r io.Reader, cfg *config.InstitutionConfig, sink parser.Sink) error {
	if err := e.Check(cfg); err != nil {
		return err
	}

	lines, err := readLines(r, cfg)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return parser.ErrEmptyInput
	}

	if cfg.Text.Strategy == config.StrategyTable {
		return e.extractTable(ctx, lines, cfg, sink)
	}
	return e.extractPatterns(ctx, lines, cfg, sink)
}

func (e *Extractor) extractPatterns(ctx context.Context, lines []string, cfg *config.InstitutionConfig, sink parser.Sink) error {
	patterns := cfg.Patterns()

	for i := 0; i < len(lines); {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := i + 1

		pattern, fields, ok := matchStart(patterns, lines[i])
		if !ok {
			if strings.TrimSpace(lines[i]) != "" {
				sink.Skip(row, "no start pattern matched")
			}
			i++
			continue
		}

		w := window{fields: fields}
		w.collect(lines[i+1:], pattern, patterns, cfg.ContinuationLimit())
		i += 1 + w.consumed

		if skip, reason := cfg.SkipRow(w.get); skip {
			sink.Skip(row, reason)
			continue
		}
		rec, err := domain.NewRawRecord(row, 1+w.consumed, e.Name(), w.fields, nil)
		if err != nil {
			sink.RowError(*domain.RowError(row, "empty_row", "", lines[row-1], err.Error()))
			continue
		}
		if err := sink.Record(rec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) extractTable(ctx context.Context, lines []string, cfg *config.InstitutionConfig, sink parser.Sink) error {
	columns, err := parser.NewColumnMap(cfg, nil)
	if err != nil {
		return err
	}
	minColumns := cfg.Text.Table.MinColumns
	if minColumns < columns.Width() {
		minColumns = columns.Width()
	}

	for i, line := range lines {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := i + 1
		if strings.TrimSpace(line) == "" {
			continue
		}

		cells := splitCells(cfg, line)
		if len(cells) < minColumns || !parser.ParsesAsDate(cfg, columns.Value(cells, config.FieldDate)) {
			sink.Skip(row, "not a table row")
			continue
		}
		if err := parser.Emit(sink, cfg, columns, e.Name(), row, cells); err != nil {
			return err
		}
	}
	return nil
}

// window is the state of one transaction-start match and its continuation lines.
type window struct {
	fields   []domain.Field
	consumed int
}

// collect consumes at most limit following lines. The window ends at the
// first line that starts a new transaction or matches no continuation
// pattern of the matched start pattern.
func (w *window) collect(following []string, pattern config.Pattern, patterns []config.Pattern, limit int) {
	for _, line := range following {
		if w.consumed >= limit {
			return
		}
		if _, _, isStart := matchStart(patterns, line); isStart {
			return
		}
		fields, ok := matchContinuation(pattern, line)
		if !ok {
			return
		}
		for _, f := range fields {
			w.merge(f)
		}
		w.consumed++
	}
}

// merge adds a field, joining repeated values with a space.
func (w *window) merge(f domain.Field) {
	for i := range w.fields {
		if w.fields[i].Name == f.Name {
			w.fields[i].Value = w.fields[i].Value + " " + f.Value
			return
		}
	}
	w.fields = append(w.fields, f)
}

func (w *window) get(field string) string {
	for _, f := range w.fields {
		if f.Name == field {
			return f.Value
		}
	}
	return ""
}

// matchStart returns the first start pattern matching line and its captured fields.
func matchStart(patterns []config.Pattern, line string) (config.Pattern, []domain.Field, bool) {
	for _, p := range patterns {
		if fields, ok := captures(p.Start.FindStringSubmatch(line), p.Start.SubexpNames()); ok {
			return p, fields, true
		}
	}
	return config.Pattern{}, nil, false
}

func matchContinuation(pattern config.Pattern, line string) ([]domain.Field, bool) {
	for _, c := range pattern.Continuation {
		if fields, ok := captures(c.Pattern.FindStringSubmatch(line), c.Pattern.SubexpNames()); ok {
			return fields, true
		}
	}
	return nil, false
}

func captures(match, names []string) ([]domain.Field, bool) {
	if match == nil {
		return nil, false
	}
	var fields []domain.Field
	for i, name := range names {
		if name == "" || i >= len(match) {
			continue
		}
		if v := strings.TrimSpace(match[i]); v != "" {
			fields = append(fields, domain.Field{Name: name, Value: v})
		}
	}
	return fields, true
}

func splitCells(cfg *config.InstitutionConfig, line string) []string {
	parts := cfg.TableSeparator().Split(strings.TrimSpace(line), -1)
	cells := parts[:0]
	for _, p := range parts {
		cells = append(cells, strings.TrimSpace(p))
	}
	return cells
}

func readLines(r io.Reader, cfg *config.InstitutionConfig) ([]string, error) {
	if enc := cfg.TextEncoding(); enc != nil {
		r = transform.NewReader(r, enc.NewDecoder())
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	var lines []string
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if len(lines) == 0 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read text input: %w", err)
	}
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return lines, nil
		}
	}
	return nil, nil
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}
	return lines
}
