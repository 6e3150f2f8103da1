// Package csv provides delimited-text statement extraction.
package csv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/transform"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
)

// Extractor reads delimited text (comma, semicolon, tab or any single rune)
// with a configurable quote character, encoding and header handling.
// The struct has no fields; all institution specifics come from the
// configuration, so the shared instance is safe for concurrent use.
type Extractor struct{}

var extractorInstance = &Extractor{}

// New returns the shared delimited-text extractor.
func New() *Extractor {
	return extractorInstance
}

// Name returns the extractor identifier
func (e *Extractor) Name() string {
	return "csv"
}

// Format returns the format family handled by the extractor
func (e *Extractor) Format() domain.Format {
	return domain.FormatCSV
}

// Check verifies the configuration can drive this extractor.
func (e *Extractor) Check(cfg *config.InstitutionConfig) error {
	if cfg.Format != domain.FormatCSV {
		return fmt.Errorf("%w: %s is a %s configuration", parser.ErrConfigMismatch, cfg.Key(), cfg.Format)
	}
	if cfg.TextEncoding() == nil {
		return fmt.Errorf("%w: %s has no decoder for %q", parser.ErrConfigMismatch, cfg.Key(), cfg.Delimited.Encoding)
	}
	return nil
}

// CanHandle checks the institution signature and that the first row fits
// the configured layout: the header names every required column, or for
// headerless input the first data row is wide enough and starts with a date.
func (e *Extractor) CanHandle(probe parser.Probe, cfg *config.InstitutionConfig) bool {
	if e.Check(cfg) != nil || !parser.MatchesSignature(probe, cfg) {
		return false
	}

	rows, err := open(bytes.NewReader(probe.Head(parser.ProbeHeadSize)), cfg)
	if err != nil {
		return false
	}
	_, cells, err := rows.next()
	if err != nil {
		return false
	}

	if cfg.HasHeader() {
		_, err := parser.NewColumnMap(cfg, cells)
		return err == nil
	}
	columns, err := parser.NewColumnMap(cfg, nil)
	if err != nil || !columns.Complete(cells) {
		return false
	}
	return parser.ParsesAsDate(cfg, columns.Value(cells, config.FieldDate))
}

// Extract streams one record per data row. Malformed rows are reported as
// row errors and reading continues with the next line.
func (e *Extractor) Extract(ctx context.Context, r io.Reader, cfg *config.InstitutionConfig, sink parser.Sink) error {
	if err := e.Check(cfg); err != nil {
		return err
	}

	rows, err := open(r, cfg)
	if err != nil {
		return err
	}

	var columns *parser.ColumnMap
	if !cfg.HasHeader() {
		if columns, err = parser.NewColumnMap(cfg, nil); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		row, cells, err := rows.next()
		if err == io.EOF {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			sink.RowError(*domain.RowError(perr.StartLine, "malformed_row", "", "", perr.Err.Error()))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read delimited input: %w", err)
		}

		if columns == nil {
			if columns, err = parser.NewColumnMap(cfg, cells); err != nil {
				return fmt.Errorf("header row %d: %w", row, err)
			}
			for _, field := range columns.Missing() {
				sink.Warning(domain.Warning(row, "column_missing", field, cfg.SourceKey(field), "mapped column not present in header"))
			}
			continue
		}

		if err := parser.Emit(sink, cfg, columns, e.Name(), row, cells); err != nil {
			return err
		}
	}

	if columns == nil {
		return fmt.Errorf("%w: no header row", parser.ErrEmptyInput)
	}
	return nil
}

// rowReader yields rows together with their 1-based physical line number.
type rowReader interface {
	next() (int, []string, error)
}

// open decodes the input, drops a byte-order mark and the configured number
// of preamble lines, and picks a row reader for the quote settings.
func open(r io.Reader, cfg *config.InstitutionConfig) (rowReader, error) {
	br := bufio.NewReader(transform.NewReader(r, cfg.TextEncoding().NewDecoder()))
	if bom, err := br.Peek(3); err == nil && bytes.Equal(bom, []byte("\xef\xbb\xbf")) {
		br.Discard(3)
	}

	skipped := 0
	for ; skipped < cfg.Delimited.SkipLines; skipped++ {
		if _, err := br.ReadString('\n'); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to skip preamble: %w", err)
		}
	}

	if cfg.QuoteRune() == '"' {
		cr := csv.NewReader(br)
		cr.Comma = cfg.DelimiterRune()
		cr.FieldsPerRecord = -1
		return &standardReader{r: cr, offset: skipped}, nil
	}

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	return &splitReader{sc: sc, line: skipped, delim: cfg.DelimiterRune(), quote: cfg.QuoteRune()}, nil
}

type standardReader struct {
	r      *csv.Reader
	offset int
}

func (s *standardReader) next() (int, []string, error) {
	cells, err := s.r.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			perr.StartLine += s.offset
			perr.Line += s.offset
		}
		return 0, nil, err
	}
	line, _ := s.r.FieldPos(0)
	return line + s.offset, cells, nil
}

// splitReader handles quote characters other than the double quote and
// unquoted input. Quoted fields cannot span lines.
type splitReader struct {
	sc    *bufio.Scanner
	line  int
	delim rune
	quote rune
}

func (s *splitReader) next() (int, []string, error) {
	for s.sc.Scan() {
		s.line++
		text := strings.TrimRight(s.sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		cells, ok := splitQuoted(text, s.delim, s.quote)
		if !ok {
			return 0, nil, &csv.ParseError{StartLine: s.line, Line: s.line, Column: len(text), Err: csv.ErrQuote}
		}
		return s.line, cells, nil
	}
	if err := s.sc.Err(); err != nil {
		return 0, nil, err
	}
	return 0, nil, io.EOF
}

// splitQuoted splits one line on delim. A doubled quote inside a quoted
// section is a literal quote. ok is false when a quoted section is unterminated.
func splitQuoted(line string, delim, quote rune) (cells []string, ok bool) {
	var b strings.Builder
	inQuotes := false
	runes := []rune(line)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0 && c == quote && inQuotes && i+1 < len(runes) && runes[i+1] == quote:
			b.WriteRune(quote)
			i++
		case quote != 0 && c == quote:
			inQuotes = !inQuotes
		case c == delim && !inQuotes:
			cells = append(cells, b.String())
			b.Reset()
		default:
			b.WriteRune(c)
		}
	}
	return append(cells, b.String()), !inQuotes
}
