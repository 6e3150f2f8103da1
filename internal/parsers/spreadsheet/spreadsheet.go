// Package spreadsheet provides extraction from Excel workbooks: Office Open
// XML (.xlsx) through excelize and legacy BIFF (.xls) through extrame/xls.
package spreadsheet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
)

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Extractor reads the first (or configured) sheet of a workbook. Cells are
// taken as displayed, so date cells arrive in the workbook's number format.
type Extractor struct{}

var extractorInstance = &Extractor{}

// New returns the shared spreadsheet extractor.
func New() *Extractor {
	return extractorInstance
}

// Name returns the extractor identifier
func (e *Extractor) Name() string {
	return "spreadsheet"
}

// Format returns the format family handled by the extractor
func (e *Extractor) Format() domain.Format {
	return domain.FormatSpreadsheet
}

// Check verifies the configuration can drive this extractor.
func (e *Extractor) Check(cfg *config.InstitutionConfig) error {
	if cfg.Format != domain.FormatSpreadsheet {
		return fmt.Errorf("%w: %s is a %s configuration", parser.ErrConfigMismatch, cfg.Key(), cfg.Format)
	}
	return nil
}

// CanHandle opens the workbook and checks the header row against the
// configured column names. Positional (#N) mappings need no header match
// but the header row is still skipped.
func (e *Extractor) CanHandle(probe parser.Probe, cfg *config.InstitutionConfig) bool {
	if e.Check(cfg) != nil || !cfg.MatchesFilename(probe.FileName) {
		return false
	}
	data := probe.Data()
	if !bytes.HasPrefix(data, zipMagic) && !bytes.HasPrefix(data, oleMagic) {
		return false
	}

	rows, err := readSheet(data, cfg.Spreadsheet.Sheet)
	if err != nil {
		return false
	}
	if !cfg.MatchesContent(flatten(rows, 20)) {
		return false
	}

	idx := cfg.Spreadsheet.HeaderRow - 1
	if idx >= len(rows) {
		return false
	}
	_, err = parser.NewColumnMap(cfg, rows[idx])
	return err == nil
}

// Extract emits one record per data row below the header row. Record rows
// are sheet row numbers.
func (e *Extractor) Extract(ctx context.Context, r io.Reader, cfg *config.InstitutionConfig, sink parser.Sink) error {
	if err := e.Check(cfg); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read workbook: %w", err)
	}
	if len(data) == 0 {
		return parser.ErrEmptyInput
	}

	rows, err := readSheet(data, cfg.Spreadsheet.Sheet)
	if err != nil {
		return err
	}

	idx := cfg.Spreadsheet.HeaderRow - 1
	if idx >= len(rows) {
		return fmt.Errorf("%w: sheet has %d rows, header expected on row %d", parser.ErrEmptyInput, len(rows), idx+1)
	}
	columns, err := parser.NewColumnMap(cfg, rows[idx])
	if err != nil {
		return fmt.Errorf("header row %d: %w", idx+1, err)
	}
	for _, field := range columns.Missing() {
		sink.Warning(domain.Warning(0, "column_missing", field, cfg.SourceKey(field),
			fmt.Sprintf("mapped column %q is not in the header", cfg.SourceKey(field))))
	}

	for i := idx + 1; i < len(rows); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := parser.Emit(sink, cfg, columns, e.Name(), i+1, rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// readSheet returns the rows of the named sheet, or of the first sheet when
// name is empty.
func readSheet(data []byte, name string) ([][]string, error) {
	switch {
	case bytes.HasPrefix(data, zipMagic):
		return readXLSX(data, name)
	case bytes.HasPrefix(data, oleMagic):
		return readXLS(data, name)
	default:
		return nil, fmt.Errorf("%w: not an Excel workbook", parser.ErrMalformedDocument)
	}
}

func readXLSX(data []byte, name string) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", parser.ErrMalformedDocument, err)
	}
	defer f.Close()

	if name == "" {
		name = f.GetSheetName(0)
	} else if idx, err := f.GetSheetIndex(name); err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: sheet %q not found", parser.ErrMalformedDocument, name)
	}

	rows, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", parser.ErrMalformedDocument, err)
	}
	return rows, nil
}

func readXLS(data []byte, name string) (rows [][]string, err error) {
	// The BIFF reader panics on some truncated workbooks.
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("%w: xls reader: %v", parser.ErrMalformedDocument, r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", parser.ErrMalformedDocument, err)
	}

	var sheet *xls.WorkSheet
	for i := 0; i < wb.NumSheets(); i++ {
		s := wb.GetSheet(i)
		if s != nil && (name == "" || s.Name == name) {
			sheet = s
			break
		}
	}
	if sheet == nil {
		return nil, fmt.Errorf("%w: sheet %q not found", parser.ErrMalformedDocument, name)
	}

	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, row.LastCol())
		for j := row.FirstCol(); j < row.LastCol(); j++ {
			cells[j] = row.Col(j)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// flatten joins the first n rows for signature checks.
func flatten(rows [][]string, n int) string {
	var sb strings.Builder
	for i, row := range rows {
		if i >= n {
			break
		}
		sb.WriteString(strings.Join(row, " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}
