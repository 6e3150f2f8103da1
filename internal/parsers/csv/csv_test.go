package csv

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
)

func mustConfig(t *testing.T, doc string) *config.InstitutionConfig {
	t.Helper()
	cfg, err := config.Parse(config.Document{Name: "test.yaml", Data: []byte(doc)})
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	return cfg
}

const genericConfig = `
version: 1
institution: generic
format: csv
currency: EUR
fields:
  date: date
  description: description
  amount: amount
  memo: memo
skip_rows:
  - field: description
    pattern: "(?i)^(total|closing balance)"
dates:
  formats: [YYYY-MM-DD]
`

const semicolonConfig = `
version: 1
institution: slovak
format: csv
currency: EUR
delimited:
  delimiter: ";"
  encoding: windows-1250
fields:
  date: Dátum
  description: Popis
  amount: Suma
dates:
  formats: [DD.MM.YYYY]
amounts:
  decimal: ","
`

const pncConfig = `
version: 1
institution: pnc
format: csv
currency: USD
delimited:
  header: false
  skip_lines: 1
fields:
  date: "#0"
  amount: "#1"
  description: "#2"
  memo: "#3"
  reference: "#4"
  type: "#5"
dates:
  formats: [YYYY/MM/DD]
amounts:
  debit_types: [DEBIT]
`

func extract(t *testing.T, input string, cfg *config.InstitutionConfig) *parser.Collector {
	t.Helper()
	var c parser.Collector
	if err := New().Extract(context.Background(), strings.NewReader(input), cfg, &c); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	return &c
}

func TestName(t *testing.T) {
	e := New()
	if got := e.Name(); got != "csv" {
		t.Errorf("Name() = %q, want %q", got, "csv")
	}
	if got := e.Format(); got != domain.FormatCSV {
		t.Errorf("Format() = %q, want %q", got, domain.FormatCSV)
	}
}

func TestExtract_HeaderStatement(t *testing.T) {
	input := "\ufeffDate,Description,Amount,Memo\n" +
		"2025-05-02,Coffee Shop,-4.50,\n" +
		"2025-05-03,\"Grocery, Inc\",-20.00,\"weekly \"\"big\"\" shop\"\n" +
		"\n" +
		"2025-05-04,Salary,1500.00,May\n" +
		",Total,1475.50,\n"

	c := extract(t, input, mustConfig(t, genericConfig))

	if len(c.Records) != 3 {
		t.Fatalf("got %d records, want 3 (errors: %v)", len(c.Records), c.RowErrors)
	}
	tests := []struct {
		row         int
		description string
		amount      string
		memo        string
	}{
		{2, "Coffee Shop", "-4.50", ""},
		{3, "Grocery, Inc", "-20.00", `weekly "big" shop`},
		{5, "Salary", "1500.00", "May"},
	}
	for i, tt := range tests {
		rec := c.Records[i]
		if rec.Row() != tt.row {
			t.Errorf("record %d: Row() = %d, want %d", i, rec.Row(), tt.row)
		}
		if got := rec.Value(config.FieldDescription); got != tt.description {
			t.Errorf("record %d: description = %q, want %q", i, got, tt.description)
		}
		if got := rec.Value(config.FieldAmount); got != tt.amount {
			t.Errorf("record %d: amount = %q, want %q", i, got, tt.amount)
		}
		if got := rec.Value(config.FieldMemo); got != tt.memo {
			t.Errorf("record %d: memo = %q, want %q", i, got, tt.memo)
		}
		if rec.Extractor() != "csv" {
			t.Errorf("record %d: Extractor() = %q", i, rec.Extractor())
		}
	}
	if len(c.Skipped) != 1 || c.Skipped[0] != 6 {
		t.Errorf("Skipped = %v, want [6]", c.Skipped)
	}
}

func TestExtract_EncodingAndDelimiter(t *testing.T) {
	raw := "Dátum;Popis;Suma\n02.05.2025;Potraviny čerstvé;-12,90\n"
	encoded, err := charmap.Windows1250.NewEncoder().String(raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	c := extract(t, encoded, mustConfig(t, semicolonConfig))
	if len(c.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(c.Records))
	}
	if got := c.Records[0].Value(config.FieldDescription); got != "Potraviny čerstvé" {
		t.Errorf("description = %q, want decoded text", got)
	}
	if got := c.Records[0].Value(config.FieldAmount); got != "-12,90" {
		t.Errorf("amount = %q, want %q", got, "-12,90")
	}
}

func TestExtract_PositionalWithPreamble(t *testing.T) {
	input := "1234567890,2025/05/01,2025/05/31,1000.00,975.50\n" +
		"2025/05/02,20.00,ATM WITHDRAWAL,Main St,ref-1,DEBIT\n" +
		"2025/05/03,4.50,COFFEE\n"

	c := extract(t, input, mustConfig(t, pncConfig))
	if len(c.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(c.Records))
	}
	rec := c.Records[0]
	if rec.Row() != 2 {
		t.Errorf("Row() = %d, want 2", rec.Row())
	}
	if got := rec.Value(config.FieldType); got != "DEBIT" {
		t.Errorf("type = %q, want DEBIT", got)
	}
	if len(c.RowErrors) != 0 {
		t.Errorf("unexpected row errors: %v", c.RowErrors)
	}

	input = strings.Replace(input, "2025/05/03,4.50,COFFEE\n", "2025/05/03,4.50\n", 1)
	c = extract(t, input, mustConfig(t, pncConfig))
	if len(c.RowErrors) != 1 || c.RowErrors[0].Row != 3 {
		t.Errorf("RowErrors = %v, want one short row at line 3", c.RowErrors)
	}
}

func TestExtract_MalformedRowContinues(t *testing.T) {
	input := "date,description,amount\n" +
		"2025-05-02,Coffee,-4.50\n" +
		"2025-05-03,Bad \"quote,-1.00\n" +
		"2025-05-04,Tea,-3.00\n"

	c := extract(t, input, mustConfig(t, genericConfig))
	if len(c.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(c.Records))
	}
	if len(c.RowErrors) != 1 {
		t.Fatalf("got %d row errors, want 1", len(c.RowErrors))
	}
	if c.RowErrors[0].Row != 3 || c.RowErrors[0].Kind != domain.IssueRow {
		t.Errorf("row error = %+v, want row 3", c.RowErrors[0])
	}
}

func TestExtract_CustomQuote(t *testing.T) {
	cfg := mustConfig(t, genericConfig+"delimited:\n  quote: \"'\"\n")
	input := "date,description,amount\n" +
		"2025-05-02,'Rock ''n'' Roll, Bar',-9.00\n" +
		"2025-05-03,'unterminated,-1.00\n"

	c := extract(t, input, cfg)
	if len(c.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(c.Records))
	}
	if got := c.Records[0].Value(config.FieldDescription); got != "Rock 'n' Roll, Bar" {
		t.Errorf("description = %q", got)
	}
	if len(c.RowErrors) != 1 || c.RowErrors[0].Row != 3 {
		t.Errorf("RowErrors = %v, want one error at line 3", c.RowErrors)
	}
}

func TestExtract_QuotingDisabled(t *testing.T) {
	cfg := mustConfig(t, genericConfig+"delimited:\n  quote: \"\"\n")
	c := extract(t, "date,description,amount\n2025-05-02,Say \"hi\",-1.00\n", cfg)
	if len(c.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(c.Records))
	}
	if got := c.Records[0].Value(config.FieldDescription); got != `Say "hi"` {
		t.Errorf("description = %q", got)
	}
}

func TestExtract_MissingColumns(t *testing.T) {
	var c parser.Collector
	err := New().Extract(context.Background(), strings.NewReader("date,amount\n2025-05-02,-4.50\n"), mustConfig(t, genericConfig), &c)
	if !errors.Is(err, parser.ErrMissingColumns) {
		t.Fatalf("Extract() error = %v, want ErrMissingColumns", err)
	}
	if len(c.Records) != 0 {
		t.Errorf("no records expected before the header is accepted")
	}
}

func TestExtract_EmptyInput(t *testing.T) {
	var c parser.Collector
	err := New().Extract(context.Background(), strings.NewReader(""), mustConfig(t, genericConfig), &c)
	if !errors.Is(err, parser.ErrEmptyInput) {
		t.Fatalf("Extract() error = %v, want ErrEmptyInput", err)
	}
}

func TestExtract_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var c parser.Collector
	err := New().Extract(ctx, strings.NewReader("date,description,amount\n"), mustConfig(t, genericConfig), &c)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Extract() error = %v, want context.Canceled", err)
	}
}

func TestCanHandle(t *testing.T) {
	generic := mustConfig(t, genericConfig)
	pnc := mustConfig(t, pncConfig)

	tests := []struct {
		name     string
		cfg      *config.InstitutionConfig
		input    string
		expected bool
	}{
		{"header present", generic, "Date,Description,Amount\n2025-05-02,Coffee,-4.50\n", true},
		{"header missing amount", generic, "Date,Description\n2025-05-02,Coffee\n", false},
		{"positional row with date", pnc, "summary\n2025/05/02,20.00,ATM,,,DEBIT\n", true},
		{"positional row with wrong date", pnc, "summary\n02.05.2025,20.00,ATM,,,DEBIT\n", false},
		{"positional row too short", pnc, "summary\n2025/05/02,20.00\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := parser.NewProbe("statement.csv", "", domain.Candidate{Format: domain.FormatCSV}, []byte(tt.input))
			if got := New().CanHandle(probe, tt.cfg); got != tt.expected {
				t.Errorf("CanHandle() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCanHandle_RejectsOtherFormats(t *testing.T) {
	cfg := mustConfig(t, `
version: 1
institution: generic
format: qif
currency: USD
`)
	probe := parser.NewProbe("a.csv", "", domain.Candidate{}, []byte("date,description,amount\n"))
	if New().CanHandle(probe, cfg) {
		t.Error("CanHandle() accepted a qif configuration")
	}
	if err := New().Check(cfg); !errors.Is(err, parser.ErrConfigMismatch) {
		t.Errorf("Check() error = %v, want ErrConfigMismatch", err)
	}
}

func TestSplitQuoted(t *testing.T) {
	tests := []struct {
		line  string
		quote rune
		want  []string
		ok    bool
	}{
		{"a|b|c", 0, []string{"a", "b", "c"}, true},
		{"a|'b|c'|d", '\'', []string{"a", "b|c", "d"}, true},
		{"'it''s'|x", '\'', []string{"it's", "x"}, true},
		{"'open|x", '\'', nil, false},
		{"a||", 0, []string{"a", "", ""}, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := splitQuoted(tt.line, '|', tt.quote)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if strings.Join(got, "\x00") != strings.Join(tt.want, "\x00") {
				t.Errorf("splitQuoted() = %q, want %q", got, tt.want)
			}
		})
	}
}
