package ofx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
)

const sgmlHeader = `OFXHEADER:100
DATA:OFXSGML
VERSION:102
SECURITY:NONE
ENCODING:USASCII
CHARSET:1252
COMPRESSION:NONE
OLDFILEUID:NONE
NEWFILEUID:NONE

<OFX>
<SIGNONMSGSRSV1>
<SONRS>
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<DTSERVER>20240101120000
<LANGUAGE>ENG
<FI>
<ORG>TESTBANK
<FID>12345
</FI>
</SONRS>
</SIGNONMSGSRSV1>
`

const bankStatement = sgmlHeader + `<BANKMSGSRSV1>
<STMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>123456789
<ACCTID>9876543210
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<DTSTART>20240101000000
<DTEND>20240131235959
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240105120000
<TRNAMT>-50.00
<FITID>TXN001
<NAME>Test Transaction 1
<MEMO>Coffee Shop
</STMTTRN>
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20240115120000
<TRNAMT>1000.125
<FITID>TXN002
<MEMO>Paycheck
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>2000.00
<DTASOF>20240131235959
</LEDGERBAL>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>`

const creditCardStatement = sgmlHeader + `<CREDITCARDMSGSRSV1>
<CCSTMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<CCSTMTRS>
<CURDEF>EUR
<CCACCTFROM>
<ACCTID>4111111111111111
</CCACCTFROM>
<BANKTRANLIST>
<DTSTART>20240101000000
<DTEND>20240131235959
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20240110120000
<TRNAMT>-25.99
<FITID>CC001
<NAME>Café Central
</STMTTRN>
</BANKTRANLIST>
<LEDGERBAL>
<BALAMT>-500.00
<DTASOF>20240131235959
</LEDGERBAL>
</CCSTMTRS>
</CCSTMTTRNRS>
</CREDITCARDMSGSRSV1>
</OFX>`

const investmentStatement = sgmlHeader + `<INVSTMTMSGSRSV1>
<INVSTMTTRNRS>
<TRNUID>1
<STATUS>
<CODE>0
<SEVERITY>INFO
</STATUS>
<INVSTMTRS>
<DTASOF>20240131235959
<CURDEF>USD
<INVACCTFROM>
<BROKERID>TESTBROKER
<ACCTID>987654321
</INVACCTFROM>
<INVTRANLIST>
<DTSTART>20240101000000
<DTEND>20240131235959
<INVBANKTRAN>
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20240115120000
<TRNAMT>100.00
<FITID>INV001
<NAME>Dividend Payment
</STMTTRN>
</INVBANKTRAN>
</INVTRANLIST>
</INVSTMTRS>
</INVSTMTTRNRS>
</INVSTMTMSGSRSV1>
</OFX>`

func genericConfig(t *testing.T, extra string) *config.InstitutionConfig {
	t.Helper()
	cfg, err := config.Parse(config.Document{Name: "ofx.yaml", Data: []byte(`
version: 1
institution: generic
format: ofx
currency: USD
markup:
  encodings: [utf-8, windows-1252]
` + extra)})
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}
	return cfg
}

func extract(t *testing.T, content []byte, cfg *config.InstitutionConfig) *parser.Collector {
	t.Helper()
	var c parser.Collector
	if err := New().Extract(context.Background(), bytes.NewReader(content), cfg, &c); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	return &c
}

func TestName(t *testing.T) {
	if got := New().Name(); got != "ofx" {
		t.Errorf("Name() = %q, want %q", got, "ofx")
	}
	if got := New().Format(); got != domain.FormatOFX {
		t.Errorf("Format() = %q, want %q", got, domain.FormatOFX)
	}
}

func TestExtract_BankStatement(t *testing.T) {
	c := extract(t, []byte(bankStatement), genericConfig(t, ""))

	if len(c.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(c.Records))
	}

	tests := []struct {
		row         int
		date        string
		amount      string
		description string
		memo        string
		reference   string
		txnType     string
	}{
		{1, "2024-01-05", "-50", "Test Transaction 1", "Coffee Shop", "TXN001", "DEBIT"},
		{2, "2024-01-15", "1000.125", "Paycheck", "Paycheck", "TXN002", "CREDIT"},
	}
	for i, tt := range tests {
		rec := c.Records[i]
		if rec.Row() != tt.row {
			t.Errorf("record %d: Row() = %d, want %d", i, rec.Row(), tt.row)
		}
		checks := map[string]string{
			config.FieldDate:        tt.date,
			config.FieldAmount:      tt.amount,
			config.FieldDescription: tt.description,
			config.FieldMemo:        tt.memo,
			config.FieldReference:   tt.reference,
			config.FieldType:        tt.txnType,
			config.FieldAccount:     "9876543210",
			config.FieldCurrency:    "USD",
		}
		for field, want := range checks {
			if got := rec.Value(field); got != want {
				t.Errorf("record %d: %s = %q, want %q", i, field, got, want)
			}
		}
	}
	if len(c.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", c.Warnings)
	}
}

func TestExtract_CreditCardWindows1252(t *testing.T) {
	// Replace the UTF-8 é with its windows-1252 byte.
	content := bytes.ReplaceAll([]byte(creditCardStatement), []byte("é"), []byte{0xE9})

	c := extract(t, content, genericConfig(t, ""))
	if len(c.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(c.Records))
	}
	if got := c.Records[0].Value(config.FieldDescription); got != "Café Central" {
		t.Errorf("description = %q, want %q", got, "Café Central")
	}
	if got := c.Records[0].Value(config.FieldCurrency); got != "EUR" {
		t.Errorf("currency = %q, want EUR", got)
	}
	if len(c.Warnings) != 1 || c.Warnings[0].Code != "encoding_fallback" || c.Warnings[0].Value != "windows-1252" {
		t.Errorf("Warnings = %v, want one encoding_fallback to windows-1252", c.Warnings)
	}
}

func TestExtract_UndecodableInput(t *testing.T) {
	content := bytes.ReplaceAll([]byte(creditCardStatement), []byte("é"), []byte{0xE9})
	cfg, err := config.Parse(config.Document{Name: "utf8-only.yaml", Data: []byte(`
version: 1
institution: strict
format: ofx
currency: USD
markup:
  encodings: [utf-8]
`)})
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}

	var c parser.Collector
	err = New().Extract(context.Background(), bytes.NewReader(content), cfg, &c)
	if !errors.Is(err, parser.ErrMalformedDocument) {
		t.Errorf("Extract() error = %v, want ErrMalformedDocument", err)
	}
}

func TestExtract_Investment(t *testing.T) {
	c := extract(t, []byte(investmentStatement), genericConfig(t, ""))
	if len(c.Records) != 1 {
		t.Fatalf("got %d records, want 1", len(c.Records))
	}
	if got := c.Records[0].Value(config.FieldAccount); got != "987654321" {
		t.Errorf("account = %q, want %q", got, "987654321")
	}
	if got := c.Records[0].Value(config.FieldAmount); got != "100" {
		t.Errorf("amount = %q, want %q", got, "100")
	}
}

func TestExtract_MappingOverride(t *testing.T) {
	cfg := genericConfig(t, "fields:\n  description: MEMO\n  reference: CHECKNUM\n")
	c := extract(t, []byte(bankStatement), cfg)

	if got := c.Records[0].Value(config.FieldDescription); got != "Coffee Shop" {
		t.Errorf("description = %q, want memo text", got)
	}
	if _, ok := c.Records[0].Get(config.FieldReference); ok {
		t.Error("reference should be absent when CHECKNUM is empty")
	}
}

func TestExtract_InvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"empty", "  \n", parser.ErrEmptyInput},
		{"garbage", "OFXHEADER:100\nthis is not ofx", parser.ErrMalformedDocument},
		{"no statements", sgmlHeader + "</OFX>", parser.ErrMalformedDocument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c parser.Collector
			err := New().Extract(context.Background(), strings.NewReader(tt.content), genericConfig(t, ""), &c)
			if !errors.Is(err, tt.want) {
				t.Errorf("Extract() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExtract_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var c parser.Collector
	err := New().Extract(ctx, strings.NewReader(bankStatement), genericConfig(t, ""), &c)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Extract() error = %v, want context.Canceled", err)
	}
}

func TestCanHandle(t *testing.T) {
	tests := []struct {
		name     string
		extra    string
		content  string
		expected bool
	}{
		{"sgml header", "", bankStatement, true},
		{"xml processing instruction", "", `<?xml version="1.0"?><?OFX OFXHEADER="200" VERSION="220"?><OFX></OFX>`, true},
		{"csv", "", "date,description,amount\n", false},
		{"institution marker present", "match:\n  contains: [TESTBANK]\n", bankStatement, true},
		{"institution marker absent", "match:\n  contains: [OTHERBANK]\n", bankStatement, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := parser.NewProbe("statement.ofx", "", domain.Candidate{Format: domain.FormatOFX}, []byte(tt.content))
			if got := New().CanHandle(probe, genericConfig(t, tt.extra)); got != tt.expected {
				t.Errorf("CanHandle() = %v, want %v", got, tt.expected)
			}
		})
	}
}
