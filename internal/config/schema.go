// Package config loads, validates and caches declarative institution rule sets.
//
// A document describes one institution/format pair: how source columns or
// keys map to canonical fields, which date and amount conventions apply, the
// text patterns for unstructured statements and the merchant cleanup rules.
// Adding an institution means adding a document, never code.
package config

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// CurrentVersion is the only configuration schema version this build understands.
const CurrentVersion = 1

// Canonical field names used as keys of the field mapping and as named
// capture groups in text patterns.
const (
	FieldDate             = "date"
	FieldDescription      = "description"
	FieldAmount           = "amount"
	FieldDebit            = "debit"
	FieldCredit           = "credit"
	FieldType             = "type"
	FieldCurrency         = "currency"
	FieldMemo             = "memo"
	FieldReference        = "reference"
	FieldCategory         = "category"
	FieldAccount          = "account"
	FieldMerchant         = "merchant"
	FieldLocation         = "location"
	FieldOriginalAmount   = "original_amount"
	FieldOriginalCurrency = "original_currency"
	FieldExchangeRate     = "exchange_rate"
)

var canonicalFields = map[string]struct{}{
	FieldDate: {}, FieldDescription: {}, FieldAmount: {}, FieldDebit: {},
	FieldCredit: {}, FieldType: {}, FieldCurrency: {}, FieldMemo: {},
	FieldReference: {}, FieldCategory: {}, FieldAccount: {}, FieldMerchant: {},
	FieldLocation: {}, FieldOriginalAmount: {}, FieldOriginalCurrency: {},
	FieldExchangeRate: {},
}

// Text extraction strategies.
const (
	StrategyPatterns = "patterns"
	StrategyTable    = "table"
)

// DefaultMaxContinuation bounds the look-ahead window of text patterns.
const DefaultMaxContinuation = 3

// InstitutionConfig is one validated institution/format rule set.
// Values obtained from a Snapshot are shared between imports and must be
// treated as read-only.
type InstitutionConfig struct {
	Version     int                `yaml:"version"`
	Institution string             `yaml:"institution"`
	Format      domain.Format      `yaml:"format"`
	Name        string             `yaml:"name"`
	Tenant      string             `yaml:"tenant"`
	Currency    string             `yaml:"currency"`
	Account     string             `yaml:"account"`
	Match       MatchRules         `yaml:"match"`
	Delimited   DelimitedOptions   `yaml:"delimited"`
	Spreadsheet SpreadsheetOptions `yaml:"spreadsheet"`
	Markup      MarkupOptions      `yaml:"markup"`
	SkipRows    []RowRule          `yaml:"skip_rows"`
	Fields      map[string]string  `yaml:"fields"`
	Dates       DateRules          `yaml:"dates"`
	Amounts     AmountRules        `yaml:"amounts"`
	Text        TextRules          `yaml:"text"`
	Merchant    MerchantRules      `yaml:"merchant"`

	source          string
	filename        *regexp.Regexp
	layouts         []DateLayout
	skipRows        []compiledRowRule
	patterns        []Pattern
	tableSeparator  *regexp.Regexp
	merchantSplits  []*regexp.Regexp
	textEncoding    encoding.Encoding
	markupEncodings []NamedEncoding
}

// MatchRules is the institution signature used to pick a configuration for an input.
type MatchRules struct {
	Filename string   `yaml:"filename"`
	Contains []string `yaml:"contains"`
	Priority int      `yaml:"priority"`
}

// DelimitedOptions configures the delimited-text extractor.
type DelimitedOptions struct {
	Delimiter string  `yaml:"delimiter"`
	Quote     *string `yaml:"quote"`
	Encoding  string  `yaml:"encoding"`
	Header    *bool   `yaml:"header"`
	SkipLines int     `yaml:"skip_lines"`
}

// SpreadsheetOptions configures the spreadsheet extractor.
// HeaderRow is 1-based; data rows start right after it.
type SpreadsheetOptions struct {
	Sheet     string `yaml:"sheet"`
	HeaderRow int    `yaml:"header_row"`
}

// MarkupOptions configures the structured-markup extractor.
type MarkupOptions struct {
	Encodings []string `yaml:"encodings"`
}

// RowRule classifies a row as skippable (summary, totals, balances) when the
// mapped field matches the pattern.
type RowRule struct {
	Field   string `yaml:"field"`
	Pattern string `yaml:"pattern"`
}

// DateRules lists date format candidates, first match wins.
// Formats use the tokens YYYY, YY, MMM, MM, M, DD and D.
type DateRules struct {
	Formats     []string `yaml:"formats"`
	DefaultYear int      `yaml:"default_year"`
}

// AmountRules describes locale and sign conventions of amount values.
type AmountRules struct {
	Decimal        string   `yaml:"decimal"`
	Thousands      string   `yaml:"thousands"`
	Invert         bool     `yaml:"invert"`
	DebitTypes     []string `yaml:"debit_types"`
	DebitSuffixes  []string `yaml:"debit_suffixes"`
	CreditSuffixes []string `yaml:"credit_suffixes"`
}

// TextRules configures the unstructured-text extractor.
type TextRules struct {
	Strategy        string        `yaml:"strategy"`
	MaxContinuation *int          `yaml:"max_continuation"`
	Patterns        []PatternRule `yaml:"patterns"`
	Table           TableRules    `yaml:"table"`
}

// PatternRule is a transaction-start pattern with its continuation patterns.
type PatternRule struct {
	Name         string             `yaml:"name"`
	Start        string             `yaml:"start"`
	Continuation []ContinuationRule `yaml:"continuation"`
}

// ContinuationRule matches one line following a transaction start.
type ContinuationRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// TableRules configures the table strategy: each line is split into
// positional cells by Separator.
type TableRules struct {
	Separator  string `yaml:"separator"`
	MinColumns int    `yaml:"min_columns"`
}

// MerchantRules configures merchant extraction from descriptions.
type MerchantRules struct {
	Prefixes []string `yaml:"prefixes"`
	Split    []string `yaml:"split"`
	Suffixes []string `yaml:"suffixes"`
}

// Pattern is a compiled text pattern.
type Pattern struct {
	Name         string
	Start        *regexp.Regexp
	Continuation []Continuation
}

// Continuation is a compiled continuation pattern.
type Continuation struct {
	Name    string
	Pattern *regexp.Regexp
}

// NamedEncoding pairs an encoding label with its decoder implementation.
type NamedEncoding struct {
	Name     string
	Encoding encoding.Encoding
}

type compiledRowRule struct {
	field   string
	pattern *regexp.Regexp
}

// Key identifies the configuration in a snapshot.
func (c *InstitutionConfig) Key() string {
	if c.Tenant != "" {
		return c.Tenant + "/" + c.Institution + "/" + string(c.Format)
	}
	return c.Institution + "/" + string(c.Format)
}

// Source returns the name of the document the configuration was loaded from.
func (c *InstitutionConfig) Source() string { return c.source }

// SourceKey returns the source column, key or capture group that feeds a
// canonical field. Unmapped fields use the canonical name itself.
func (c *InstitutionConfig) SourceKey(field string) string {
	if src, ok := c.Fields[field]; ok && src != "" {
		return src
	}
	return field
}

// Mapped reports whether the configuration maps a canonical field explicitly.
func (c *InstitutionConfig) Mapped(field string) bool {
	return c.Fields[field] != ""
}

// UsesDebitCredit reports whether amounts come from separate debit and credit columns.
func (c *InstitutionConfig) UsesDebitCredit() bool {
	return c.Mapped(FieldDebit) && c.Mapped(FieldCredit)
}

// DateLayouts returns the compiled date layouts in configured order.
func (c *InstitutionConfig) DateLayouts() []DateLayout { return c.layouts }

// Patterns returns the compiled text patterns in configured order.
func (c *InstitutionConfig) Patterns() []Pattern { return c.patterns }

// TableSeparator returns the compiled table-strategy separator.
func (c *InstitutionConfig) TableSeparator() *regexp.Regexp { return c.tableSeparator }

// MerchantSplits returns the compiled merchant split rules.
func (c *InstitutionConfig) MerchantSplits() []*regexp.Regexp { return c.merchantSplits }

// TextEncoding returns the decoder for delimited text input.
func (c *InstitutionConfig) TextEncoding() encoding.Encoding { return c.textEncoding }

// MarkupEncodings returns the ordered encoding fallback list for markup input.
func (c *InstitutionConfig) MarkupEncodings() []NamedEncoding { return c.markupEncodings }

// HasHeader reports whether delimited input starts with a header row.
func (c *InstitutionConfig) HasHeader() bool {
	return c.Delimited.Header == nil || *c.Delimited.Header
}

// QuoteRune returns the delimited quote character, or 0 when quoting is disabled.
func (c *InstitutionConfig) QuoteRune() rune {
	if c.Delimited.Quote == nil {
		return '"'
	}
	for _, r := range *c.Delimited.Quote {
		return r
	}
	return 0
}

// ContinuationLimit returns how many lines after a text start pattern may be
// read as its continuation. An absent max_continuation gives
// DefaultMaxContinuation; an explicit 0 disables continuations.
func (c *InstitutionConfig) ContinuationLimit() int {
	if c.Text.MaxContinuation == nil {
		return DefaultMaxContinuation
	}
	return *c.Text.MaxContinuation
}

// DelimiterRune returns the configured field delimiter.
func (c *InstitutionConfig) DelimiterRune() rune {
	switch c.Delimited.Delimiter {
	case "":
		return ','
	case `\t`, "tab":
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(c.Delimited.Delimiter)
	return r
}

// MatchesFilename reports whether name satisfies the filename signature.
// Configurations without a filename rule match every name.
func (c *InstitutionConfig) MatchesFilename(name string) bool {
	if c.filename == nil {
		return true
	}
	return c.filename.MatchString(name)
}

// MatchesContent reports whether every configured marker appears in text,
// ignoring case.
func (c *InstitutionConfig) MatchesContent(text string) bool {
	if len(c.Match.Contains) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, marker := range c.Match.Contains {
		if !strings.Contains(lower, strings.ToLower(marker)) {
			return false
		}
	}
	return true
}

// SkipRow reports whether a row is a summary row according to the skip rules.
// get returns the raw value of a canonical field for the row.
func (c *InstitutionConfig) SkipRow(get func(field string) string) (bool, string) {
	for _, rule := range c.skipRows {
		if rule.pattern.MatchString(get(rule.field)) {
			return true, "matched skip rule on " + rule.field
		}
	}
	return false, ""
}
