package config

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/currency"
	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

var (
	// ErrInvalidConfig is wrapped by every schema validation failure.
	ErrInvalidConfig = errors.New("invalid institution configuration")
	// ErrUnsupportedVersion rejects documents written for another schema version.
	ErrUnsupportedVersion = errors.New("unsupported configuration version")
	// ErrAmountColumnsConflict rejects documents mapping both a signed amount
	// column and debit/credit columns.
	ErrAmountColumnsConflict = errors.New("amount and debit/credit columns are mutually exclusive")
)

// Document is one raw configuration document as provided by a Source.
type Document struct {
	Name string
	Data []byte
}

// Problem is one schema violation found in a document.
type Problem struct {
	Field   string
	Value   string
	Message string
}

// SchemaError reports every problem found in one document.
type SchemaError struct {
	Document string
	Problems []Problem
	causes   []error
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Field != "" {
			msgs = append(msgs, p.Field+": "+p.Message)
		} else {
			msgs = append(msgs, p.Message)
		}
	}
	return fmt.Sprintf("config %s: %s", e.Document, strings.Join(msgs, "; "))
}

// Unwrap exposes ErrInvalidConfig and any more specific sentinel.
func (e *SchemaError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.causes...)
}

func (e *SchemaError) add(field, value, format string, args ...interface{}) {
	e.Problems = append(e.Problems, Problem{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
}

var institutionID = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ParsePosition interprets a "#N" positional source key.
func ParsePosition(source string) (int, bool) {
	if !strings.HasPrefix(source, "#") {
		return 0, false
	}
	n, err := strconv.Atoi(source[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Parse decodes and validates one configuration document.
// Unknown schema versions and unknown keys are rejected.
func Parse(doc Document) (*InstitutionConfig, error) {
	var header struct {
		Version int `yaml:"version"`
	}
	if err := yaml.Unmarshal(doc.Data, &header); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w: %v", doc.Name, ErrInvalidConfig, err)
	}
	if header.Version != CurrentVersion {
		serr := &SchemaError{Document: doc.Name, causes: []error{ErrUnsupportedVersion}}
		serr.add("version", strconv.Itoa(header.Version), "unsupported version %d (current version: %d)", header.Version, CurrentVersion)
		return nil, serr
	}

	dec := yaml.NewDecoder(bytes.NewReader(doc.Data))
	dec.KnownFields(true)
	var cfg InstitutionConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w: %v", doc.Name, ErrInvalidConfig, err)
	}
	cfg.source = doc.Name

	applyDefaults(&cfg)
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	ofxDefaultFields = map[string]string{
		FieldDate: "DTPOSTED", FieldAmount: "TRNAMT", FieldDescription: "NAME",
		FieldMemo: "MEMO", FieldReference: "FITID", FieldAccount: "ACCTID",
		FieldCurrency: "CURDEF", FieldType: "TRNTYPE",
	}
	qifDefaultFields = map[string]string{
		FieldDate: "D", FieldAmount: "T", FieldDescription: "P",
		FieldMemo: "M", FieldCategory: "L", FieldReference: "N",
	}
)

func applyDefaults(cfg *InstitutionConfig) {
	cfg.Format = domain.Format(strings.ToLower(strings.TrimSpace(string(cfg.Format))))
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if cfg.Name == "" {
		cfg.Name = cfg.Institution
	}
	if cfg.Fields == nil {
		cfg.Fields = map[string]string{}
	}

	var defaults map[string]string
	var dateFormats []string
	switch cfg.Format {
	case domain.FormatOFX:
		defaults = ofxDefaultFields
		dateFormats = []string{"YYYY-MM-DD"}
	case domain.FormatQIF:
		defaults = qifDefaultFields
		dateFormats = []string{"M/D/YYYY", "M/D'YYYY", "M/D/YY", "M/D'YY"}
	}
	for field, src := range defaults {
		if field == FieldAmount && (cfg.Mapped(FieldDebit) || cfg.Mapped(FieldCredit)) {
			continue
		}
		if !cfg.Mapped(field) {
			cfg.Fields[field] = src
		}
	}
	if len(cfg.Dates.Formats) == 0 {
		cfg.Dates.Formats = dateFormats
	}

	if cfg.Amounts.Decimal == "" {
		cfg.Amounts.Decimal = "."
	}
	if cfg.Amounts.Thousands == "" {
		if cfg.Amounts.Decimal == "," {
			cfg.Amounts.Thousands = "."
		} else {
			cfg.Amounts.Thousands = ","
		}
	}
	if cfg.Delimited.Delimiter == "" {
		cfg.Delimited.Delimiter = ","
	}
	if cfg.Delimited.Encoding == "" {
		cfg.Delimited.Encoding = "utf-8"
	}
	if cfg.Spreadsheet.HeaderRow == 0 {
		cfg.Spreadsheet.HeaderRow = 1
	}
	if len(cfg.Markup.Encodings) == 0 {
		cfg.Markup.Encodings = []string{"utf-8", "windows-1252"}
	}
	if cfg.Text.Strategy == "" {
		cfg.Text.Strategy = StrategyPatterns
	}
	if cfg.Text.Table.Separator == "" {
		cfg.Text.Table.Separator = `\t|\s{2,}`
	}
}

func (cfg *InstitutionConfig) compile() error {
	serr := &SchemaError{Document: cfg.source}

	if cfg.Institution == "" {
		serr.add("institution", "", "institution identifier is required")
	} else if !institutionID.MatchString(cfg.Institution) {
		serr.add("institution", cfg.Institution, "institution identifier must be a lower-case slug")
	}
	if _, err := domain.ParseFormat(string(cfg.Format)); err != nil {
		serr.add("format", string(cfg.Format), "%v", err)
	}
	if cfg.Currency == "" {
		serr.add("currency", "", "currency is required")
	} else if _, err := currency.ParseISO(cfg.Currency); err != nil {
		serr.add("currency", cfg.Currency, "not an ISO 4217 currency code")
	}

	cfg.compileFields(serr)
	cfg.compileDates(serr)
	cfg.compileAmounts(serr)
	cfg.compileInput(serr)
	cfg.compileText(serr)
	cfg.compileMerchant(serr)

	if len(serr.Problems) > 0 {
		return serr
	}
	return nil
}

func (cfg *InstitutionConfig) compileFields(serr *SchemaError) {
	for field, src := range cfg.Fields {
		if _, ok := canonicalFields[field]; !ok {
			serr.add("fields."+field, src, "unknown canonical field")
		}
		if strings.HasPrefix(src, "#") {
			if _, ok := ParsePosition(src); !ok {
				serr.add("fields."+field, src, "invalid positional index")
			}
		}
	}

	if cfg.Mapped(FieldAmount) && (cfg.Mapped(FieldDebit) || cfg.Mapped(FieldCredit)) {
		serr.add("fields.amount", cfg.Fields[FieldAmount], "%v", ErrAmountColumnsConflict)
		serr.causes = append(serr.causes, ErrAmountColumnsConflict)
	}
	if cfg.Mapped(FieldDebit) != cfg.Mapped(FieldCredit) {
		serr.add("fields", "", "debit and credit must be mapped together")
	}

	tabular := cfg.Format == domain.FormatCSV || cfg.Format == domain.FormatSpreadsheet ||
		(cfg.Format == domain.FormatText && cfg.Text.Strategy == StrategyTable)
	if !tabular {
		return
	}
	for _, required := range []string{FieldDate, FieldDescription} {
		if !cfg.Mapped(required) {
			serr.add("fields."+required, "", "mapping is required")
		}
	}
	if !cfg.Mapped(FieldAmount) && !cfg.UsesDebitCredit() {
		serr.add("fields.amount", "", "either amount or debit and credit must be mapped")
	}

	positionalOnly := (cfg.Format == domain.FormatCSV && !cfg.HasHeader()) || cfg.Format == domain.FormatText
	if positionalOnly {
		for field, src := range cfg.Fields {
			if _, ok := ParsePosition(src); !ok {
				serr.add("fields."+field, src, "headerless input requires positional (#N) mappings")
			}
		}
	}
}

func (cfg *InstitutionConfig) compileDates(serr *SchemaError) {
	if len(cfg.Dates.Formats) == 0 {
		serr.add("dates.formats", "", "at least one date format is required")
	}
	cfg.layouts = nil
	for _, f := range cfg.Dates.Formats {
		layout, err := CompileDateFormat(f)
		if err != nil {
			serr.add("dates.formats", f, "%v", err)
			continue
		}
		if !layout.HasYear && cfg.Dates.DefaultYear == 0 {
			serr.add("dates.default_year", f, "format without a year requires default_year")
		}
		cfg.layouts = append(cfg.layouts, layout)
	}
	if y := cfg.Dates.DefaultYear; y != 0 && (y < 1900 || y > 2200) {
		serr.add("dates.default_year", strconv.Itoa(y), "default year out of range")
	}
}

func (cfg *InstitutionConfig) compileAmounts(serr *SchemaError) {
	a := cfg.Amounts
	if a.Decimal != "." && a.Decimal != "," {
		serr.add("amounts.decimal", a.Decimal, "decimal separator must be \".\" or \",\"")
	}
	switch a.Thousands {
	case ",", ".", " ", "'", "none":
	default:
		serr.add("amounts.thousands", a.Thousands, "unsupported thousands separator")
	}
	if a.Thousands == a.Decimal {
		serr.add("amounts.thousands", a.Thousands, "thousands and decimal separators must differ")
	}
	if len(a.DebitTypes) > 0 && !cfg.Mapped(FieldType) && cfg.Format != domain.FormatOFX {
		serr.add("amounts.debit_types", "", "debit_types requires a type field mapping")
	}
}

func (cfg *InstitutionConfig) compileInput(serr *SchemaError) {
	d := cfg.Delimited
	if d.Delimiter != `\t` && d.Delimiter != "tab" && utf8.RuneCountInString(d.Delimiter) != 1 {
		serr.add("delimited.delimiter", d.Delimiter, "delimiter must be a single character")
	}
	if d.Quote != nil && utf8.RuneCountInString(*d.Quote) > 1 {
		serr.add("delimited.quote", *d.Quote, "quote must be a single character or empty")
	}
	if q := cfg.QuoteRune(); q != 0 && q == cfg.DelimiterRune() {
		serr.add("delimited.quote", string(q), "quote and delimiter must differ")
	}
	if d.SkipLines < 0 {
		serr.add("delimited.skip_lines", strconv.Itoa(d.SkipLines), "must not be negative")
	}
	if enc, err := htmlindex.Get(d.Encoding); err != nil {
		serr.add("delimited.encoding", d.Encoding, "unknown encoding")
	} else {
		cfg.textEncoding = enc
	}

	if cfg.Spreadsheet.HeaderRow < 1 {
		serr.add("spreadsheet.header_row", strconv.Itoa(cfg.Spreadsheet.HeaderRow), "header row is 1-based")
	}

	cfg.markupEncodings = nil
	for _, name := range cfg.Markup.Encodings {
		enc, err := htmlindex.Get(name)
		if err != nil {
			serr.add("markup.encodings", name, "unknown encoding")
			continue
		}
		cfg.markupEncodings = append(cfg.markupEncodings, NamedEncoding{Name: strings.ToLower(name), Encoding: enc})
	}

	if cfg.Match.Filename != "" {
		re, err := regexp.Compile(cfg.Match.Filename)
		if err != nil {
			serr.add("match.filename", cfg.Match.Filename, "invalid pattern: %v", err)
		}
		cfg.filename = re
	}

	cfg.skipRows = nil
	for _, rule := range cfg.SkipRows {
		if _, ok := canonicalFields[rule.Field]; !ok {
			serr.add("skip_rows.field", rule.Field, "unknown canonical field")
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			serr.add("skip_rows.pattern", rule.Pattern, "invalid pattern: %v", err)
			continue
		}
		cfg.skipRows = append(cfg.skipRows, compiledRowRule{field: rule.Field, pattern: re})
	}
}

func (cfg *InstitutionConfig) compileText(serr *SchemaError) {
	t := cfg.Text
	if t.Strategy != StrategyPatterns && t.Strategy != StrategyTable {
		serr.add("text.strategy", t.Strategy, "strategy must be %q or %q", StrategyPatterns, StrategyTable)
	}
	if m := t.MaxContinuation; m != nil && (*m < 0 || *m > 20) {
		serr.add("text.max_continuation", strconv.Itoa(*m), "must be between 0 and 20")
	}

	sep, err := regexp.Compile(t.Table.Separator)
	if err != nil {
		serr.add("text.table.separator", t.Table.Separator, "invalid pattern: %v", err)
	}
	cfg.tableSeparator = sep

	if cfg.Format != domain.FormatText || t.Strategy != StrategyPatterns {
		return
	}
	if len(t.Patterns) == 0 {
		serr.add("text.patterns", "", "at least one start pattern is required")
	}

	cfg.patterns = nil
	for i, rule := range t.Patterns {
		name := rule.Name
		if name == "" {
			name = "pattern-" + strconv.Itoa(i+1)
		}
		start, err := regexp.Compile(rule.Start)
		if err != nil {
			serr.add("text.patterns."+name+".start", rule.Start, "invalid pattern: %v", err)
			continue
		}
		groups := checkGroups(serr, "text.patterns."+name+".start", start)
		if !groups[FieldDate] || (!groups[FieldAmount] && !(groups[FieldDebit] && groups[FieldCredit])) {
			serr.add("text.patterns."+name+".start", rule.Start, "start pattern must capture date and amount")
		}

		p := Pattern{Name: name, Start: start}
		for j, cont := range rule.Continuation {
			cname := cont.Name
			if cname == "" {
				cname = "continuation-" + strconv.Itoa(j+1)
			}
			re, err := regexp.Compile(cont.Pattern)
			if err != nil {
				serr.add("text.patterns."+name+"."+cname, cont.Pattern, "invalid pattern: %v", err)
				continue
			}
			checkGroups(serr, "text.patterns."+name+"."+cname, re)
			p.Continuation = append(p.Continuation, Continuation{Name: cname, Pattern: re})
		}
		cfg.patterns = append(cfg.patterns, p)
	}
}

func checkGroups(serr *SchemaError, field string, re *regexp.Regexp) map[string]bool {
	groups := map[string]bool{}
	for _, name := range re.SubexpNames() {
		if name == "" {
			continue
		}
		if _, ok := canonicalFields[name]; !ok {
			serr.add(field, name, "capture group is not a canonical field")
		}
		groups[name] = true
	}
	return groups
}

func (cfg *InstitutionConfig) compileMerchant(serr *SchemaError) {
	cfg.merchantSplits = nil
	for _, rule := range cfg.Merchant.Split {
		re, err := regexp.Compile(rule)
		if err != nil {
			serr.add("merchant.split", rule, "invalid pattern: %v", err)
			continue
		}
		hasMerchant := false
		for _, name := range re.SubexpNames() {
			switch name {
			case "":
			case FieldMerchant:
				hasMerchant = true
			case FieldLocation:
			default:
				serr.add("merchant.split", rule, "unexpected capture group %q", name)
			}
		}
		if !hasMerchant {
			serr.add("merchant.split", rule, "split rule must capture merchant")
		}
		cfg.merchantSplits = append(cfg.merchantSplits, re)
	}
}
