// Package ofx provides OFX/QFX statement extraction.
package ofx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/aclindsa/ofxgo"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
)

// Source keys exposed to field mappings, named after the OFX elements they come from.
const (
	KeyDate      = "DTPOSTED"
	KeyAmount    = "TRNAMT"
	KeyName      = "NAME"
	KeyMemo      = "MEMO"
	KeyID        = "FITID"
	KeyCheck     = "CHECKNUM"
	KeyType      = "TRNTYPE"
	KeyAccount   = "ACCTID"
	KeyCurrency  = "CURDEF"
	KeyOrg       = "ORG"
	dateLayout   = "2006-01-02"
	maxPrecision = 8
)

// Extractor reads OFX 1.x (SGML) and 2.x (XML) statements through ofxgo.
// The struct has no fields; the shared instance is safe for concurrent use.
type Extractor struct{}

var extractorInstance = &Extractor{}

// New returns the shared OFX extractor.
func New() *Extractor {
	return extractorInstance
}

// Name returns the extractor identifier
func (e *Extractor) Name() string {
	return "ofx"
}

// Format returns the format family handled by the extractor
func (e *Extractor) Format() domain.Format {
	return domain.FormatOFX
}

// Check verifies the configuration can drive this extractor.
func (e *Extractor) Check(cfg *config.InstitutionConfig) error {
	if cfg.Format != domain.FormatOFX {
		return fmt.Errorf("%w: %s is a %s configuration", parser.ErrConfigMismatch, cfg.Key(), cfg.Format)
	}
	if len(cfg.MarkupEncodings()) == 0 {
		return fmt.Errorf("%w: %s lists no markup encodings", parser.ErrConfigMismatch, cfg.Key())
	}
	return nil
}

// CanHandle checks for OFX header markers and the institution signature.
func (e *Extractor) CanHandle(probe parser.Probe, cfg *config.InstitutionConfig) bool {
	if e.Check(cfg) != nil || !parser.MatchesSignature(probe, cfg) {
		return false
	}
	head := strings.ToUpper(probe.HeadText())
	return strings.Contains(head, "OFXHEADER") ||
		strings.Contains(head, "<?OFX") ||
		strings.Contains(head, "<OFX>")
}

// Extract parses the whole document and emits one record per statement
// transaction in document order. Rows are 1-based transaction ordinals.
func (e *Extractor) Extract(ctx context.Context, r io.Reader, cfg *config.InstitutionConfig, sink parser.Sink) error {
	if err := e.Check(cfg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	content, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read OFX content: %w", err)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return parser.ErrEmptyInput
	}

	content, used, err := transcode(content, cfg.MarkupEncodings())
	if err != nil {
		return err
	}
	if used != "" {
		sink.Warning(domain.Warning(0, "encoding_fallback", "", used, fmt.Sprintf("input is not UTF-8, decoded as %s", used)))
	}

	// ofxgo.ParseResponse does not take a context.
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := ofxgo.ParseResponse(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("%w: failed to parse OFX (%d bytes): %v", parser.ErrMalformedDocument, len(content), err)
	}

	statements, err := collect(resp, sink)
	if err != nil {
		return err
	}
	if len(statements) == 0 {
		return fmt.Errorf("%w: no bank, credit card or investment statement found", parser.ErrMalformedDocument)
	}

	row := 0
	for _, stmt := range statements {
		for _, txn := range stmt.transactions {
			if err := ctx.Err(); err != nil {
				return err
			}
			row++
			fields := recordFields(cfg, values(resp, stmt, txn))
			rec, err := domain.NewRawRecord(row, 1, e.Name(), fields, nil)
			if err != nil {
				sink.RowError(*domain.RowError(row, "empty_row", "", txn.FiTID.String(), err.Error()))
				continue
			}
			if err := sink.Record(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// statement is the account context shared by a run of transactions.
type statement struct {
	account      string
	currency     string
	transactions []ofxgo.Transaction
}

// collect gathers transactions from every statement in the response.
func collect(resp *ofxgo.Response, sink parser.Sink) ([]statement, error) {
	var out []statement

	for _, msg := range resp.Bank {
		stmt, ok := msg.(*ofxgo.StatementResponse)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected bank message %T", parser.ErrMalformedDocument, msg)
		}
		s := statement{account: stmt.BankAcctFrom.AcctID.String(), currency: stmt.CurDef.String()}
		if stmt.BankTranList != nil {
			s.transactions = stmt.BankTranList.Transactions
		}
		out = append(out, s)
	}

	for _, msg := range resp.CreditCard {
		stmt, ok := msg.(*ofxgo.CCStatementResponse)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected credit card message %T", parser.ErrMalformedDocument, msg)
		}
		s := statement{account: stmt.CCAcctFrom.AcctID.String(), currency: stmt.CurDef.String()}
		if stmt.BankTranList != nil {
			s.transactions = stmt.BankTranList.Transactions
		}
		out = append(out, s)
	}

	for _, msg := range resp.InvStmt {
		stmt, ok := msg.(*ofxgo.InvStatementResponse)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected investment message %T", parser.ErrMalformedDocument, msg)
		}
		s := statement{account: stmt.InvAcctFrom.AcctID.String(), currency: stmt.CurDef.String()}
		if stmt.InvTranList != nil {
			// Only cash movements carry a single signed amount; security
			// trades are reported and left out.
			for _, bank := range stmt.InvTranList.BankTransactions {
				s.transactions = append(s.transactions, bank.Transactions...)
			}
			if n := len(stmt.InvTranList.InvTransactions); n > 0 {
				sink.Warning(domain.Warning(0, "security_transactions_skipped", "", s.account,
					fmt.Sprintf("%d security transactions are not imported", n)))
			}
		}
		out = append(out, s)
	}

	return out, nil
}

// values exposes one transaction under its OFX element names.
func values(resp *ofxgo.Response, stmt statement, txn ofxgo.Transaction) map[string]string {
	v := map[string]string{
		KeyAmount:   amountString(txn.TrnAmt),
		KeyName:     strings.TrimSpace(txn.Name.String()),
		KeyMemo:     strings.TrimSpace(txn.Memo.String()),
		KeyID:       strings.TrimSpace(txn.FiTID.String()),
		KeyCheck:    strings.TrimSpace(txn.CheckNum.String()),
		KeyType:     txn.TrnType.String(),
		KeyAccount:  stmt.account,
		KeyCurrency: stmt.currency,
		KeyOrg:      resp.Signon.Org.String(),
	}
	if !txn.DtPosted.Time.IsZero() {
		v[KeyDate] = txn.DtPosted.Time.Format(dateLayout)
	}
	if v[KeyName] == "" {
		v[KeyName] = v[KeyMemo]
	}
	return v
}

// recordFields maps OFX values to canonical fields through the configuration.
func recordFields(cfg *config.InstitutionConfig, v map[string]string) []domain.Field {
	names := make([]string, 0, len(cfg.Fields))
	for field := range cfg.Fields {
		names = append(names, field)
	}
	sort.Slice(names, func(i, j int) bool { return parser.CanonicalOrder(names[i]) < parser.CanonicalOrder(names[j]) })

	fields := make([]domain.Field, 0, len(names))
	for _, field := range names {
		if value := v[strings.ToUpper(cfg.SourceKey(field))]; value != "" {
			fields = append(fields, domain.Field{Name: field, Value: value})
		}
	}
	return fields
}

// amountString renders the exact amount without trailing zeros.
func amountString(a ofxgo.Amount) string {
	s := a.FloatString(maxPrecision)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		return "0"
	}
	return s
}

// transcode returns UTF-8 content. Valid UTF-8 input is returned untouched;
// otherwise the configured encodings are tried in order and the first one
// that decodes without replacement characters wins.
func transcode(content []byte, encodings []config.NamedEncoding) ([]byte, string, error) {
	if utf8.Valid(content) {
		return content, "", nil
	}
	for _, enc := range encodings {
		decoded, err := enc.Encoding.NewDecoder().Bytes(content)
		if err != nil || bytes.ContainsRune(decoded, utf8.RuneError) {
			continue
		}
		return decoded, enc.Name, nil
	}
	return nil, "", fmt.Errorf("%w: content does not decode with any of the configured encodings", parser.ErrMalformedDocument)
}
