// Package normalize converts raw extracted records into canonical transactions
// using the conventions of an institution configuration.
package normalize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/rules"
)

// Warning codes attached by the normalizer.
const (
	WarnAmbiguousDate        = "ambiguous_date"
	WarnAmountRounded        = "amount_rounded"
	WarnMerchantNotSplit     = "merchant_not_split"
	WarnMerchantNotExtracted = "merchant_not_extracted"
	WarnForeignIncomplete    = "foreign_incomplete"
	WarnCategoryNotInferred  = "category_not_inferred"
)

// Normalizer is stateless apart from the immutable rules engine and is safe
// for concurrent use.
type Normalizer struct {
	engine *rules.Engine
}

// New creates a normalizer. A nil engine disables rule-based categories.
func New(engine *rules.Engine) *Normalizer {
	return &Normalizer{engine: engine}
}

// Normalize converts one raw record. Failures are returned as *domain.Issue
// of kind row; recoverable oddities are attached to the transaction as
// warnings. account is the caller-supplied account, used when the record
// carries none; the configuration's account is the last fallback.
func (n *Normalizer) Normalize(rec domain.RawRecord, cfg *config.InstitutionConfig, account string) (*domain.CanonicalTransaction, error) {
	row := rec.Row()
	txn := &domain.CanonicalTransaction{Row: row}

	code := strings.ToUpper(strings.TrimSpace(rec.Value(config.FieldCurrency)))
	if code == "" {
		code = cfg.Currency
	}
	if code == "" {
		return nil, domain.RowError(row, "missing_currency", config.FieldCurrency, "", "no currency in record or configuration")
	}
	scale, err := minorScale(code)
	if err != nil {
		return nil, domain.RowError(row, "invalid_currency", config.FieldCurrency, code, err.Error())
	}
	txn.Currency = code

	rawDate := rec.Value(config.FieldDate)
	dr, err := parseDate(rawDate, cfg)
	if err != nil {
		return nil, domain.RowError(row, "invalid_date", config.FieldDate, rawDate, err.Error())
	}
	txn.Date = dr.date
	if dr.alternative != "" {
		txn.AddWarning(WarnAmbiguousDate, config.FieldDate, rawDate,
			fmt.Sprintf("read as %s (%s); %s would give %s", dr.date, dr.format, dr.alternative, dr.altDate))
	}

	amount, rawAmount, issue := n.amount(rec, cfg)
	if issue != nil {
		return nil, issue
	}
	minor, rounded, err := toMinor(amount, scale)
	if err != nil {
		return nil, domain.RowError(row, "invalid_amount", config.FieldAmount, rawAmount, err.Error())
	}
	if rounded {
		txn.AddWarning(WarnAmountRounded, config.FieldAmount, rawAmount,
			fmt.Sprintf("%s has more than %d decimal places for %s", amount, scale, code))
	}
	txn.AmountMinor = minor

	txn.Description = collapse(rec.Value(config.FieldDescription))
	n.merchant(txn, rec, cfg)
	txn.Memo = domain.StringPtr(collapse(rec.Value(config.FieldMemo)))
	txn.Reference = domain.StringPtr(strings.TrimSpace(rec.Value(config.FieldReference)))

	switch {
	case rec.Value(config.FieldAccount) != "":
		txn.Account = strings.TrimSpace(rec.Value(config.FieldAccount))
	case account != "":
		txn.Account = account
	default:
		txn.Account = cfg.Account
	}

	n.foreign(txn, rec, cfg)

	if rec.IsSplit() {
		splits, issue := n.splits(rec, cfg, scale)
		if issue != nil {
			return nil, issue
		}
		txn.Splits = splits
	}

	n.category(txn, rec)
	return txn, nil
}

// amount resolves the signed amount: the literal sign of the amount column
// (optionally inverted), or debit/credit columns with debits negated.
// Configured debit transaction types force the amount negative.
func (n *Normalizer) amount(rec domain.RawRecord, cfg *config.InstitutionConfig) (decimal.Decimal, string, *domain.Issue) {
	row := rec.Row()
	var (
		amount decimal.Decimal
		raw    string
	)

	if cfg.UsesDebitCredit() {
		debitRaw := strings.TrimSpace(rec.Value(config.FieldDebit))
		creditRaw := strings.TrimSpace(rec.Value(config.FieldCredit))
		if debitRaw == "" && creditRaw == "" {
			return decimal.Zero, "", domain.RowError(row, "missing_amount", config.FieldAmount, "", "neither debit nor credit has a value")
		}
		debit, err := optionalAmount(debitRaw, cfg)
		if err != nil {
			return decimal.Zero, "", domain.RowError(row, "invalid_amount", config.FieldDebit, debitRaw, err.Error())
		}
		credit, err := optionalAmount(creditRaw, cfg)
		if err != nil {
			return decimal.Zero, "", domain.RowError(row, "invalid_amount", config.FieldCredit, creditRaw, err.Error())
		}
		switch {
		case !debit.IsZero() && !credit.IsZero():
			return decimal.Zero, "", domain.RowError(row, "ambiguous_debit_credit", config.FieldAmount, debitRaw+" / "+creditRaw,
				"both debit and credit have a value")
		case !debit.IsZero():
			amount, raw = debit.Abs().Neg(), debitRaw
		default:
			amount, raw = credit.Abs(), creditRaw
		}
	} else {
		raw = strings.TrimSpace(rec.Value(config.FieldAmount))
		if raw == "" {
			return decimal.Zero, "", domain.RowError(row, "missing_amount", config.FieldAmount, "", "amount is empty")
		}
		d, err := parseAmount(raw, cfg.Amounts)
		if err != nil {
			return decimal.Zero, "", domain.RowError(row, "invalid_amount", config.FieldAmount, raw, err.Error())
		}
		amount = d
		if cfg.Amounts.Invert {
			amount = amount.Neg()
		}
	}

	if isDebitType(rec.Value(config.FieldType), cfg.Amounts.DebitTypes) {
		amount = amount.Abs().Neg()
	}
	return amount, raw, nil
}

func optionalAmount(raw string, cfg *config.InstitutionConfig) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return parseAmount(raw, cfg.Amounts)
}

func isDebitType(value string, debitTypes []string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, t := range debitTypes {
		if strings.EqualFold(value, strings.TrimSpace(t)) {
			return true
		}
	}
	return false
}

func (n *Normalizer) merchant(txn *domain.CanonicalTransaction, rec domain.RawRecord, cfg *config.InstitutionConfig) {
	location := collapse(rec.Value(config.FieldLocation))

	if explicit := collapse(rec.Value(config.FieldMerchant)); explicit != "" {
		txn.Merchant = &explicit
		txn.Location = domain.StringPtr(location)
		return
	}
	if txn.Description == "" {
		txn.Location = domain.StringPtr(location)
		return
	}

	res := extractMerchant(txn.Description, cfg)
	if !res.split {
		txn.AddWarning(WarnMerchantNotSplit, config.FieldDescription, txn.Description, "no merchant split rule matched")
	}
	if res.merchant == "" {
		txn.AddWarning(WarnMerchantNotExtracted, config.FieldDescription, txn.Description, "description has no merchant name")
	} else {
		txn.Merchant = &res.merchant
	}
	if location == "" {
		location = res.location
	}
	txn.Location = domain.StringPtr(location)
}

// foreign records the original-currency side of a converted payment. The
// original amount takes the sign of the booked amount. Partial data is kept
// and flagged.
func (n *Normalizer) foreign(txn *domain.CanonicalTransaction, rec domain.RawRecord, cfg *config.InstitutionConfig) {
	rawAmount := strings.TrimSpace(rec.Value(config.FieldOriginalAmount))
	code := strings.ToUpper(strings.TrimSpace(rec.Value(config.FieldOriginalCurrency)))
	rawRate := strings.TrimSpace(rec.Value(config.FieldExchangeRate))
	if rawAmount == "" && code == "" && rawRate == "" {
		return
	}

	f := &domain.ForeignAmount{Currency: code}
	var missing []string

	scale := int32(2)
	if code == "" {
		missing = append(missing, config.FieldOriginalCurrency)
	} else if s, err := minorScale(code); err == nil {
		scale = s
	} else {
		missing = append(missing, config.FieldOriginalCurrency)
	}

	if rawAmount == "" {
		missing = append(missing, config.FieldOriginalAmount)
	} else if minor, err := n.foreignMinor(rawAmount, cfg, scale); err == nil {
		if txn.AmountMinor < 0 {
			minor = -minor
		}
		f.AmountMinor = minor
	} else {
		missing = append(missing, config.FieldOriginalAmount)
	}

	if rawRate != "" {
		if r, err := parseRate(rawRate, cfg.Amounts); err == nil {
			f.Rate = r.String()
		} else {
			f.Rate = rawRate
			missing = append(missing, config.FieldExchangeRate)
		}
	}

	txn.Foreign = f
	if len(missing) > 0 {
		txn.AddWarning(WarnForeignIncomplete, strings.Join(missing, ","), rawAmount+" "+code,
			"original currency data is missing or unreadable: "+strings.Join(missing, ", "))
	}
}

// foreignMinor reads the magnitude of an original amount in minor units.
func (n *Normalizer) foreignMinor(raw string, cfg *config.InstitutionConfig, scale int32) (int64, error) {
	d, err := parseAmount(raw, cfg.Amounts)
	if err != nil {
		return 0, err
	}
	minor, _, err := toMinor(d.Abs(), scale)
	return minor, err
}

// parseRate reads an exchange rate, which never has grouping separators.
func parseRate(raw string, rules config.AmountRules) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if rules.Decimal != "." {
		s = strings.ReplaceAll(s, rules.Decimal, ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("exchange rate must be positive")
	}
	return d, nil
}

func (n *Normalizer) splits(rec domain.RawRecord, cfg *config.InstitutionConfig, scale int32) ([]domain.SplitAmount, *domain.Issue) {
	raw := rec.Splits()
	out := make([]domain.SplitAmount, 0, len(raw))
	for i, s := range raw {
		d, err := parseAmount(s.Amount, cfg.Amounts)
		if err != nil {
			return nil, domain.RowError(rec.Row(), "invalid_split_amount", config.FieldAmount, s.Amount,
				fmt.Sprintf("split %d: %v", i+1, err))
		}
		if cfg.Amounts.Invert {
			d = d.Neg()
		}
		minor, _, err := toMinor(d, scale)
		if err != nil {
			return nil, domain.RowError(rec.Row(), "invalid_split_amount", config.FieldAmount, s.Amount,
				fmt.Sprintf("split %d: %v", i+1, err))
		}
		out = append(out, domain.SplitAmount{
			Category:    strings.TrimSpace(s.Category),
			Memo:        strings.TrimSpace(s.Memo),
			AmountMinor: minor,
		})
	}
	return out, nil
}

// category applies the rules engine, then a source category naming a known
// category (QIF "Dining:Lunch" reads as dining).
func (n *Normalizer) category(txn *domain.CanonicalTransaction, rec domain.RawRecord) {
	if result, ok := n.engine.Match(txn.Description, txn.AmountMinor); ok {
		c := result.Category
		txn.Category = &c
		return
	}

	source := strings.TrimSpace(rec.Value(config.FieldCategory))
	if i := strings.IndexAny(source, ":/"); i >= 0 {
		source = source[:i]
	}
	if c := domain.Category(strings.ToLower(strings.TrimSpace(source))); domain.ValidateCategory(c) {
		txn.Category = &c
		return
	}
	txn.AddWarning(WarnCategoryNotInferred, config.FieldCategory, rec.Value(config.FieldCategory), "no category rule matched")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
