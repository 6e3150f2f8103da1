package normalize

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/rules"
)

const tatraYAML = `
version: 1
institution: tatra-banka
format: text
currency: EUR
dates:
  formats: ["D. M.", "D.M.", "DD.MM.YYYY"]
  default_year: 2025
amounts:
  decimal: ","
  thousands: " "
text:
  patterns:
    - start: '^(?P<date>\S+ \S+)\s+(?P<description>.+?)\s+(?P<amount>\S+)$'
merchant:
  split:
    - '^(?P<merchant>.+?)\s+(?P<location>BRATISLAVA|KOSICE)$'
  suffixes: ["s.r.o.", "a.s."]
`

const usYAML = `
version: 1
institution: us-bank
format: csv
currency: USD
account: "cfg-account"
fields:
  date: Date
  description: Description
  amount: Amount
  type: Type
  category: Category
  currency: Currency
dates:
  formats: ["MM/DD/YYYY", "DD/MM/YYYY"]
amounts:
  debit_types: [DEBIT, POS]
  debit_suffixes: [DR]
merchant:
  prefixes: ["POS", "SQ *"]
  suffixes: ["LLC", "Inc.", "Inc"]
`

const debitCreditYAML = `
version: 1
institution: dc-bank
format: csv
currency: EUR
fields:
  date: date
  description: description
  debit: debit
  credit: credit
dates:
  formats: ["YYYY-MM-DD"]
amounts:
  decimal: ","
  thousands: "."
`

func mustConfig(t *testing.T, doc string) *config.InstitutionConfig {
	t.Helper()
	cfg, err := config.Parse(config.Document{Name: "test.yaml", Data: []byte(doc)})
	require.NoError(t, err)
	return cfg
}

func record(t *testing.T, row int, kv ...string) domain.RawRecord {
	t.Helper()
	var fields []domain.Field
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, domain.Field{Name: kv[i], Value: kv[i+1]})
	}
	rec, err := domain.NewRawRecord(row, 1, "test", fields, nil)
	require.NoError(t, err)
	return rec
}

func issueOf(t *testing.T, err error) *domain.Issue {
	t.Helper()
	var issue *domain.Issue
	require.True(t, errors.As(err, &issue), "expected *domain.Issue, got %v", err)
	assert.Equal(t, domain.IssueRow, issue.Kind)
	return issue
}

func engine(t *testing.T) *rules.Engine {
	t.Helper()
	e, err := rules.LoadEmbedded()
	require.NoError(t, err)
	return e
}

func TestNormalize_SlovakCardPayment(t *testing.T) {
	n := New(engine(t))
	rec := record(t, 4,
		config.FieldDate, "2. 5.",
		config.FieldDescription, "SUPERMARKET FRESH KOSICE",
		config.FieldAmount, "-12,90",
	)

	txn, err := n.Normalize(rec, mustConfig(t, tatraYAML), "SK31 1100")
	require.NoError(t, err)

	assert.Equal(t, 4, txn.Row)
	assert.Equal(t, domain.Date{Year: 2025, Month: time.May, Day: 2}, txn.Date)
	assert.Equal(t, int64(-1290), txn.AmountMinor)
	assert.Equal(t, "EUR", txn.Currency)
	require.NotNil(t, txn.Merchant)
	assert.Equal(t, "SUPERMARKET FRESH", *txn.Merchant)
	require.NotNil(t, txn.Location)
	assert.Equal(t, "KOSICE", *txn.Location)
	assert.Equal(t, "SK31 1100", txn.Account)
	require.NotNil(t, txn.Category)
	assert.Equal(t, domain.CategoryGroceries, *txn.Category)
	assert.Empty(t, txn.Warnings)
}

func TestNormalize_Dates(t *testing.T) {
	n := New(nil)
	tests := []struct {
		name      string
		doc       string
		value     string
		want      domain.Date
		wantWarn  bool
		wantError bool
	}{
		{"yearless takes default year", tatraYAML, "31.12.", domain.Date{Year: 2025, Month: time.December, Day: 31}, false, false},
		{"full date", tatraYAML, "01.02.2024", domain.Date{Year: 2024, Month: time.February, Day: 1}, false, false},
		{"leap day in non-leap default year", tatraYAML, "29. 2.", domain.Date{}, false, true},
		{"garbage", tatraYAML, "yesterday", domain.Date{}, false, true},
		{"first format wins and ambiguity is flagged", usYAML, "05/03/2025", domain.Date{Year: 2025, Month: time.May, Day: 3}, true, false},
		{"unambiguous day above twelve", usYAML, "05/23/2025", domain.Date{Year: 2025, Month: time.May, Day: 23}, false, false},
		{"same date under both formats", usYAML, "04/04/2025", domain.Date{Year: 2025, Month: time.April, Day: 4}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := "1,00"
			if tt.doc == usYAML {
				amount = "1.00"
			}
			rec := record(t, 2, config.FieldDate, tt.value, config.FieldDescription, "x", config.FieldAmount, amount)
			txn, err := n.Normalize(rec, mustConfig(t, tt.doc), "")
			if tt.wantError {
				issue := issueOf(t, err)
				assert.Equal(t, "invalid_date", issue.Code)
				assert.Equal(t, 2, issue.Row)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, txn.Date)
			assert.Equal(t, tt.wantWarn, txn.HasWarning(WarnAmbiguousDate))
		})
	}
}

func TestNormalize_Amounts(t *testing.T) {
	n := New(nil)
	tests := []struct {
		name      string
		doc       string
		amount    string
		currency  string
		typ       string
		want      int64
		wantRound bool
		wantCode  string
	}{
		{"plain negative", usYAML, "-4.50", "", "", -450, false, ""},
		{"thousands and symbol", usYAML, "$1,234.56", "", "", 123456, false, ""},
		{"parentheses", usYAML, "(12.00)", "", "", -1200, false, ""},
		{"trailing minus", usYAML, "12.00-", "", "", -1200, false, ""},
		{"debit suffix", usYAML, "12.00 DR", "", "", -1200, false, ""},
		{"debit type forces negative", usYAML, "25.00", "", "POS", -2500, false, ""},
		{"zero decimal currency", usYAML, "1500", "JPY", "", 1500, false, ""},
		{"three decimal currency", usYAML, "1.2345", "KWD", "", 1235, true, ""},
		{"rounds half away from zero", usYAML, "-0.125", "", "", -13, true, ""},
		{"space grouping", tatraYAML, "1 250,00", "", "", 125000, false, ""},
		{"nbsp grouping and code", tatraYAML, "EUR 1\u00a0250,5", "", "", 125050, false, ""},
		{"bad grouping", usYAML, "12,34.00", "", "", 0, false, "invalid_amount"},
		{"two signs", usYAML, "-12.00-", "", "", 0, false, "invalid_amount"},
		{"not a number", usYAML, "n/a", "", "", 0, false, "invalid_amount"},
		{"empty", usYAML, "", "", "", 0, false, "missing_amount"},
		{"unknown currency", usYAML, "1.00", "ZZZ", "", 0, false, "invalid_currency"},
		{"largest credit", usYAML, "92233720368547758.07", "", "", math.MaxInt64, false, ""},
		{"largest debit", usYAML, "-92233720368547758.07", "", "", -math.MaxInt64, false, ""},
		{"credit past int64", usYAML, "92233720368547758.08", "", "", 0, false, "invalid_amount"},
		{"credit far past int64", usYAML, "184467440737095516.17", "", "", 0, false, "invalid_amount"},
		{"debit past int64", usYAML, "-99999999999999999999999.99", "", "", 0, false, "invalid_amount"},
		{"zero decimal past int64", usYAML, "9223372036854775808", "JPY", "", 0, false, "invalid_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date := "05/23/2025"
			if tt.doc == tatraYAML {
				date = "2. 5."
			}
			rec := record(t, 7,
				config.FieldDate, date,
				config.FieldDescription, "Test",
				config.FieldAmount, tt.amount,
				config.FieldCurrency, tt.currency,
				config.FieldType, tt.typ,
			)
			txn, err := n.Normalize(rec, mustConfig(t, tt.doc), "")
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, issueOf(t, err).Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, txn.AmountMinor)
			assert.Equal(t, tt.wantRound, txn.HasWarning(WarnAmountRounded))
		})
	}
}

func TestNormalize_DebitCredit(t *testing.T) {
	n := New(nil)
	cfg := mustConfig(t, debitCreditYAML)
	tests := []struct {
		name     string
		debit    string
		credit   string
		want     int64
		wantCode string
	}{
		{"debit negated", "1.234,50", "", -123450, ""},
		{"negative debit stays negative", "-10,00", "", -1000, ""},
		{"credit positive", "", "99,99", 9999, ""},
		{"zero debit with credit", "0,00", "5,00", 500, ""},
		{"both set", "1,00", "2,00", 0, "ambiguous_debit_credit"},
		{"neither set", "", "", 0, "missing_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record(t, 3,
				config.FieldDate, "2025-05-02",
				config.FieldDescription, "Transfer",
				config.FieldDebit, tt.debit,
				config.FieldCredit, tt.credit,
			)
			txn, err := n.Normalize(rec, cfg, "")
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, issueOf(t, err).Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, txn.AmountMinor)
		})
	}
}

func TestNormalize_Invert(t *testing.T) {
	cfg := mustConfig(t, `
version: 1
institution: card
format: csv
currency: USD
fields:
  date: date
  description: description
  amount: amount
dates:
  formats: ["YYYY-MM-DD"]
amounts:
  invert: true
`)
	txn, err := New(nil).Normalize(record(t, 2, config.FieldDate, "2025-05-02", config.FieldDescription, "Purchase", config.FieldAmount, "42.10"), cfg, "")
	require.NoError(t, err)
	assert.Equal(t, int64(-4210), txn.AmountMinor)
}

func TestNormalize_Merchant(t *testing.T) {
	n := New(nil)
	tests := []struct {
		name         string
		doc          string
		description  string
		merchant     string
		wantMerchant string
		wantLocation string
		wantWarnings []string
	}{
		{"prefix and repeated suffixes", usYAML, "POS SQ *ACME TOOLS LLC, Inc.", "", "ACME TOOLS", "", nil},
		{"explicit merchant wins", usYAML, "POS 1234 SOMETHING", "Hardware Store", "Hardware Store", "", nil},
		{"split rule", tatraYAML, "KAVIAREN MAX s.r.o. BRATISLAVA", "", "KAVIAREN MAX", "BRATISLAVA", nil},
		{"split rule miss", tatraYAML, "ONLINE PAYMENT", "", "ONLINE PAYMENT", "", []string{WarnMerchantNotSplit}},
		{"nothing left", usYAML, "POS", "", "", "", []string{WarnMerchantNotExtracted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			date, amount := "05/23/2025", "-1.00"
			if tt.doc == tatraYAML {
				date, amount = "2. 5.", "-1,00"
			}
			rec := record(t, 2,
				config.FieldDate, date,
				config.FieldDescription, tt.description,
				config.FieldAmount, amount,
				config.FieldMerchant, tt.merchant,
			)
			txn, err := n.Normalize(rec, mustConfig(t, tt.doc), "")
			require.NoError(t, err)

			if tt.wantMerchant == "" {
				assert.Nil(t, txn.Merchant)
			} else {
				require.NotNil(t, txn.Merchant)
				assert.Equal(t, tt.wantMerchant, *txn.Merchant)
			}
			if tt.wantLocation == "" {
				assert.Nil(t, txn.Location)
			} else {
				require.NotNil(t, txn.Location)
				assert.Equal(t, tt.wantLocation, *txn.Location)
			}
			for _, code := range []string{WarnMerchantNotSplit, WarnMerchantNotExtracted} {
				assert.Equal(t, contains(tt.wantWarnings, code), txn.HasWarning(code), code)
			}
		})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestNormalize_Foreign(t *testing.T) {
	n := New(nil)
	cfg := mustConfig(t, tatraYAML)

	rec := record(t, 5,
		config.FieldDate, "3. 5.",
		config.FieldDescription, "BOOKSHOP VIENNA",
		config.FieldAmount, "-45,00",
		config.FieldOriginalAmount, "50,00",
		config.FieldOriginalCurrency, "usd",
		config.FieldExchangeRate, "1,1111",
	)
	txn, err := n.Normalize(rec, cfg, "")
	require.NoError(t, err)
	require.NotNil(t, txn.Foreign)
	assert.Equal(t, domain.ForeignAmount{AmountMinor: -5000, Currency: "USD", Rate: "1.1111"}, *txn.Foreign)
	assert.False(t, txn.HasWarning(WarnForeignIncomplete))

	partial := record(t, 6,
		config.FieldDate, "3. 5.",
		config.FieldDescription, "BOOKSHOP VIENNA",
		config.FieldAmount, "-45,00",
		config.FieldOriginalAmount, "50,00",
	)
	txn, err = n.Normalize(partial, cfg, "")
	require.NoError(t, err)
	require.NotNil(t, txn.Foreign, "partial foreign data is kept")
	assert.Equal(t, int64(-5000), txn.Foreign.AmountMinor)
	assert.True(t, txn.HasWarning(WarnForeignIncomplete))

	huge := record(t, 7,
		config.FieldDate, "3. 5.",
		config.FieldDescription, "BOOKSHOP VIENNA",
		config.FieldAmount, "-45,00",
		config.FieldOriginalAmount, "99999999999999999999999,99",
		config.FieldOriginalCurrency, "USD",
	)
	txn, err = n.Normalize(huge, cfg, "")
	require.NoError(t, err)
	require.NotNil(t, txn.Foreign)
	assert.Zero(t, txn.Foreign.AmountMinor, "an out of range original amount is not kept")
	assert.True(t, txn.HasWarning(WarnForeignIncomplete))
}

func TestNormalize_AccountPrecedence(t *testing.T) {
	n := New(nil)
	cfg := mustConfig(t, usYAML)
	base := []string{config.FieldDate, "05/23/2025", config.FieldDescription, "x", config.FieldAmount, "1.00"}

	txn, err := n.Normalize(record(t, 2, append(base, config.FieldAccount, "rec-account")...), cfg, "arg-account")
	require.NoError(t, err)
	assert.Equal(t, "rec-account", txn.Account)

	txn, err = n.Normalize(record(t, 2, base...), cfg, "arg-account")
	require.NoError(t, err)
	assert.Equal(t, "arg-account", txn.Account)

	txn, err = n.Normalize(record(t, 2, base...), cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "cfg-account", txn.Account)
}

func TestNormalize_Category(t *testing.T) {
	n := New(engine(t))
	cfg := mustConfig(t, usYAML)

	tests := []struct {
		name        string
		description string
		source      string
		want        domain.Category
		wantWarn    bool
	}{
		{"rule match", "STARBUCKS 123", "", domain.CategoryDining, false},
		{"source category", "ACME HARDWARE", "Shopping:Tools", domain.CategoryShopping, false},
		{"unknown", "ACME HARDWARE", "Tools", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record(t, 2,
				config.FieldDate, "05/23/2025",
				config.FieldDescription, tt.description,
				config.FieldAmount, "-3.00",
				config.FieldCategory, tt.source,
			)
			txn, err := n.Normalize(rec, cfg, "")
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, txn.Category)
			} else {
				require.NotNil(t, txn.Category)
				assert.Equal(t, tt.want, *txn.Category)
			}
			assert.Equal(t, tt.wantWarn, txn.HasWarning(WarnCategoryNotInferred))
		})
	}
}

func TestNormalize_Splits(t *testing.T) {
	cfg := mustConfig(t, `
version: 1
institution: generic
format: qif
currency: USD
`)
	rec, err := domain.NewRawRecord(2, 8, "qif", []domain.Field{
		{Name: config.FieldDate, Value: "5/4/2025"},
		{Name: config.FieldAmount, Value: "-100.00"},
		{Name: config.FieldDescription, Value: "Supermarket"},
	}, []domain.RawSplit{
		{Category: "Groceries", Memo: "Food", Amount: "-70.00"},
		{Category: "Household", Amount: "-30.00"},
	})
	require.NoError(t, err)

	txn, err := New(nil).Normalize(rec, cfg, "")
	require.NoError(t, err)
	assert.Equal(t, []domain.SplitAmount{
		{Category: "Groceries", Memo: "Food", AmountMinor: -7000},
		{Category: "Household", AmountMinor: -3000},
	}, txn.Splits)

	bad, err := domain.NewRawRecord(2, 3, "qif", []domain.Field{
		{Name: config.FieldDate, Value: "5/4/2025"},
		{Name: config.FieldAmount, Value: "-100.00"},
	}, []domain.RawSplit{{Category: "Groceries", Amount: "lots"}})
	require.NoError(t, err)
	_, err = New(nil).Normalize(bad, cfg, "")
	assert.Equal(t, "invalid_split_amount", issueOf(t, err).Code)

	overflow, err := domain.NewRawRecord(2, 3, "qif", []domain.Field{
		{Name: config.FieldDate, Value: "5/4/2025"},
		{Name: config.FieldAmount, Value: "-100.00"},
	}, []domain.RawSplit{{Category: "Groceries", Amount: "92233720368547758.08"}})
	require.NoError(t, err)
	_, err = New(nil).Normalize(overflow, cfg, "")
	assert.Equal(t, "invalid_split_amount", issueOf(t, err).Code)
}
