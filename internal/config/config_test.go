package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

const validCSV = `
version: 1
institution: acme
format: csv
currency: EUR
fields:
  date: Date
  description: Description
  amount: Amount
dates:
  formats: ["DD.MM.YYYY"]
amounts:
  decimal: ","
  thousands: "."
`

func doc(name, body string) Document {
	return Document{Name: name, Data: []byte(body)}
}

func TestParseValidDocument(t *testing.T) {
	cfg, err := Parse(doc("acme.yaml", validCSV))
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Institution)
	assert.Equal(t, domain.FormatCSV, cfg.Format)
	assert.Equal(t, "acme", cfg.Name)
	assert.Equal(t, "acme/csv", cfg.Key())
	assert.Equal(t, "Date", cfg.SourceKey(FieldDate))
	assert.Equal(t, "memo", cfg.SourceKey(FieldMemo))
	assert.True(t, cfg.HasHeader())
	assert.Equal(t, ',', cfg.DelimiterRune())
	assert.Equal(t, '"', cfg.QuoteRune())
	require.Len(t, cfg.DateLayouts(), 1)
	assert.Equal(t, "02.01.2006", cfg.DateLayouts()[0].Layout)
	assert.NotNil(t, cfg.TextEncoding())
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{
			name:    "unknown version",
			body:    "version: 2\ninstitution: acme\nformat: csv\ncurrency: EUR\n",
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "missing version",
			body:    "institution: acme\nformat: csv\ncurrency: EUR\n",
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "unknown key",
			body:    validCSV + "colour: blue\n",
			wantErr: ErrInvalidConfig,
		},
		{
			name: "amount and debit credit both mapped",
			body: `
version: 1
institution: acme
format: csv
currency: EUR
fields: {date: d, description: x, amount: a, debit: dr, credit: cr}
dates: {formats: ["YYYY-MM-DD"]}
`,
			wantErr: ErrAmountColumnsConflict,
		},
		{
			name: "debit without credit",
			body: `
version: 1
institution: acme
format: csv
currency: EUR
fields: {date: d, description: x, debit: dr}
dates: {formats: ["YYYY-MM-DD"]}
`,
			wantErr: ErrInvalidConfig,
		},
		{
			name: "missing description mapping",
			body: `
version: 1
institution: acme
format: csv
currency: EUR
fields: {date: d, amount: a}
dates: {formats: ["YYYY-MM-DD"]}
`,
			wantErr: ErrInvalidConfig,
		},
		{
			name: "invalid currency",
			body: `
version: 1
institution: acme
format: qif
currency: EURO
`,
			wantErr: ErrInvalidConfig,
		},
		{
			name: "yearless format without default year",
			body: `
version: 1
institution: acme
format: text
currency: EUR
dates: {formats: ["D. M."]}
text:
  patterns:
    - start: '^(?P<date>\S+) (?P<amount>\S+)$'
`,
			wantErr: ErrInvalidConfig,
		},
		{
			name: "unparseable pattern",
			body: `
version: 1
institution: acme
format: text
currency: EUR
dates: {formats: ["DD.MM.YYYY"]}
text:
  patterns:
    - start: '^(?P<date>\S+ (?P<amount>\S+)$'
`,
			wantErr: ErrInvalidConfig,
		},
		{
			name: "start pattern without amount",
			body: `
version: 1
institution: acme
format: text
currency: EUR
dates: {formats: ["DD.MM.YYYY"]}
text:
  patterns:
    - start: '^(?P<date>\S+) (?P<description>.+)$'
`,
			wantErr: ErrInvalidConfig,
		},
		{
			name: "capture group is not a canonical field",
			body: `
version: 1
institution: acme
format: text
currency: EUR
dates: {formats: ["DD.MM.YYYY"]}
text:
  patterns:
    - start: '^(?P<date>\S+) (?P<amount>\S+) (?P<payee>.+)$'
`,
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "headerless csv with named columns",
			body:    validCSV + "delimited: {header: false}\n",
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "unknown encoding",
			body:    validCSV + "delimited: {encoding: klingon}\n",
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "merchant split without merchant group",
			body:    validCSV + "merchant: {split: ['^(?P<location>.+)$']}\n",
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "same separators",
			body:    validCSV[:len(validCSV)-len("  thousands: \".\"\n")] + "  thousands: \",\"\n",
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(doc("bad.yaml", tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "error %v should wrap %v", err, tt.wantErr)
		})
	}
}

func TestSchemaErrorListsEveryProblem(t *testing.T) {
	_, err := Parse(doc("bad.yaml", `
version: 1
institution: Not A Slug
format: pdf
currency: ""
`))
	var serr *SchemaError
	require.ErrorAs(t, err, &serr)
	assert.GreaterOrEqual(t, len(serr.Problems), 3)
	assert.Contains(t, err.Error(), "config bad.yaml")
}

func TestParseAppliesFormatDefaults(t *testing.T) {
	ofx, err := Parse(doc("ofx.yaml", "version: 1\ninstitution: bank\nformat: ofx\ncurrency: USD\n"))
	require.NoError(t, err)
	assert.Equal(t, "DTPOSTED", ofx.SourceKey(FieldDate))
	assert.Equal(t, "TRNAMT", ofx.SourceKey(FieldAmount))
	assert.Len(t, ofx.MarkupEncodings(), 2)

	qif, err := Parse(doc("qif.yaml", "version: 1\ninstitution: bank\nformat: qif\ncurrency: USD\n"))
	require.NoError(t, err)
	assert.Equal(t, "T", qif.SourceKey(FieldAmount))
	assert.Equal(t, "L", qif.SourceKey(FieldCategory))
	assert.NotEmpty(t, qif.DateLayouts())
}

func TestContinuationLimit(t *testing.T) {
	const base = "version: 1\ninstitution: bank\nformat: text\ncurrency: EUR\n" +
		"dates:\n  formats: [DD.MM.YYYY]\n" +
		"text:\n  patterns:\n    - start: '^(?P<date>\\S+)\\s+(?P<description>.+?)\\s+(?P<amount>\\S+)$'\n"

	unset, err := Parse(doc("unset.yaml", base))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxContinuation, unset.ContinuationLimit())

	zero, err := Parse(doc("zero.yaml", base+"  max_continuation: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, zero.ContinuationLimit())

	five, err := Parse(doc("five.yaml", base+"  max_continuation: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, five.ContinuationLimit())

	for _, bad := range []string{"-1", "21"} {
		_, err := Parse(doc("bad.yaml", base+"  max_continuation: "+bad+"\n"))
		var serr *SchemaError
		require.ErrorAs(t, err, &serr, "max_continuation %s", bad)
		assert.Contains(t, err.Error(), "text.max_continuation")
	}
}

func TestCompileDateFormat(t *testing.T) {
	tests := []struct {
		format   string
		layout   string
		hasYear  bool
		wantFail bool
	}{
		{"YYYY-MM-DD", "2006-01-02", true, false},
		{"DD.MM.YYYY", "02.01.2006", true, false},
		{"D. M.", "2. 1.", false, false},
		{"M/D'YY", "1/2'06", true, false},
		{"DD MMM YYYY", "02 Jan 2006", true, false},
		{"YYYYMMDD", "20060102", true, false},
		{"MM/YYYY", "", false, true},
		{"DD.MM.YYYYx", "", false, true},
		{"DD.DD.YYYY", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got, err := CompileDateFormat(tt.format)
			if tt.wantFail {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.layout, got.Layout)
			assert.Equal(t, tt.hasYear, got.HasYear)
		})
	}
}

func TestDefaultsAreValid(t *testing.T) {
	docs, err := Defaults().Load(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, docs)

	snap, err := NewSnapshot(1, time.Now(), docs)
	require.NoError(t, err)
	assert.Equal(t, len(docs), snap.Len())

	cfg, ok := snap.Lookup("", "tatra-banka", domain.FormatText)
	require.True(t, ok)
	assert.Equal(t, 2025, cfg.Dates.DefaultYear)
	assert.NotEmpty(t, cfg.Patterns())
	assert.NotEmpty(t, cfg.MerchantSplits())
}

func TestSnapshotCandidates(t *testing.T) {
	shared := doc("shared.yaml", validCSV)
	tenant := doc("tenant.yaml", validCSV+"tenant: t1\n")
	other := doc("other.yaml", `
version: 1
institution: zeta
format: csv
currency: EUR
match: {priority: 5}
fields: {date: d, description: x, amount: a}
dates: {formats: ["YYYY-MM-DD"]}
`)

	snap, err := NewSnapshot(1, time.Now(), []Document{shared, tenant, other})
	require.NoError(t, err)

	t1 := snap.Candidates(domain.FormatCSV, Scope{Tenant: "t1"})
	require.Len(t, t1, 3)
	assert.Equal(t, "zeta", t1[0].Institution, "higher priority first")
	assert.Equal(t, "t1", t1[1].Tenant, "tenant document before shared one")

	anon := snap.Candidates(domain.FormatCSV, Scope{})
	assert.Len(t, anon, 2)

	pinned := snap.Candidates(domain.FormatCSV, Scope{Institution: "acme"})
	assert.Len(t, pinned, 1)

	cfg, ok := snap.Lookup("t1", "acme", domain.FormatCSV)
	require.True(t, ok)
	assert.Equal(t, "t1", cfg.Tenant)

	assert.Empty(t, snap.Candidates(domain.FormatOFX, Scope{}))
}

func TestSnapshotRejectsDuplicateKeys(t *testing.T) {
	_, err := NewSnapshot(1, time.Now(), []Document{doc("a.yaml", validCSV), doc("b.yaml", validCSV)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// switchSource serves whichever document set is current.
type switchSource struct {
	mu   sync.Mutex
	docs []Document
	err  error
}

func (s *switchSource) set(docs []Document, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs, s.err = docs, err
}

func (s *switchSource) Load(ctx context.Context) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Document(nil), s.docs...), s.err
}

func TestStoreReload(t *testing.T) {
	ctx := context.Background()
	src := &switchSource{docs: []Document{doc("acme.yaml", validCSV)}}

	store, err := NewStore(ctx, src, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	first := store.Snapshot()
	assert.Equal(t, int64(1), first.Version())

	changed, err := store.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "unchanged documents keep the snapshot")
	assert.Same(t, first, store.Snapshot())

	src.set([]Document{doc("acme.yaml", validCSV), doc("qif.yaml", "version: 1\ninstitution: acme\nformat: qif\ncurrency: EUR\n")}, nil)
	changed, err = store.Reload(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(2), store.Snapshot().Version())
	assert.Equal(t, 2, store.Snapshot().Len())
	assert.Equal(t, 1, first.Len(), "old snapshot is never mutated")

	src.set([]Document{doc("bad.yaml", "version: 9\n")}, nil)
	_, err = store.Reload(ctx)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.Equal(t, int64(2), store.Snapshot().Version(), "failed reload keeps the previous snapshot")

	src.set(nil, errors.New("storage offline"))
	_, err = store.Reload(ctx)
	assert.Error(t, err)
	assert.Equal(t, int64(2), store.Snapshot().Version())
}

func TestNewStoreFailsOnInvalidSource(t *testing.T) {
	_, err := NewStore(context.Background(), StaticSource{doc("bad.yaml", "version: 3\n")})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestStoreConcurrentReadersDuringReload(t *testing.T) {
	ctx := context.Background()
	a := []Document{doc("acme.yaml", validCSV)}
	b := []Document{doc("acme.yaml", validCSV), doc("qif.yaml", "version: 1\ninstitution: acme\nformat: qif\ncurrency: EUR\n")}
	src := &switchSource{docs: a}

	store, err := NewStore(ctx, src)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var torn atomic.Int32
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := store.Snapshot()
				n := snap.Len()
				// Every snapshot is one of the two complete document sets
				if n != 1 && n != 2 {
					torn.Add(1)
				}
				if len(snap.All()) != n {
					torn.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			src.set(b, nil)
		} else {
			src.set(a, nil)
		}
		_, err := store.Reload(ctx)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, torn.Load())
	assert.Equal(t, int64(51), store.Snapshot().Version())
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(validCSV), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"version": 1, "institution": "jsonbank", "format": "qif", "currency": "USD"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	docs, err := NewDirSource(dir).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a.json", docs[0].Name)

	snap, err := NewSnapshot(1, time.Now(), docs)
	require.NoError(t, err)
	_, ok := snap.Lookup("", "jsonbank", domain.FormatQIF)
	assert.True(t, ok)

	_, err = NewDirSource(filepath.Join(dir, "missing")).Load(context.Background())
	assert.Error(t, err)
}

func TestMultiSource(t *testing.T) {
	src := MultiSource{Defaults(), StaticSource{doc("acme.yaml", validCSV)}}
	docs, err := src.Load(context.Background())
	require.NoError(t, err)

	defaults, err := Defaults().Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, len(defaults)+1)
}

func TestWatcherReloadsOnSchedule(t *testing.T) {
	ctx := context.Background()
	src := &switchSource{docs: []Document{doc("acme.yaml", validCSV)}}
	store, err := NewStore(ctx, src)
	require.NoError(t, err)

	w := NewWatcher(store, "@every 1s", zerolog.Nop())
	require.NoError(t, w.Start())
	defer w.Stop()
	require.NoError(t, w.Start(), "second start is a no-op")

	src.set([]Document{doc("acme.yaml", validCSV), doc("qif.yaml", "version: 1\ninstitution: acme\nformat: qif\ncurrency: EUR\n")}, nil)

	assert.Eventually(t, func() bool {
		return store.Snapshot().Len() == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcherRejectsInvalidSchedule(t *testing.T) {
	store, err := NewStore(context.Background(), StaticSource{doc("acme.yaml", validCSV)})
	require.NoError(t, err)

	w := NewWatcher(store, "every now and then", zerolog.Nop())
	assert.Error(t, w.Start())
	w.Stop()
}
