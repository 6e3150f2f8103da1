package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("test"), 0644))
}

func TestScanner_Scan(t *testing.T) {
	// Create test directory structure:
	// tmpDir/
	//   american_express/
	//     2011/
	//       2025-10/
	//         statement.qfx
	//   tatra_banka/
	//     SK3111000000002612345678/
	//       vypis.pdf
	//   chase/
	//     statement.ofx
	//   invalid/
	//     image.png
	//   .cache/
	//     hidden.csv
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "american_express", "2011", "2025-10", "statement.qfx"))
	writeFile(t, filepath.Join(tmpDir, "tatra_banka", "SK3111000000002612345678", "vypis.pdf"))
	writeFile(t, filepath.Join(tmpDir, "chase", "statement.ofx"))
	writeFile(t, filepath.Join(tmpDir, "invalid", "image.png"))
	writeFile(t, filepath.Join(tmpDir, ".cache", "hidden.csv"))

	results, err := New(tmpDir).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3, "should find 3 statement files")

	amex, chase, tatra := results[0], results[1], results[2]

	assert.Equal(t, "american-express", amex.Institution)
	assert.Equal(t, "acc-amex-2011", amex.Account)
	assert.Equal(t, "2025-10", amex.Period)
	assert.True(t, strings.HasSuffix(amex.Path, "statement.qfx"))

	assert.Equal(t, "chase", chase.Institution)
	assert.Empty(t, chase.Account, "minimal structure")
	assert.Empty(t, chase.Period)

	assert.Equal(t, "tatra-banka", tatra.Institution)
	assert.Equal(t, "acc-tatra-banka-5678", tatra.Account)
	assert.Empty(t, tatra.Period, "no period directory")
	assert.Equal(t, "application/pdf", tatra.MediaType)
}

func TestScanner_Scan_NonExistentDirectory(t *testing.T) {
	results, err := New("/nonexistent/directory/path").Scan(context.Background())

	assert.Error(t, err, "should error on non-existent directory")
	assert.Nil(t, results)
	assert.Contains(t, err.Error(), "scan failed")
}

func TestScanner_Scan_EmptyDirectory(t *testing.T) {
	results, err := New(t.TempDir()).Scan(context.Background())

	require.NoError(t, err)
	assert.Empty(t, results, "should find no files in empty directory")
}

func TestScanner_Scan_Cancelled(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "bank", "a.csv"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(tmpDir).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanner_Scan_IgnoresDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	// A directory that looks like a statement file
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "statement.qfx"), 0755))
	writeFile(t, filepath.Join(tmpDir, "real.qfx"))

	results, err := New(tmpDir).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1, "should only find the file, not the directory")
	assert.Contains(t, results[0].Path, "real.qfx")
	assert.Empty(t, results[0].Institution, "file at root has no institution")
}

func TestScanner_Scan_WithTildeExpansion(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)

	testDir := filepath.Join(homeDir, ".stmtimport-test-"+t.Name())
	defer os.RemoveAll(testDir)
	writeFile(t, filepath.Join(testDir, "test_bank", "statement.qif"))

	results, err := New("~/.stmtimport-test-" + t.Name()).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "test-bank", results[0].Institution)
}

func TestDescribe(t *testing.T) {
	s := New("/base")

	tests := []struct {
		name        string
		filePath    string
		institution string
		account     string
		period      string
	}{
		{"full path with period", "/base/american_express/2011/2025-10/statement.qfx", "american-express", "acc-amex-2011", "2025-10"},
		{"path without period", "/base/capital_one/checking/statement.csv", "capital-one", "acc-c1-king", ""},
		{"minimal path", "/base/chase/statement.ofx", "chase", "", ""},
		{"file at root", "/base/statement.qfx", "", "", ""},
		{"non-period directory name", "/base/chase/checking/statements/file.csv", "chase", "acc-chase-king", ""},
		{"unsluggable institution", "/base/!!!/1234/file.csv", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.describe(tt.filePath, "/base")
			require.NoError(t, err)
			assert.Equal(t, tt.filePath, got.Path)
			assert.Equal(t, tt.institution, got.Institution)
			assert.Equal(t, tt.account, got.Account)
			assert.Equal(t, tt.period, got.Period)
		})
	}
}

func TestIsStatementFile(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"statement.csv", true},
		{"statement.CSV", true},
		{"statement.qfx", true},
		{"statement.ofx", true},
		{"statement.qif", true},
		{"statement.xlsx", true},
		{"statement.xls", true},
		{"statement.pdf", true},
		{"statement.txt", true},
		{"statement.tsv", true},
		{"image.png", false},
		{"archive.zip", false},
		{"noextension", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsStatementFile(tt.path))
		})
	}
}

func TestMediaType(t *testing.T) {
	assert.True(t, strings.HasPrefix(MediaType("a.csv"), "text/"), MediaType("a.csv"))
	assert.Equal(t, "application/pdf", MediaType("a.PDF"))
	assert.NotEmpty(t, MediaType("a.qif"))
	assert.Empty(t, MediaType("a.unknownext"))
}

func TestLooksLikePeriod(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"2025-10", true},
		{"2025-01", true},
		{"1999-06", true},
		{"2025-13", false},
		{"2025-00", false},
		{"2025", false},
		{"25-10", false},
		{"", false},
		{"statements", false},
		{"2025-1", false},
		{"abcd-ef", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, looksLikePeriod(tt.input))
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandHome("~/statements")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "statements"), got)

	got, err = expandHome("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
