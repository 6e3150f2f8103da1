// Package scanner finds statement files in an inbox directory tree and derives
// import hints from where they are filed.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Scanner walks directory tree and finds statement files
type Scanner struct {
	rootDir string
}

// New creates a new scanner for the given root directory
func New(rootDir string) *Scanner {
	return &Scanner{rootDir: rootDir}
}

// Source is a statement file found by Scan.
// Path structure: {root}/{institution}/{account}/{period?}/file.ext
type Source struct {
	Path string
	// Institution is the slug of the first directory, a display hint only:
	// the configuration is still chosen by content.
	Institution string
	// Account is the account reference derived from the second directory.
	Account   string
	Period    string
	MediaType string
}

var statementExtensions = map[string]string{
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".txt":  "text/plain",
	".ofx":  "application/x-ofx",
	".qfx":  "application/vnd.intu.qfx",
	".qif":  "application/qif",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":  "application/vnd.ms-excel",
	".pdf":  "application/pdf",
}

// Scan walks the directory tree and returns every statement file sorted by
// path. Hidden files and directories are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]Source, error) {
	rootDir, err := expandHome(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	var results []Source
	err = filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		hidden := strings.HasPrefix(d.Name(), ".") && path != rootDir
		if d.IsDir() {
			if hidden {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden || !IsStatementFile(path) {
			return nil
		}

		source, err := s.describe(path, rootDir)
		if err != nil {
			return err
		}
		results = append(results, source)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// IsStatementFile checks if file has a statement extension
func IsStatementFile(path string) bool {
	_, ok := statementExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// MediaType returns the media type registered for the file extension, falling
// back to the statement table.
func MediaType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return statementExtensions[ext]
}

func (s *Scanner) describe(filePath, rootDir string) (Source, error) {
	relPath, err := filepath.Rel(rootDir, filePath)
	if err != nil {
		return Source{}, fmt.Errorf("failed to resolve %s under %s: %w", filePath, rootDir, err)
	}
	parts := strings.Split(filepath.ToSlash(relPath), "/")

	source := Source{Path: filePath, MediaType: MediaType(filePath)}
	if len(parts) >= 2 {
		slug, err := Slugify(parts[0])
		if err == nil {
			source.Institution = slug
		}
	}
	if len(parts) >= 3 && source.Institution != "" {
		source.Account = AccountRef(source.Institution, parts[1])
	}
	if len(parts) >= 4 && looksLikePeriod(parts[2]) {
		source.Period = parts[2]
	}
	return source, nil
}

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// looksLikePeriod checks if string is a YYYY-MM period
func looksLikePeriod(str string) bool {
	return periodPattern.MatchString(str)
}

// expandHome expands ~ to home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
