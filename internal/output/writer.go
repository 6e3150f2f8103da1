// Package output writes import reports as JSON, either to a stream or into a
// journal file that accumulates every import.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/importer"
)

// Report is the persisted view of one import.
type Report struct {
	ImportID string                 `json:"importId"`
	State    importer.State         `json:"state"`
	Outcome  domain.ParseOutcome    `json:"outcome"`
	Commit   *importer.CommitResult `json:"commit,omitempty"`
}

// NewReport captures the current state of a batch.
func NewReport(b *importer.Batch, commit *importer.CommitResult) *Report {
	return &Report{
		ImportID: b.ID,
		State:    b.State(),
		Outcome:  b.Outcome(),
		Commit:   commit,
	}
}

// Journal is the on-disk collection of reports, in first-written order.
type Journal struct {
	Imports []Report `json:"imports"`
}

// Find returns the report for importID.
func (j *Journal) Find(importID string) (*Report, bool) {
	for i := range j.Imports {
		if j.Imports[i].ImportID == importID {
			return &j.Imports[i], true
		}
	}
	return nil, false
}

// FindToken returns the report committed under token.
func (j *Journal) FindToken(token string) (*Report, bool) {
	for i := range j.Imports {
		if c := j.Imports[i].Commit; c != nil && c.Token == token {
			return &j.Imports[i], true
		}
	}
	return nil, false
}

// Merge adds r, replacing an earlier report of the same import so that a
// preview followed by a commit leaves a single entry.
func (j *Journal) Merge(r Report) {
	if existing, ok := j.Find(r.ImportID); ok {
		*existing = r
		return
	}
	j.Imports = append(j.Imports, r)
}

// WriteOptions configures how a report is written
type WriteOptions struct {
	MergeMode bool   // If true, load existing journal and merge
	FilePath  string // Output path (empty = stdout)
}

// WriteReport serializes one report as JSON with 2-space indentation
func WriteReport(r *Report, w io.Writer) error {
	if r == nil {
		return fmt.Errorf("report cannot be nil")
	}
	return encode(r, w)
}

// WriteJournal serializes a journal as JSON with 2-space indentation
func WriteJournal(j *Journal, w io.Writer) error {
	if j == nil {
		return fmt.Errorf("journal cannot be nil")
	}
	return encode(j, w)
}

func encode(v interface{}, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report as JSON: %w", err)
	}
	return nil
}

// WriteReportToFile writes the report to stdout, or as a journal to the file
// named in opts. In merge mode an existing journal is extended.
func WriteReportToFile(r *Report, opts WriteOptions) (err error) {
	if r == nil {
		return fmt.Errorf("report cannot be nil")
	}

	if opts.FilePath == "" {
		return WriteReport(r, os.Stdout)
	}

	journal := &Journal{}
	if opts.MergeMode {
		existing, err := LoadJournal(opts.FilePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load existing journal for merge: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Warning: merge mode requested but %s does not exist, creating new file\n", opts.FilePath)
		} else {
			journal = existing
		}
	}
	journal.Merge(*r)
	return SaveJournal(journal, opts.FilePath)
}

// SaveJournal writes the journal to filePath, replacing its contents.
func SaveJournal(j *Journal, filePath string) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", filePath, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close output file %s: %w", filePath, closeErr)
		}
	}()

	if err = WriteJournal(j, f); err != nil {
		return fmt.Errorf("failed to write journal to %s: %w", filePath, err)
	}
	return nil
}

// LoadJournal reads an existing journal file
func LoadJournal(filePath string) (*Journal, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	f, err := os.Open(filePath)
	if err != nil {
		// Return unwrapped error so caller can check os.IsNotExist
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close %s: %v\n", filePath, closeErr)
		}
	}()

	var journal Journal
	if err := json.NewDecoder(f).Decode(&journal); err != nil {
		return nil, fmt.Errorf("failed to decode journal JSON: %w", err)
	}
	return &journal, nil
}
