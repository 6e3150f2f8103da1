package domain

// Candidate is one detected format with its confidence in [0,1].
// Container names an input-preparation step required before extraction
// (e.g. "pdf" for text extracted from a PDF document).
type Candidate struct {
	Format     Format   `json:"format"`
	Confidence float64  `json:"confidence"`
	Container  string   `json:"container,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Counts summarizes a batch for human review.
// Seen always equals Extracted + Rejected.
type Counts struct {
	Seen       int `json:"seen"`
	Extracted  int `json:"extracted"`
	Warned     int `json:"warned"`
	Duplicated int `json:"duplicated"`
	Rejected   int `json:"rejected"`
	Skipped    int `json:"skipped"`
}

// BatchMetadata describes how a statement was recognized and processed.
type BatchMetadata struct {
	ImportID        string      `json:"importId"`
	FileName        string      `json:"fileName,omitempty"`
	Format          Format      `json:"format,omitempty"`
	Institution     string      `json:"institution,omitempty"`
	ConfigVersion   int         `json:"configVersion,omitempty"`
	SnapshotVersion int64       `json:"snapshotVersion,omitempty"`
	Extractor       string      `json:"extractor,omitempty"`
	Candidates      []Candidate `json:"candidates,omitempty"`
	RowsSeen        int         `json:"rowsSeen"`
	RowsExtracted   int         `json:"rowsExtracted"`
	RowsSkipped     int         `json:"rowsSkipped"`
}

// ParseOutcome is the batch-level import result handed to the caller for preview.
type ParseOutcome struct {
	Transactions []CanonicalTransaction `json:"transactions"`
	Errors       []Issue                `json:"errors"`
	Warnings     []Issue                `json:"warnings"`
	Metadata     BatchMetadata          `json:"metadata"`
	Counts       Counts                 `json:"counts"`
}

// Clone returns a deep copy of the outcome.
func (o ParseOutcome) Clone() ParseOutcome {
	out := o
	out.Transactions = make([]CanonicalTransaction, len(o.Transactions))
	for i, txn := range o.Transactions {
		out.Transactions[i] = txn.Clone()
	}
	out.Errors = append([]Issue{}, o.Errors...)
	out.Warnings = append([]Issue{}, o.Warnings...)
	out.Metadata.Candidates = append([]Candidate(nil), o.Metadata.Candidates...)
	return out
}

// Recount derives Counts from the transaction and error lists. A row with
// several errors is rejected once. Skipped is carried over from the metadata.
func (o *ParseOutcome) Recount() {
	c := Counts{Skipped: o.Metadata.RowsSkipped}
	for i := range o.Transactions {
		c.Extracted++
		if len(o.Transactions[i].Warnings) > 0 {
			c.Warned++
		}
		if o.Transactions[i].IsDuplicate() {
			c.Duplicated++
		}
	}
	rejected := make(map[int]bool)
	for _, e := range o.Errors {
		if e.Kind == IssueRow && !rejected[e.Row] {
			rejected[e.Row] = true
			c.Rejected++
		}
	}
	c.Seen = c.Extracted + c.Rejected
	o.Counts = c
	o.Metadata.RowsSeen = c.Seen
	o.Metadata.RowsExtracted = c.Extracted
}

// CommitFailure is a per-record failure reported by a ledger during commit.
type CommitFailure struct {
	Row         int    `json:"row"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Reason      string `json:"reason"`
}
