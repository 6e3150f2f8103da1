package parser

import (
	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// ProbeHeadSize is the amount of input exposed to text-based structural checks.
const ProbeHeadSize = 8 << 10

// Probe is the input view offered to CanHandle.
// Data is the prepared payload (e.g. text extracted from a PDF) and is shared:
// extractors must not modify it.
type Probe struct {
	FileName  string
	MediaType string
	Candidate domain.Candidate
	data      []byte
}

// NewProbe creates a probe over prepared input data.
func NewProbe(fileName, mediaType string, candidate domain.Candidate, data []byte) Probe {
	return Probe{FileName: fileName, MediaType: mediaType, Candidate: candidate, data: data}
}

// Data returns the complete prepared payload.
func (p Probe) Data() []byte { return p.data }

// Head returns at most n leading bytes of the payload.
func (p Probe) Head(n int) []byte {
	if len(p.data) <= n {
		return p.data
	}
	return p.data[:n]
}

// HeadText returns the leading ProbeHeadSize bytes as a string.
func (p Probe) HeadText() string {
	return string(p.Head(ProbeHeadSize))
}

// MatchesSignature applies the configuration's institution signature
// (filename rule and content markers) to the probe.
func MatchesSignature(p Probe, cfg *config.InstitutionConfig) bool {
	return cfg.MatchesFilename(p.FileName) && cfg.MatchesContent(p.HeadText())
}
