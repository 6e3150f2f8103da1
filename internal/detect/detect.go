// Package detect ranks the candidate formats of an unknown statement input.
package detect

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// ContainerPDF marks text that must first be extracted from a PDF document.
const ContainerPDF = "pdf"

// HeadSize is how much of the input the text heuristics inspect.
const HeadSize = 8 << 10

const (
	weightExtension = 0.3
	weightMediaType = 0.2
	weightSignature = 0.5
)

var (
	zipMagic = []byte("PK\x03\x04")
	oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	pdfMagic = []byte("%PDF-")
)

var extensions = map[string][]weighted{
	".csv":  {{domain.FormatCSV, weightExtension}},
	".tsv":  {{domain.FormatCSV, weightExtension}},
	".txt":  {{domain.FormatText, 0.2}, {domain.FormatCSV, 0.1}},
	".xlsx": {{domain.FormatSpreadsheet, weightExtension}},
	".xls":  {{domain.FormatSpreadsheet, weightExtension}},
	".ofx":  {{domain.FormatOFX, weightExtension}},
	".qfx":  {{domain.FormatOFX, weightExtension}},
	".qif":  {{domain.FormatQIF, weightExtension}},
	".pdf":  {{domain.FormatText, weightExtension}},
}

var mediaTypes = map[string]domain.Format{
	"text/csv":                  domain.FormatCSV,
	"text/tab-separated-values": domain.FormatCSV,
	"application/vnd.ms-excel":  domain.FormatSpreadsheet,
	"application/x-ofx":         domain.FormatOFX,
	"application/vnd.intu.qfx":  domain.FormatOFX,
	"application/qif":           domain.FormatQIF,
	"application/x-qif":         domain.FormatQIF,
	"application/pdf":           domain.FormatText,
	"text/plain":                domain.FormatText,

	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": domain.FormatSpreadsheet,
}

type weighted struct {
	format domain.Format
	weight float64
}

type scores struct {
	byFormat map[domain.Format]*domain.Candidate
}

func (s *scores) add(f domain.Format, weight float64, reason string) {
	c, ok := s.byFormat[f]
	if !ok {
		c = &domain.Candidate{Format: f}
		s.byFormat[f] = c
	}
	c.Confidence += weight
	c.Reasons = append(c.Reasons, reason)
}

// Detect returns candidate formats ordered by confidence, highest first.
// It never fails: unknown input yields an empty list.
func Detect(data []byte, filename, mediaType string) []domain.Candidate {
	s := &scores{byFormat: map[domain.Format]*domain.Candidate{}}

	ext := strings.ToLower(filepath.Ext(filename))
	for _, w := range extensions[ext] {
		s.add(w.format, w.weight, "extension "+ext)
	}

	if mediaType != "" {
		if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
			if f, ok := mediaTypes[strings.ToLower(mt)]; ok {
				s.add(f, weightMediaType, "media type "+mt)
			}
		}
	}

	if len(data) == 0 {
		return nil
	}

	switch {
	case bytes.HasPrefix(data, zipMagic):
		if bytes.Contains(data, []byte("xl/")) {
			s.add(domain.FormatSpreadsheet, weightSignature, "xlsx signature")
			return s.ranked()
		}
		return nil
	case bytes.HasPrefix(data, oleMagic):
		s.add(domain.FormatSpreadsheet, weightSignature, "ole2 signature")
		return s.ranked()
	case bytes.HasPrefix(data, pdfMagic):
		s.add(domain.FormatText, weightSignature, "pdf signature")
		return s.only(domain.FormatText, ContainerPDF)
	}

	head := data
	if len(head) > HeadSize {
		head = head[:HeadSize]
	}
	if looksBinary(head) {
		return nil
	}

	text := strings.TrimPrefix(string(head), "\ufeff")
	lines := nonEmptyLines(text)

	scoreOFX(s, text)
	scoreQIF(s, lines)
	scoreDelimited(s, lines)
	scoreText(s, lines)

	return s.ranked()
}

func (s *scores) only(f domain.Format, container string) []domain.Candidate {
	c, ok := s.byFormat[f]
	if !ok {
		return nil
	}
	c.Container = container
	c.Confidence = clamp(c.Confidence)
	return []domain.Candidate{*c}
}

func (s *scores) ranked() []domain.Candidate {
	out := make([]domain.Candidate, 0, len(s.byFormat))
	for _, c := range s.byFormat {
		c.Confidence = clamp(c.Confidence)
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return formatOrder(out[i].Format) < formatOrder(out[j].Format)
	})
	return out
}

func formatOrder(f domain.Format) int {
	for i, known := range domain.Formats {
		if known == f {
			return i
		}
	}
	return len(domain.Formats)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// looksBinary reports NUL bytes or a high share of invalid UTF-8 / control bytes.
func looksBinary(head []byte) bool {
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	bad := 0
	for i := 0; i < len(head); {
		r, size := utf8.DecodeRune(head[i:])
		if r == utf8.RuneError && size == 1 {
			// Legacy single-byte encodings are still text; only count them lightly.
			bad++
		} else if r < 0x20 && r != '\n' && r != '\r' && r != '\t' && r != '\f' {
			bad += 2
		}
		i += size
	}
	return len(head) > 0 && float64(bad)/float64(len(head)) > 0.3
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func scoreOFX(s *scores, text string) {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "OFXHEADER:"):
		s.add(domain.FormatOFX, weightSignature, "ofx sgml header")
	case strings.Contains(upper, "<?OFX"):
		s.add(domain.FormatOFX, weightSignature, "ofx xml processing instruction")
	case strings.Contains(upper, "<OFX>"):
		s.add(domain.FormatOFX, 0.3, "ofx root element")
	default:
		return
	}
	if strings.Contains(upper, "<STMTTRN>") {
		s.add(domain.FormatOFX, 0.1, "transaction elements")
	}
}

var qifCodes = "DTUMCNPALFSE$%^"

func scoreQIF(s *scores, lines []string) {
	if len(lines) == 0 {
		return
	}
	first := strings.TrimSpace(lines[0])
	if strings.HasPrefix(first, "!Type:") || strings.HasPrefix(first, "!Account") || strings.HasPrefix(first, "!Option") {
		s.add(domain.FormatQIF, weightSignature, "qif type header")
		return
	}

	coded, terminators := 0, 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "^" {
			terminators++
		}
		if strings.ContainsRune(qifCodes, rune(line[0])) {
			coded++
		}
	}
	if terminators > 0 && float64(coded)/float64(len(lines)) >= 0.8 {
		s.add(domain.FormatQIF, 0.3, "qif field codes")
	}
}

var (
	delimiters     = []rune{',', ';', '\t', '|'}
	headerKeywords = []string{"date", "description", "amount", "debit", "credit", "balance", "payee", "datum", "suma", "popis"}
)

func scoreDelimited(s *scores, lines []string) {
	if len(lines) > 10 {
		lines = lines[:10]
	}
	switch len(lines) {
	case 0:
		return
	case 1:
		scoreHeaderOnly(s, lines[0])
		return
	}

	for _, d := range delimiters {
		counts := make(map[int]int)
		for _, line := range lines {
			counts[countOutsideQuotes(line, d)]++
		}
		best, bestLines := 0, 0
		for n, c := range counts {
			if n > 0 && c > bestLines {
				best, bestLines = n, c
			}
		}
		if best == 0 || float64(bestLines)/float64(len(lines)) < 0.8 {
			continue
		}

		s.add(domain.FormatCSV, 0.4, fmt.Sprintf("delimiter %q consistent across %d lines", d, bestLines))
		if kw, ok := headerKeyword(lines[0]); ok {
			s.add(domain.FormatCSV, 0.1, "header keyword "+kw)
		}
		return
	}
}

// scoreHeaderOnly scores a lone line, which counts as delimited only when it
// reads like a header row.
func scoreHeaderOnly(s *scores, line string) {
	kw, ok := headerKeyword(line)
	if !ok {
		return
	}
	best, bestCount := rune(0), 0
	for _, d := range delimiters {
		if n := countOutsideQuotes(line, d); n > bestCount {
			best, bestCount = d, n
		}
	}
	if bestCount == 0 {
		return
	}
	s.add(domain.FormatCSV, 0.4, fmt.Sprintf("header row delimited by %q", best))
	s.add(domain.FormatCSV, 0.1, "header keyword "+kw)
}

func headerKeyword(line string) (string, bool) {
	lower := strings.ToLower(line)
	for _, kw := range headerKeywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

func countOutsideQuotes(line string, d rune) int {
	n, quoted := 0, false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
		case r == d && !quoted:
			n++
		}
	}
	return n
}

var (
	leadingDate    = regexp.MustCompile(`^\s*\d{1,2}[./-]\s?\d{1,2}[./-]?`)
	trailingAmount = regexp.MustCompile(`[+-]?\d[\d .,']*[.,]\d{2}-?\s*(?:[A-Z]{3})?\s*$`)
)

func scoreText(s *scores, lines []string) {
	matches := 0
	for _, line := range lines {
		if leadingDate.MatchString(line) && trailingAmount.MatchString(line) {
			matches++
		}
	}
	if matches > 0 {
		s.add(domain.FormatText, 0.3, fmt.Sprintf("%d date and amount lines", matches))
	}
}
