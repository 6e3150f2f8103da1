// Package textprep turns binary statement containers into plain text for the
// text extractor.
package textprep

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrNoText is returned when a document carries no extractable text,
	// typically a scanned statement.
	ErrNoText = errors.New("document has no extractable text")
	// ErrUnreadable is returned when the container cannot be opened.
	ErrUnreadable = errors.New("unreadable document")
)

// PDFText extracts the text of every page, one output line per visual row.
// Words further apart than the font size are separated by two spaces so
// that column gaps survive for table-oriented configurations.
func PDFText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: pdf reader: %v", ErrUnreadable, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		if lines := pageRows(page); len(lines) > 0 {
			pages = append(pages, strings.Join(lines, "\n"))
			continue
		}
		if plain := pagePlainText(page); plain != "" {
			pages = append(pages, plain)
		}
	}

	if len(pages) == 0 {
		if plain := readerPlainText(r); plain != "" {
			return plain, nil
		}
		return "", ErrNoText
	}
	return strings.Join(pages, "\n"), nil
}

func pageRows(page pdf.Page) []string {
	rows, err := page.GetTextByRow()
	if err != nil {
		return nil
	}
	// Top of the page first.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })

	var lines []string
	for _, row := range rows {
		if line := strings.TrimSpace(joinRow(row.Content)); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func joinRow(texts pdf.TextHorizontal) string {
	sorted := append(pdf.TextHorizontal(nil), texts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var sb strings.Builder
	end := 0.0
	for i, t := range sorted {
		if i > 0 {
			gap := t.X - end
			switch {
			case gap > t.FontSize:
				sb.WriteString("  ")
			case gap > t.FontSize*0.15:
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(t.S)
		end = t.X + t.W
	}
	return sb.String()
}

func pagePlainText(page pdf.Page) string {
	fonts := make(map[string]*pdf.Font)
	for _, name := range page.Fonts() {
		f := page.Font(name)
		fonts[name] = &f
	}
	text, err := page.GetPlainText(fonts)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func readerPlainText(r *pdf.Reader) string {
	rd, err := r.GetPlainText()
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
