// Package ui prints import progress and preview summaries to a terminal.
package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/streaming"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow, color.Bold)
	blue   = color.New(color.FgBlue)
	red    = color.New(color.FgRed)
)

const lineWidth = 60

// Printer writes colored output to w. Color is dropped automatically when w
// is not a terminal or NO_COLOR is set.
type Printer struct {
	w io.Writer
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

var std = NewPrinter(color.Output)

// Header prints a formatted header
func (p *Printer) Header(text string) {
	line := strings.Repeat("=", lineWidth)
	green.Fprintf(p.w, "\n%s\n", line)
	green.Fprintf(p.w, "%-60s\n", center(text, lineWidth))
	green.Fprintf(p.w, "%s\n\n", line)
}

// Step prints a step indicator
func (p *Printer) Step(stepNum, totalSteps int, text string) {
	yellow.Fprintf(p.w, "[%d/%d] %s\n", stepNum, totalSteps, text)
}

// Success prints a success message
func (p *Printer) Success(text string) {
	green.Fprintf(p.w, "  → %s\n", text)
}

// Info prints an info message
func (p *Printer) Info(text string) {
	fmt.Fprintf(p.w, "  → %s\n", text)
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	yellow.Fprintf(p.w, "  ⚠ %s\n", text)
}

// Error prints an error message
func (p *Printer) Error(text string) {
	red.Fprintf(p.w, "Error: %s\n", text)
}

// Preview prints the row accounting of an outcome followed by at most limit
// errors and warnings. limit <= 0 prints all of them.
func (p *Printer) Preview(o domain.ParseOutcome, limit int) {
	md := o.Metadata
	p.Info(fmt.Sprintf("Import %s: %s via %s (%s)", md.ImportID, md.Institution, md.Extractor, md.Format))
	if len(o.Transactions) > 0 && o.Transactions[0].Account != "" {
		p.Info("Account " + MaskAccount(o.Transactions[0].Account))
	}

	c := o.Counts
	p.Success(fmt.Sprintf("%d of %d rows extracted", c.Extracted, c.Seen))
	if c.Skipped > 0 {
		p.Info(fmt.Sprintf("%d rows skipped", c.Skipped))
	}
	if c.Duplicated > 0 {
		p.Warning(fmt.Sprintf("%d duplicates", c.Duplicated))
	}

	if len(o.Errors) > 0 {
		red.Fprintf(p.w, "  %d rows rejected:\n", c.Rejected)
		p.issues(o.Errors, limit, red)
	}
	if len(o.Warnings) > 0 {
		yellow.Fprintf(p.w, "  %d warnings:\n", len(o.Warnings))
		p.issues(o.Warnings, limit, yellow)
	}
}

func (p *Printer) issues(list []domain.Issue, limit int, c *color.Color) {
	shown := list
	if limit > 0 && len(list) > limit {
		shown = list[:limit]
	}
	for _, is := range shown {
		c.Fprintf(p.w, "    %s\n", FormatIssue(is))
	}
	if len(shown) < len(list) {
		fmt.Fprintf(p.w, "    ... and %d more\n", len(list)-len(shown))
	}
}

// Event prints one streaming event as a single line.
func (p *Printer) Event(e streaming.Event) {
	line := fmt.Sprintf("%s %-11s %s", e.Timestamp.Format("15:04:05"), e.Type, e.ImportID)
	switch data := e.Data.(type) {
	case streaming.RejectedEvent:
		red.Fprintf(p.w, "%s %s\n", line, data.Reason)
	case streaming.CountsEvent:
		fmt.Fprintf(p.w, "%s seen=%d extracted=%d rejected=%d\n", line, data.Counts.Seen, data.Counts.Extracted, data.Counts.Rejected)
	case streaming.ResolvedEvent:
		blue.Fprintf(p.w, "%s %s/%s\n", line, data.Institution, data.Extractor)
	case streaming.CommitEvent:
		green.Fprintf(p.w, "%s token=%s\n", line, data.Token)
	default:
		fmt.Fprintln(p.w, line)
	}
}

// FormatIssue renders an issue as "row N [field] code: message".
func FormatIssue(is domain.Issue) string {
	var b strings.Builder
	if is.Row > 0 {
		fmt.Fprintf(&b, "row %d ", is.Row)
	}
	if is.Field != "" {
		fmt.Fprintf(&b, "[%s] ", is.Field)
	}
	b.WriteString(is.Code)
	if is.Message != "" {
		b.WriteString(": ")
		b.WriteString(is.Message)
	}
	return b.String()
}

// MaskAccount hides all but the last four characters of an account number.
func MaskAccount(account string) string {
	r := []rune(strings.ReplaceAll(account, " ", ""))
	if len(r) <= 4 {
		return string(r)
	}
	return strings.Repeat("•", len(r)-4) + string(r[len(r)-4:])
}

// Header prints a formatted header to stdout
func Header(text string) { std.Header(text) }

// Step prints a step indicator to stdout
func Step(stepNum, totalSteps int, text string) { std.Step(stepNum, totalSteps, text) }

// Success prints a success message to stdout
func Success(text string) { std.Success(text) }

// Info prints an info message to stdout
func Info(text string) { std.Info(text) }

// Warning prints a warning message to stdout
func Warning(text string) { std.Warning(text) }

// Error prints an error message to stdout
func Error(text string) { std.Error(text) }

// BlueText prints blue text
func BlueText(text string) {
	blue.Fprintln(std.w, text)
}

// YellowText prints yellow text
func YellowText(text string) {
	yellow.Fprintln(std.w, text)
}

// center centers text within a given width
func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	padding := (width - len(text)) / 2
	return strings.Repeat(" ", padding) + text
}
