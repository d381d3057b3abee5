// Package ui renders CLI output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/steveyegge/ghsync/internal/schema"
)

// Printer writes styled output. Styles degrade to plain text when the
// writer is not a color terminal or NO_COLOR is set.
type Printer struct {
	out io.Writer

	title   lipgloss.Style
	login   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warn    lipgloss.Style
	errorS  lipgloss.Style
	note    lipgloss.Style
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	if os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Printer{
		out:     w,
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		login:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("240")),
		success: r.NewStyle().Foreground(lipgloss.Color("42")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")),
		errorS:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		note:    r.NewStyle().Italic(true).Foreground(lipgloss.Color("86")),
	}
}

// Title prints a heading.
func (p *Printer) Title(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.title.Render(fmt.Sprintf(format, args...)))
}

// Success prints a confirmation line.
func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.success.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.warn.Render("! "+fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.errorS.Render("✗ "+fmt.Sprintf(format, args...)))
}

// Muted prints a de-emphasized line.
func (p *Printer) Muted(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.muted.Render(fmt.Sprintf(format, args...)))
}

// Users prints one line per record: id, login, kind and markers for viewed
// records and notes.
func (p *Printer) Users(records []schema.Record) {
	if len(records) == 0 {
		p.Muted("(no users)")
		return
	}

	width := 0
	for _, r := range records {
		width = max(width, len(r.Login))
	}

	for _, r := range records {
		marks := ""
		if r.Viewed {
			marks += "●"
		}
		if r.HasNote() {
			marks += "✎"
		}
		login := r.Login + strings.Repeat(" ", width-len(r.Login))
		fmt.Fprintf(p.out, "%8d  %s  %-12s %s\n",
			r.ID, p.login.Render(login), p.muted.Render(r.Kind.String()), marks)
	}
}

// User prints a detail card.
func (p *Printer) User(r *schema.Record) {
	fmt.Fprintf(p.out, "%s  %s\n", p.login.Render(r.Login), p.muted.Render(fmt.Sprintf("#%d %s", r.ID, r.Kind)))
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(p.out, "  %-10s %s\n", p.muted.Render(label), value)
		}
	}
	field("name", r.Name)
	field("company", r.Company)
	field("blog", r.Blog)
	if r.Viewed {
		field("repos", fmt.Sprint(r.PublicRepos))
		field("following", fmt.Sprint(r.Following))
	} else {
		p.Muted("  details not fetched yet")
	}
	field("avatar", r.AvatarURL)
	if r.HasNote() {
		fmt.Fprintf(p.out, "  %-10s %s\n", p.muted.Render("note"), p.note.Render(r.Note))
	}
}

// KeyValue prints aligned label/value pairs in order.
func (p *Printer) KeyValue(pairs ...[2]string) {
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	for _, kv := range pairs {
		label := kv[0] + strings.Repeat(" ", width-len(kv[0]))
		fmt.Fprintf(p.out, "  %s  %s\n", p.muted.Render(label), kv[1])
	}
}

// IsInteractive reports whether f is a terminal, which gates prompts.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
