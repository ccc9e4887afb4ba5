// Package ui renders CLI output. Colour is used only when the destination
// is a terminal and NO_COLOR is unset.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/larderhq/larder/internal/repository"
	"github.com/larderhq/larder/internal/schema"
)

// Printer writes styled output to one destination.
type Printer struct {
	w io.Writer

	title    lipgloss.Style
	muted    lipgloss.Style
	selected lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	bad      lipgloss.Style
}

// NewPrinter returns a printer for w.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	if !IsTerminal(w) || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		w:        w,
		title:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		muted:    r.NewStyle().Foreground(lipgloss.Color("8")),
		selected: r.NewStyle().Bold(true),
		ok:       r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:     r.NewStyle().Foreground(lipgloss.Color("11")),
		bad:      r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// IsTerminal reports whether w is a terminal file descriptor.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of w, or 80 when unknown.
func Width(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 80
}

// Title prints a section heading.
func (p *Printer) Title(format string, args ...any) {
	fmt.Fprintln(p.w, p.title.Render(fmt.Sprintf(format, args...)))
}

// Info prints a plain line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Warn prints a highlighted warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render(fmt.Sprintf(format, args...)))
}

// Household prints a household summary.
func (p *Printer) Household(h schema.Household) {
	p.Title("%s", h.Name)
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf("uid %s  members %d  recipes %d  food items %d",
		h.ID, len(h.MemberIDs), len(h.RecipeIDs), len(h.FoodItemIDs))))
}

// Households prints every household, marking the selected one.
func (p *Printer) Households(hs []schema.Household, selectedUID string) {
	for _, h := range hs {
		line := fmt.Sprintf("%s  %s", h.ID, h.Name)
		if h.ID == selectedUID {
			fmt.Fprintln(p.w, p.selected.Render("* "+line))
			continue
		}
		fmt.Fprintln(p.w, "  "+line)
	}
}

// Recipes prints one line per recipe.
func (p *Printer) Recipes(rs []schema.Recipe) {
	if len(rs) == 0 {
		fmt.Fprintln(p.w, p.muted.Render("  (no recipes)"))
		return
	}
	for _, r := range rs {
		line := fmt.Sprintf("  %s  %s", r.ID, r.Name)
		var extra []string
		if r.Servings > 0 {
			extra = append(extra, fmt.Sprintf("serves %d", r.Servings))
		}
		if len(r.Tags) > 0 {
			extra = append(extra, strings.Join(r.Tags, ","))
		}
		if len(extra) > 0 {
			line += "  " + p.muted.Render(strings.Join(extra, "  "))
		}
		fmt.Fprintln(p.w, line)
	}
}

// FoodItems prints one line per item, flagging expired and soon-expiring ones.
func (p *Printer) FoodItems(items []schema.FoodItem, now time.Time) {
	if len(items) == 0 {
		fmt.Fprintln(p.w, p.muted.Render("  (no food items)"))
		return
	}
	for _, f := range items {
		line := fmt.Sprintf("  %s  %s", f.ID, f.Name)
		if f.Quantity > 0 {
			line += fmt.Sprintf("  %g%s", f.Quantity, f.Unit)
		}
		switch {
		case f.ExpiresAt == nil:
		case f.Expired(now):
			line += "  " + p.bad.Render("expired "+f.ExpiresAt.Format("2006-01-02"))
		case f.ExpiresAt.Sub(now) < 72*time.Hour:
			line += "  " + p.warn.Render("expires "+f.ExpiresAt.Format("2006-01-02"))
		default:
			line += "  " + p.muted.Render("expires "+f.ExpiresAt.Format("2006-01-02"))
		}
		fmt.Fprintln(p.w, line)
	}
}

// Outcome prints the resolution of a mutation.
func (p *Printer) Outcome(label string, outcome repository.Outcome, err error) {
	switch outcome {
	case repository.Committed:
		fmt.Fprintf(p.w, "%s %s\n", p.ok.Render("✓"), label)
	case repository.RolledBack:
		fmt.Fprintf(p.w, "%s %s %s\n", p.bad.Render("✗"), label, p.muted.Render(fmt.Sprintf("(rolled back: %v)", err)))
	default:
		fmt.Fprintf(p.w, "%s %s %s\n", p.warn.Render("…"), label, p.muted.Render("(pending)"))
	}
}
