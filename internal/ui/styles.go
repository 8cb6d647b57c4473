// Package ui renders terminal output for the mapsync CLI.
package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passColor   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#86EFAC"}
	failColor   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#FCA5A5"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FCD34D"}
	accentColor = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#93C5FD"}
	mutedColor  = lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9CA3AF"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(passColor)
	failStyle   = lipgloss.NewStyle().Foreground(failColor).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
	accentStyle = lipgloss.NewStyle().Foreground(accentColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// DisableColor switches all rendering to plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// ColorEnabled reports whether rendering emits ANSI colors.
func ColorEnabled() bool {
	return lipgloss.ColorProfile() != termenv.Ascii
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// RenderTable lays out rows under a bold header with columns padded to
// their widest cell.
func RenderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(joinRow(header, widths)))
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(joinRow(row, widths))
		b.WriteByte('\n')
	}
	return b.String()
}

func joinRow(cells []string, widths []int) string {
	parts := make([]string, 0, len(cells))
	for i, cell := range cells {
		if i == len(cells)-1 {
			parts = append(parts, cell)
			continue
		}
		parts = append(parts, lipgloss.NewStyle().Width(widths[i]).Render(cell))
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ")
}
