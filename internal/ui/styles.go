// Package ui provides terminal styling for promote CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Ayu theme color palette
// Dark: https://terminalcolors.com/themes/ayu/dark/
// Light: https://terminalcolors.com/themes/ayu/light/
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300", // ayu light bright green
		Dark:  "#c2d94c", // ayu dark bright green
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49", // ayu light bright yellow
		Dark:  "#ffb454", // ayu dark bright yellow
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171", // ayu light bright red
		Dark:  "#f07178", // ayu dark bright red
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99", // ayu light muted
		Dark:  "#6c7680", // ayu dark muted
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6", // ayu light bright blue
		Dark:  "#59c2ff", // ayu dark bright blue
	}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
)

// CategoryStyle for section headers - bold with accent color
var CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
	IconInfo = "ℹ"
)

const (
	TreeLast   = "└─ "
	TreeIndent = "  "
)

const SeparatorLight = "──────────────────────────────────────────"

// Status selects an icon and a colour for one summary line.
type Status int

const (
	StatusInfo Status = iota
	StatusPass
	StatusWarn
	StatusFail
	StatusSkip
)

func (s Status) style() lipgloss.Style {
	switch s {
	case StatusPass:
		return PassStyle
	case StatusWarn:
		return WarnStyle
	case StatusFail:
		return FailStyle
	case StatusSkip:
		return MutedStyle
	default:
		return AccentStyle
	}
}

// Icon returns the styled icon for s.
func (s Status) Icon() string {
	switch s {
	case StatusPass:
		return s.style().Render(IconPass)
	case StatusWarn:
		return s.style().Render(IconWarn)
	case StatusFail:
		return s.style().Render(IconFail)
	case StatusSkip:
		return s.style().Render(IconSkip)
	default:
		return s.style().Render(IconInfo)
	}
}

// Render renders text in the colour of s.
func (s Status) Render(text string) string {
	return s.style().Render(text)
}

// RenderLine renders "<icon> <label>  <detail>" with a muted detail.
func RenderLine(s Status, label, detail string) string {
	line := s.Icon() + " " + label
	if detail != "" {
		line += "  " + RenderMuted(detail)
	}
	return line
}

// RenderDetail renders an indented tree line under a summary line.
func RenderDetail(text string) string {
	return TreeIndent + RenderMuted(TreeLast+text)
}

// RenderMuted renders text with muted (gray) styling
func RenderMuted(s string) string {
	return MutedStyle.Render(s)
}

// RenderAccent renders text with accent (blue) styling
func RenderAccent(s string) string {
	return AccentStyle.Render(s)
}

// RenderCategory renders a category header in uppercase with accent color
func RenderCategory(s string) string {
	return CategoryStyle.Render(strings.ToUpper(s))
}

// RenderSeparator renders the light separator line in muted color
func RenderSeparator() string {
	return MutedStyle.Render(SeparatorLight)
}
