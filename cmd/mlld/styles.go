package main

import "github.com/charmbracelet/lipgloss"

// Palette mirrors the semantic colors of the pack's lipgloss user
// (theRebelliousNerd-codenerd cmd/nerd/ui/styles.go's Destructive/
// Success/Warning/Info constants) rather than the teacher's own
// ANSI-escape color set, since the teacher itself never imports
// lipgloss (see DESIGN.md's `cmd/mlld` entry).
var (
	colorError = lipgloss.Color("#e53935")
	colorWarn  = lipgloss.Color("#FFC107")
	colorHint  = lipgloss.Color("#2196F3")
	colorMuted = lipgloss.Color("#6b7280")
)

var (
	errorBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorError).
			Padding(0, 1)

	errorTitleStyle = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warnTitleStyle  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	hintStyle       = lipgloss.NewStyle().Foreground(colorHint)
	mutedStyle      = lipgloss.NewStyle().Foreground(colorMuted)
)
