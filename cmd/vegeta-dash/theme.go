package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the dashboard colours.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default ANSI-256 palette.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// ScoreColor maps a health score onto the palette.
func (t Theme) ScoreColor(score int) lipgloss.Color {
	switch {
	case score >= 90:
		return t.Success
	case score >= 70:
		return t.Warning
	default:
		return t.Error
	}
}
