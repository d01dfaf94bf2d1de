package ui

import "github.com/charmbracelet/lipgloss"

// Catppuccin Mocha palette.
var (
	ctpOverlay0 = lipgloss.Color("#6C7086")
	ctpSubtext0 = lipgloss.Color("#A6ADC8")
	ctpText     = lipgloss.Color("#CDD6F4")
	ctpBlue     = lipgloss.Color("#89B4FA")
	ctpGreen    = lipgloss.Color("#A6E3A1")
	ctpRed      = lipgloss.Color("#F38BA8")
	ctpYellow   = lipgloss.Color("#F9E2AF")
	ctpMauve    = lipgloss.Color("#CBA6F7")
)

// Theme holds the styles used for each kind of console line.
type Theme struct {
	Timestamp lipgloss.Style
	Status    lipgloss.Style
	Peer      lipgloss.Style
	Self      lipgloss.Style
	Text      lipgloss.Style
	Notice    lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Typing    lipgloss.Style
}

// DefaultTheme returns the console styles.
func DefaultTheme() Theme {
	return Theme{
		Timestamp: lipgloss.NewStyle().Foreground(ctpOverlay0),
		Status:    lipgloss.NewStyle().Bold(true).Foreground(ctpBlue),
		Peer:      lipgloss.NewStyle().Bold(true).Foreground(ctpMauve),
		Self:      lipgloss.NewStyle().Bold(true).Foreground(ctpGreen),
		Text:      lipgloss.NewStyle().Foreground(ctpText),
		Notice:    lipgloss.NewStyle().Italic(true).Foreground(ctpSubtext0),
		Success:   lipgloss.NewStyle().Foreground(ctpGreen),
		Error:     lipgloss.NewStyle().Foreground(ctpRed),
		Typing:    lipgloss.NewStyle().Italic(true).Foreground(ctpYellow),
	}
}

// PlainTheme renders every line without styling.
func PlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{
		Timestamp: plain,
		Status:    plain,
		Peer:      plain,
		Self:      plain,
		Text:      plain,
		Notice:    plain,
		Success:   plain,
		Error:     plain,
		Typing:    plain,
	}
}
