package color

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	HeaderStyle lipgloss.Style
	OKStyle     lipgloss.Style
	WarnStyle   lipgloss.Style
	ErrorStyle  lipgloss.Style
	MutedStyle  lipgloss.Style
	BorderStyle lipgloss.Style
)

func init() {
	Initialize(true)
}

// Initialize sets the background mode and rebuilds the styles for it.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)

	muted := lipgloss.Color("244")
	header := lipgloss.Color("39")
	if !isDarkMode {
		muted = lipgloss.Color("240")
		header = lipgloss.Color("25")
	}

	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(header).Padding(0, 1)
	OKStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "42"})
	WarnStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "214"})
	ErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "124", Dark: "196"})
	MutedStyle = lipgloss.NewStyle().Foreground(muted)
	BorderStyle = lipgloss.NewStyle().Foreground(muted)
}

// Disable replaces every style with an unstyled one.
func Disable() {
	plain := lipgloss.NewStyle()
	HeaderStyle = plain.Padding(0, 1)
	OKStyle = plain
	WarnStyle = plain
	ErrorStyle = plain
	MutedStyle = plain
	BorderStyle = plain
}

// ForStatus picks the style for an environment, task, snapshot or result
// status string.
func ForStatus(status string) lipgloss.Style {
	switch strings.ToLower(status) {
	case "ok", "active", "completed", "valid", "true":
		return OKStyle
	case "error", "failed", "cleanup_failed", "invalid", "false":
		return ErrorStyle
	case "created", "activating", "deactivating", "inactive", "queued", "running",
		"retrying", "cleanup_start", "cancelled", "skipped":
		return WarnStyle
	default:
		return lipgloss.NewStyle()
	}
}
