// Package color holds the lipgloss styles used by sandboxctl's terminal
// output.
//
// Styles are grouped by meaning rather than by hue:
//   - HeaderStyle for table headers and titles
//   - OKStyle, WarnStyle and ErrorStyle for outcomes and lifecycle states
//   - MutedStyle for secondary columns such as ids and timestamps
//
// Initialize selects the palette for a dark or light terminal background.
// Disable drops all colors, which the CLI does for NO_COLOR and for
// non-table output formats.
//
// # Usage Example
//
//	color.Initialize(lipgloss.HasDarkBackground())
//	fmt.Println(color.ForStatus("active").Render("active"))
package color
