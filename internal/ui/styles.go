// Package ui provides the visual styling for the pokenerd console.
// Colors adapt to light and dark terminals; Plain styles are used when
// output is not a terminal.
package ui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	// Light Mode Colors (Default)
	LightForeground = lipgloss.Color("#1d2a44")
	LightPrimary    = lipgloss.Color("#cc0000") // Pokédex red
	LightAccent     = lipgloss.Color("#3b4cca") // Pokémon blue
	LightMuted      = lipgloss.Color("#7a8290")
	LightBorder     = lipgloss.Color("#d0d4da")

	// Dark Mode Colors
	DarkForeground = lipgloss.Color("#f2f2f2")
	DarkPrimary    = lipgloss.Color("#ffde00") // Pikachu yellow
	DarkAccent     = lipgloss.Color("#7f8cff")
	DarkMuted      = lipgloss.Color("#8a93a6")
	DarkBorder     = lipgloss.Color("#2a3850")

	// Semantic Colors (same in both modes)
	Destructive = lipgloss.Color("#e53935")
	Success     = lipgloss.Color("#4caf50")
	Warning     = lipgloss.Color("#ffc107")
	Info        = lipgloss.Color("#2196f3")
)

// TypeColors are the conventional badge colors of the elemental types.
var TypeColors = map[string]lipgloss.Color{
	"normal":   "#a8a77a",
	"fire":     "#ee8130",
	"water":    "#6390f0",
	"electric": "#f7d02c",
	"grass":    "#7ac74c",
	"ice":      "#96d9d6",
	"fighting": "#c22e28",
	"poison":   "#a33ea1",
	"ground":   "#e2bf65",
	"flying":   "#a98ff3",
	"psychic":  "#f95587",
	"bug":      "#a6b91a",
	"rock":     "#b6a136",
	"ghost":    "#735797",
	"dragon":   "#6f35fc",
	"dark":     "#705746",
	"steel":    "#b7b7ce",
	"fairy":    "#d685ad",
}

// Theme holds the current color scheme
type Theme struct {
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Accent     lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	IsDark     bool
}

// LightTheme returns the light mode theme
func LightTheme() Theme {
	return Theme{
		Foreground: LightForeground,
		Primary:    LightPrimary,
		Accent:     LightAccent,
		Muted:      LightMuted,
		Border:     LightBorder,
	}
}

// DarkTheme returns the dark mode theme
func DarkTheme() Theme {
	return Theme{
		Foreground: DarkForeground,
		Primary:    DarkPrimary,
		Accent:     DarkAccent,
		Muted:      DarkMuted,
		Border:     DarkBorder,
		IsDark:     true,
	}
}

// DetectTheme picks dark mode from COLORFGBG or POKENERD_DARK_MODE=1 and
// falls back to light mode.
func DetectTheme() Theme {
	// Format is usually "foreground;background"; 0-6 and 8 are dark.
	if parts := strings.Split(os.Getenv("COLORFGBG"), ";"); len(parts) == 2 {
		if bg, err := strconv.Atoi(parts[1]); err == nil && ((bg >= 0 && bg <= 6) || bg == 8) {
			return DarkTheme()
		}
	}
	if os.Getenv("POKENERD_DARK_MODE") == "1" {
		return DarkTheme()
	}
	return LightTheme()
}

// Styles holds all the styled components
type Styles struct {
	Theme Theme
	plain bool

	// Text
	Title  lipgloss.Style
	Body   lipgloss.Style
	Muted  lipgloss.Style
	Bold   lipgloss.Style
	Prompt lipgloss.Style

	// Answers
	Response lipgloss.Style

	// Status
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style

	Divider lipgloss.Style
	Badge   lipgloss.Style
}

// NewStyles creates a new Styles instance with the given theme
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Title: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),

		Body: lipgloss.NewStyle().
			Foreground(theme.Foreground),

		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Bold: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			Bold(true),

		Prompt: lipgloss.NewStyle().
			Foreground(theme.Accent).
			Bold(true),

		Response: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			PaddingLeft(1).
			BorderLeft(true).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(theme.Accent),

		Success: lipgloss.NewStyle().
			Foreground(Success).
			Bold(true),

		Error: lipgloss.NewStyle().
			Foreground(Destructive).
			Bold(true),

		Warning: lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true),

		Info: lipgloss.NewStyle().
			Foreground(Info),

		Divider: lipgloss.NewStyle().
			Foreground(theme.Border),

		Badge: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),
	}
}

// PlainStyles renders every element as unadorned text, for pipes and files.
func PlainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{
		plain:    true,
		Title:    s,
		Body:     s,
		Muted:    s,
		Bold:     s,
		Prompt:   s,
		Response: s,
		Success:  s,
		Error:    s,
		Warning:  s,
		Info:     s,
		Divider:  s,
		Badge:    s,
	}
}

// DefaultStyles returns styles with the detected theme
func DefaultStyles() Styles {
	return NewStyles(DetectTheme())
}

// Plain reports whether s carries no styling.
func (s Styles) Plain() bool { return s.plain }

// TypeBadge renders an elemental type in its badge color.
func (s Styles) TypeBadge(typ string) string {
	if s.plain {
		return "[" + typ + "]"
	}
	color, ok := TypeColors[strings.ToLower(typ)]
	if !ok {
		color = s.Theme.Muted
	}
	return s.Badge.Background(color).Render(typ)
}

// RenderDivider returns a horizontal divider
func (s Styles) RenderDivider(width int) string {
	return s.Divider.Render(strings.Repeat("─", width))
}
