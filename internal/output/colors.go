package output

import (
	"github.com/fatih/color"
)

// ColorScheme defines the colors used for different elements in the output
type ColorScheme struct {
	Title     *color.Color
	Rule      *color.Color
	Label     *color.Color
	Value     *color.Color
	Latency   *color.Color
	Phase     *color.Color
	Dim       *color.Color
	Pass      *color.Color
	Warn      *color.Color
	Fail      *color.Color
	Highlight *color.Color
}

// DefaultColorScheme returns the default color scheme
func DefaultColorScheme() *ColorScheme {
	return &ColorScheme{
		Title:     color.New(color.Bold),
		Rule:      color.New(color.FgCyan),
		Label:     color.New(color.Bold),
		Value:     color.New(color.FgCyan),
		Latency:   color.New(color.FgBlue),
		Phase:     color.New(color.FgMagenta),
		Dim:       color.New(color.Faint),
		Pass:      color.New(color.FgGreen),
		Warn:      color.New(color.FgYellow),
		Fail:      color.New(color.FgRed),
		Highlight: color.New(color.FgMagenta, color.Bold),
	}
}

// NoColorScheme returns a color scheme with all colors disabled
func NoColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range scheme.all() {
		c.DisableColor()
	}
	return scheme
}

// ForcedColorScheme returns the default scheme with colors enabled even when
// the process is not attached to a terminal.
func ForcedColorScheme() *ColorScheme {
	scheme := DefaultColorScheme()
	for _, c := range scheme.all() {
		c.EnableColor()
	}
	return scheme
}

func (s *ColorScheme) all() []*color.Color {
	return []*color.Color{
		s.Title, s.Rule, s.Label, s.Value, s.Latency, s.Phase,
		s.Dim, s.Pass, s.Warn, s.Fail, s.Highlight,
	}
}

// RateColor picks pass, warn or fail for an error rate.
func (s *ColorScheme) RateColor(errorRate float64) *color.Color {
	switch {
	case errorRate > 0.05:
		return s.Fail
	case errorRate > 0.01:
		return s.Warn
	default:
		return s.Pass
	}
}

// SuccessIcon returns a checkmark symbol with appropriate color
func SuccessIcon(noColor bool) string {
	if noColor {
		return "✓"
	}
	return color.New(color.FgGreen).Sprint("✓")
}

// ErrorIcon returns an X symbol with appropriate color
func ErrorIcon(noColor bool) string {
	if noColor {
		return "✗"
	}
	return color.New(color.FgRed).Sprint("✗")
}

// WarningIcon returns a warning symbol with appropriate color
func WarningIcon(noColor bool) string {
	if noColor {
		return "⚠"
	}
	return color.New(color.FgYellow).Sprint("⚠")
}
