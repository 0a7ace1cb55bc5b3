// Package colors provides centralized, TTY-aware color output for the CLI's
// device table and event feed.
//
// Colors are automatically disabled when stdout is not a terminal (piped or
// redirected to a file); this is handled by the underlying fatih/color
// library and respected by default. Use Init to override based on CLI flags.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting.
//   - forceColor == nil: keep the auto-detected value (recommended default)
//   - forceColor == true: force colors on
//   - forceColor == false: force colors off (--no-color)
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled reports whether colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

// New creates a color with custom attributes for cases the helpers below
// don't cover.
func New(attrs ...color.Attribute) *color.Color {
	return color.New(attrs...)
}

// Attach colors an "online" device row or an attach event line.
func Attach() *color.Color { return color.New(color.FgGreen) }

// Detach colors an offline device row or a detach event line.
func Detach() *color.Color { return color.New(color.FgRed) }

// Info colors an info-updated event line.
func Info() *color.Color { return color.New(color.FgCyan) }

// Warn colors a recoverable condition: reconnect attempts, dropped
// notifier deliveries, corrupt catalog entries.
func Warn() *color.Color { return color.New(color.FgYellow) }

// Fail colors a hard failure: protocol errors, backup aborts.
func Fail() *color.Color { return color.New(color.Bold, color.FgRed) }

// Faint colors secondary detail: uids, timestamps, byte counts.
func Faint() *color.Color { return color.New(color.Faint) }

// Header colors table headers.
func Header() *color.Color { return color.New(color.Bold, color.FgHiWhite) }
