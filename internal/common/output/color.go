package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	// Update type colors
	Major      = color.New(color.FgRed)
	Minor      = color.New(color.FgYellow)
	Patch      = color.New(color.FgGreen)
	Prerelease = color.New(color.FgMagenta)

	// Severity colors
	Critical = color.New(color.FgRed, color.Bold)
	High     = color.New(color.FgRed)
	Moderate = color.New(color.FgYellow)
	Low      = color.New(color.FgCyan)

	// Message colors
	Success = color.New(color.FgGreen)
	Warning = color.New(color.FgYellow)
	Error   = color.New(color.FgRed)
	Info    = color.New(color.FgCyan)
	Dim     = color.New(color.Faint)

	// Structural colors
	Header  = color.New(color.FgWhite, color.Bold)
	Package = color.New(color.FgBlue, color.Bold)
)

// NoColor disables color output
func NoColor() {
	color.NoColor = true
}

// ForceColor enables color output even when not a TTY
func ForceColor() {
	color.NoColor = false
}

// IsTerminal returns true if stdout is a terminal
func IsTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// UpdateTypeColor returns the color for an update type
func UpdateTypeColor(updateType string) *color.Color {
	switch updateType {
	case "major":
		return Major
	case "minor":
		return Minor
	case "patch":
		return Patch
	case "prerelease":
		return Prerelease
	default:
		return color.New(color.Reset)
	}
}

// SeverityColor returns the color for a vulnerability severity
func SeverityColor(severity string) *color.Color {
	switch severity {
	case "critical":
		return Critical
	case "high":
		return High
	case "moderate":
		return Moderate
	case "low":
		return Low
	default:
		return Dim
	}
}

// PrintSuccess prints a success message
func PrintSuccess(format string, args ...interface{}) {
	Success.Printf("✓ "+format+"\n", args...)
}

// PrintError prints an error message
func PrintError(format string, args ...interface{}) {
	Error.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}

// PrintWarning prints a warning message
func PrintWarning(format string, args ...interface{}) {
	Warning.Printf("⚠ "+format+"\n", args...)
}

// PrintInfo prints an info message
func PrintInfo(format string, args ...interface{}) {
	Info.Printf("→ "+format+"\n", args...)
}

// Sprintf returns a colored string without printing
func Sprintf(c *color.Color, format string, args ...interface{}) string {
	return c.Sprintf(format, args...)
}

// FormatUpdateType formats an update type with its color
func FormatUpdateType(updateType string) string {
	return UpdateTypeColor(updateType).Sprintf("[%s]", updateType)
}

// FormatSeverity formats a severity with its color
func FormatSeverity(severity string) string {
	return SeverityColor(severity).Sprint(severity)
}

// FormatPackage formats a package name, prefixed by its catalog when set
func FormatPackage(catalog, pkg string) string {
	if catalog != "" {
		return Dim.Sprintf("%s:", catalog) + Package.Sprint(pkg)
	}
	return Package.Sprint(pkg)
}

// FormatChange formats "from → to" with the target colored by update type
func FormatChange(from, to, updateType string) string {
	return fmt.Sprintf("%s → %s", from, UpdateTypeColor(updateType).Sprint(to))
}

// PrintJSON writes v as indented JSON
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
