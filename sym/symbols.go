// Package sym defines the glyphs cadence attaches to log lines and CLI output.
// They are stable across the CLI, logs and documentation so a log stream can
// be filtered by subsystem with a single field match.
package sym

// Subsystem glyphs.
const (
	AM         = "≡" // configuration
	AT         = "✦" // schedules and trigger times
	Pulse      = "꩜" // job processing
	PulseOpen  = "✿" // startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
)

// SymbolToCommand maps glyph strings to the CLI command group they front.
var SymbolToCommand = map[string]string{
	AM:    "am",
	AT:    "schedule",
	Pulse: "pulse",
	DB:    "db",
}

// CommandToSymbol maps CLI command groups to their canonical glyph strings.
var CommandToSymbol = map[string]string{
	"am":       AM,
	"schedule": AT,
	"pulse":    Pulse,
	"db":       DB,
}

// Prefix returns the glyph for a command group followed by a space,
// or the empty string for groups without a glyph.
func Prefix(command string) string {
	if s, ok := CommandToSymbol[command]; ok {
		return s + " "
	}
	return ""
}
