package schemas

// -- Keyboard Schemas --

// KeyEventData represents a structured key event, including the main key and active modifiers.
type KeyEventData struct {
	// Key is the primary key pressed (e.g., "a", "Enter", "Tab").
	Key string
	// Modifiers is a bitmask of active modifiers.
	Modifiers KeyModifier
}

// KeyModifier represents keyboard modifiers (Ctrl, Alt, Shift, Meta).
// These values correspond directly to the CDP input.DispatchKeyEvent modifiers bitfield.
type KeyModifier int

const (
	ModNone  KeyModifier = 0
	ModAlt   KeyModifier = 1
	ModCtrl  KeyModifier = 2
	ModMeta  KeyModifier = 4
	ModShift KeyModifier = 8
)

// modifierNames maps the names a model uses in key combinations to CDP modifier bits.
var modifierNames = map[string]KeyModifier{
	"alt":     ModAlt,
	"option":  ModAlt,
	"control": ModCtrl,
	"ctrl":    ModCtrl,
	"meta":    ModMeta,
	"cmd":     ModMeta,
	"command": ModMeta,
	"shift":   ModShift,
}

// LookupModifier returns the modifier bit for a lowercased key name.
func LookupModifier(name string) (KeyModifier, bool) {
	m, ok := modifierNames[name]
	return m, ok
}
