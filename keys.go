package framewalk

// KeyDef describes one named key for Input.dispatchKeyEvent: the DOM key
// value, the physical code, the Windows virtual key code, and the text a
// keydown produces.
type KeyDef struct {
	Key     string
	Code    string
	KeyCode int64
	Text    string
}

// keyDefs covers the named keys the press action accepts. Single printable
// characters are handled separately by keyDefFor.
var keyDefs = map[string]KeyDef{
	"Enter":      {Key: "Enter", Code: "Enter", KeyCode: 13, Text: "\r"},
	"Tab":        {Key: "Tab", Code: "Tab", KeyCode: 9},
	"Escape":     {Key: "Escape", Code: "Escape", KeyCode: 27},
	"Backspace":  {Key: "Backspace", Code: "Backspace", KeyCode: 8},
	"Delete":     {Key: "Delete", Code: "Delete", KeyCode: 46},
	"ArrowUp":    {Key: "ArrowUp", Code: "ArrowUp", KeyCode: 38},
	"ArrowDown":  {Key: "ArrowDown", Code: "ArrowDown", KeyCode: 40},
	"ArrowLeft":  {Key: "ArrowLeft", Code: "ArrowLeft", KeyCode: 37},
	"ArrowRight": {Key: "ArrowRight", Code: "ArrowRight", KeyCode: 39},
	"Home":       {Key: "Home", Code: "Home", KeyCode: 36},
	"End":        {Key: "End", Code: "End", KeyCode: 35},
	"PageUp":     {Key: "PageUp", Code: "PageUp", KeyCode: 33},
	"PageDown":   {Key: "PageDown", Code: "PageDown", KeyCode: 34},
	"Space":      {Key: " ", Code: "Space", KeyCode: 32, Text: " "},
}

// keyAliases accept the spellings models tend to produce.
var keyAliases = map[string]string{
	"Return": "Enter",
	"Esc":    "Escape",
	"Del":    "Delete",
	"Up":     "ArrowUp",
	"Down":   "ArrowDown",
	"Left":   "ArrowLeft",
	"Right":  "ArrowRight",
}

// keyDefFor resolves a key name to its definition. Unknown single
// printable characters are synthesized as plain character keys.
func keyDefFor(name string) (KeyDef, bool) {
	if alias, ok := keyAliases[name]; ok {
		name = alias
	}
	if def, ok := keyDefs[name]; ok {
		return def, true
	}
	runes := []rune(name)
	if len(runes) == 1 && runes[0] >= ' ' {
		return KeyDef{Key: name, Text: name}, true
	}
	return KeyDef{}, false
}
