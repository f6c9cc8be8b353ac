// internal/browser/keys.go
package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
)

// namedKeys maps the key names the decision model may emit to the DOM key
// values chromedp's keyboard layer understands. Lookup is case-insensitive.
var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"space":      " ",
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"home":       kb.Home,
	"end":        kb.End,
}

var modifierNames = map[string]input.Modifier{
	"control": input.ModifierCtrl,
	"ctrl":    input.ModifierCtrl,
	"alt":     input.ModifierAlt,
	"shift":   input.ModifierShift,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
}

// parseKeyChord turns a chord like "Enter", "Control+a" or "Shift+Tab"
// into the key to send and its modifier mask. Single printable characters
// pass through as themselves.
func parseKeyChord(chord string) (string, input.Modifier, error) {
	if strings.TrimSpace(chord) == "" {
		return "", input.ModifierNone, fmt.Errorf("send_keys requires a key or key combination")
	}

	parts := strings.Split(chord, "+")
	mods := input.ModifierNone
	for _, part := range parts[:len(parts)-1] {
		mod, ok := modifierNames[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return "", input.ModifierNone, fmt.Errorf("unknown key modifier %q in chord %q", part, chord)
		}
		mods |= mod
	}

	last := strings.TrimSpace(parts[len(parts)-1])
	if last == "" {
		return "", input.ModifierNone, fmt.Errorf("key chord %q names no key", chord)
	}
	if key, ok := namedKeys[strings.ToLower(last)]; ok {
		return key, mods, nil
	}
	if len([]rune(last)) == 1 {
		return last, mods, nil
	}
	return "", input.ModifierNone, fmt.Errorf("unknown key %q in chord %q", last, chord)
}
