// Package keysym provides XKB key symbols and the keysym-keyed modifier
// masks used by the keyboard monitor.
//
// A Key is layout independent: it names the logical key (Caps_Lock, H,
// Return), not the hardware scancode that produced it. Resolving scancodes
// to keysyms is the compositor's job.
package keysym

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is an XKB keysym.
type Key uint32

// NoSymbol is the keysym reported for keys without a mapping.
const NoSymbol Key = 0

// Keysyms referenced by name in configuration files and scenarios.
const (
	BackSpace Key = 0xff08
	Tab       Key = 0xff09
	Return    Key = 0xff0d
	Escape    Key = 0xff1b
	Delete    Key = 0xffff
	Home      Key = 0xff50
	Left      Key = 0xff51
	Up        Key = 0xff52
	Right     Key = 0xff53
	Down      Key = 0xff54
	PageUp    Key = 0xff55
	PageDown  Key = 0xff56
	End       Key = 0xff57
	Insert    Key = 0xff63
	NumLock   Key = 0xff7f
	KPEnter   Key = 0xff8d
	KP0       Key = 0xffb0
	KP9       Key = 0xffb9
	F1        Key = 0xffbe
	F12       Key = 0xffc9

	ShiftL   Key = 0xffe1
	ShiftR   Key = 0xffe2
	ControlL Key = 0xffe3
	ControlR Key = 0xffe4
	CapsLock Key = 0xffe5
	ShiftLck Key = 0xffe6
	MetaL    Key = 0xffe7
	MetaR    Key = 0xffe8
	AltL     Key = 0xffe9
	AltR     Key = 0xffea
	SuperL   Key = 0xffeb
	SuperR   Key = 0xffec

	Space  Key = 0x0020
	A      Key = 0x0041
	H      Key = 0x0048
	X      Key = 0x0058
	Z      Key = 0x005a
	LowerA Key = 0x0061
	LowerZ Key = 0x007a
)

// unicodeOffset marks keysyms that directly encode a Unicode code point.
const unicodeOffset = 0x01000000

var names = map[Key]string{
	BackSpace: "BackSpace",
	Tab:       "Tab",
	Return:    "Return",
	Escape:    "Escape",
	Delete:    "Delete",
	Home:      "Home",
	Left:      "Left",
	Up:        "Up",
	Right:     "Right",
	Down:      "Down",
	PageUp:    "Page_Up",
	PageDown:  "Page_Down",
	End:       "End",
	Insert:    "Insert",
	NumLock:   "Num_Lock",
	KPEnter:   "KP_Enter",
	ShiftL:    "Shift_L",
	ShiftR:    "Shift_R",
	ControlL:  "Control_L",
	ControlR:  "Control_R",
	CapsLock:  "Caps_Lock",
	ShiftLck:  "Shift_Lock",
	MetaL:     "Meta_L",
	MetaR:     "Meta_R",
	AltL:      "Alt_L",
	AltR:      "Alt_R",
	SuperL:    "Super_L",
	SuperR:    "Super_R",
	Space:     "space",
	NoSymbol:  "NoSymbol",
}

var byName = func() map[string]Key {
	m := make(map[string]Key, len(names)+2)
	for k, n := range names {
		m[strings.ToLower(n)] = k
	}
	m["prior"] = PageUp
	m["next"] = PageDown
	return m
}()

// IsModifier reports whether k is one of the XKB modifier keysyms
// (Shift_L through Hyper_R).
func (k Key) IsModifier() bool {
	return k >= ShiftL && k <= 0xffee
}

// Char returns the character k would type, if any.
func (k Key) Char() (rune, bool) {
	return CharFor(k)
}

// CharFor returns the printable character for k. Keys without a
// character mapping (modifiers, function keys, navigation) report false.
func CharFor(k Key) (rune, bool) {
	switch {
	case k >= 0x20 && k <= 0x7e:
		return rune(k), true
	case k >= 0xa0 && k <= 0xff:
		return rune(k), true
	case k >= unicodeOffset+0x20 && k <= unicodeOffset+0x10ffff:
		return rune(k - unicodeOffset), true
	case k >= KP0 && k <= KP9:
		return '0' + rune(k-KP0), true
	}

	switch k {
	case BackSpace:
		return '\b', true
	case Tab:
		return '\t', true
	case Return, KPEnter:
		return '\r', true
	case Escape:
		return 0x1b, true
	case Delete:
		return 0x7f, true
	}
	return 0, false
}

// String returns the XKB name for well-known keysyms, the character for
// printable Latin-1 keysyms and a hex literal otherwise.
func (k Key) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	if k > 0x20 && k <= 0x7e {
		return string(rune(k))
	}
	if k >= F1 && k <= F12 {
		return fmt.Sprintf("F%d", k-F1+1)
	}
	if k >= unicodeOffset && k <= unicodeOffset+0x10ffff {
		return fmt.Sprintf("U+%04X", uint32(k-unicodeOffset))
	}
	return fmt.Sprintf("0x%x", uint32(k))
}

// Parse resolves a keysym from an XKB name ("Caps_Lock"), a single
// character ("h"), a Unicode literal ("U+00E9") or a numeric literal
// ("0xffe5", "65505").
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoSymbol, fmt.Errorf("keysym: empty name")
	}

	if r := []rune(s); len(r) == 1 {
		return FromRune(r[0]), nil
	}

	if k, ok := byName[strings.ToLower(s)]; ok {
		return k, nil
	}

	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "U+") {
		cp, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil || cp > 0x10ffff {
			return NoSymbol, fmt.Errorf("keysym: invalid code point %q", s)
		}
		return FromRune(rune(cp)), nil
	}
	if len(upper) >= 2 && upper[0] == 'F' {
		if n, err := strconv.Atoi(s[1:]); err == nil && n >= 1 && n <= 12 {
			return F1 + Key(n-1), nil
		}
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return NoSymbol, fmt.Errorf("keysym: unknown key %q", s)
	}
	return Key(v), nil
}

// FromRune returns the keysym that types r: Latin-1 keysyms map to
// themselves, everything else uses the Unicode keysym range.
func FromRune(r rune) Key {
	if (r >= 0x20 && r <= 0x7e) || (r >= 0xa0 && r <= 0xff) {
		return Key(r)
	}
	return Key(r) + unicodeOffset
}

// MarshalText encodes k by name.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a keysym with Parse.
func (k *Key) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
