// Package input describes the pointer events a results page forwards to
// its interaction tracker.
package input

import (
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Modifier is a key modifier like ALT, CTRL, or Shift. The bit values
// match the modifiers field of DevTools input events.
type Modifier int64

const (
	// ModifierAlt is the ALT key modifier.
	ModifierAlt Modifier = 1 << iota
	// ModifierControl is the CTRL key modifier.
	ModifierControl
	// ModifierMeta is the meta key modifier.
	ModifierMeta
	// ModifierShift is the Shift key modifier.
	ModifierShift
)

// ModifierFromKey returns the modifier bit of a DOM key name.
func ModifierFromKey(key string) Modifier {
	switch key {
	case "Alt":
		return ModifierAlt
	case "Control":
		return ModifierControl
	case "Meta":
		return ModifierMeta
	case "Shift":
		return ModifierShift
	}

	return 0
}

// Has reports whether every bit of o is set in m.
func (m Modifier) Has(o Modifier) bool { return o != 0 && m&o == o }

// Any reports whether any modifier key is held.
func (m Modifier) Any() bool { return m != 0 }

func (m Modifier) String() string {
	if m == 0 {
		return "none"
	}
	var keys []string
	for _, k := range []struct {
		bit  Modifier
		name string
	}{
		{ModifierAlt, "Alt"},
		{ModifierControl, "Control"},
		{ModifierMeta, "Meta"},
		{ModifierShift, "Shift"},
	} {
		if m.Has(k.bit) {
			keys = append(keys, k.name)
		}
	}
	return strings.Join(keys, "+")
}

// MouseButton is the DOM MouseEvent.button value.
type MouseButton int

// Mouse buttons.
const (
	ButtonLeft MouseButton = iota
	ButtonMiddle
	ButtonRight
)

// EventType is a pointer event name.
type EventType string

// Pointer events handled by the tracker.
const (
	MouseDown EventType = "mousedown"
	Click     EventType = "click"
)

// MouseEvent is a pointer event dispatched to a node of the page.
type MouseEvent struct {
	Type      EventType
	Target    *html.Node
	Button    MouseButton
	Modifiers Modifier
	TimeStamp time.Time
}

// Plain reports whether the event is an unmodified primary button event,
// the only kind that navigates the current tab.
func (e MouseEvent) Plain() bool {
	return e.Button == ButtonLeft && !e.Modifiers.Any()
}
