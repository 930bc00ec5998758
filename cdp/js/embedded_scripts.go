// Package js holds the scripts evaluated in observed pages.
package js

import (
	_ "embed"
)

// BindingName is the page binding through which InstrumentScript reports
// page events.
const BindingName = "__serpwatchEvent"

// InstrumentScript runs in every new document. It reports input, ready
// state, attention and DOM change events through BindingName.
//
//go:embed instrument.js
var InstrumentScript string

// SnapshotScript evaluates to the current document serialized as HTML,
// each laid out element carrying its vertical page offsets in
// data-serpwatch-top and data-serpwatch-bottom attributes, along with
// whether the document is visible and focused.
//
//go:embed snapshot.js
var SnapshotScript string
