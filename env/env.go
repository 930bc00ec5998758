// Package env provides types to interact with environment setup.
package env

import (
	"os"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc backed by the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EmptyLookup is a LookupFunc that always returns "" and false.
func EmptyLookup(_ string) (string, bool) { return "", false }

// ConstLookup is a LookupFunc that returns value if key matches k.
func ConstLookup(k, value string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return value, true
		}
		return "", false
	}
}

// MapLookup is a LookupFunc backed by a map, mostly useful in tests.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Logging and debugging.
const (
	// LogLevel sets the logrus level (trace, debug, info, warn, error).
	LogLevel = "SERP_LOG_LEVEL"

	// LogCategoryFilter is a regular expression matched against log
	// categories. Messages of non-matching categories are dropped.
	LogCategoryFilter = "SERP_LOG_CATEGORY_FILTER"

	// Debug forces debug output regardless of LogLevel.
	Debug = "SERP_DEBUG"
)

// Wiring.
const (
	// EnginesFile points to a YAML engine registry that replaces the
	// embedded one.
	EnginesFile = "SERP_ENGINES_FILE"

	// ReportDir is the directory visit reports are written to.
	ReportDir = "SERP_REPORT_DIR"

	// BridgeAddr is the listen address of the page bridge.
	BridgeAddr = "SERP_BRIDGE_ADDR"

	// CDPURL is the DevTools websocket URL of the browser to observe.
	CDPURL = "SERP_CDP_URL"

	// BrowserPath is a Chromium based browser executable to launch when
	// CDPURL is not set.
	BrowserPath = "SERP_BROWSER"
)

// Page tracking tunables. Durations use time.ParseDuration syntax.
const (
	RefreshInterval        = "SERP_REFRESH_INTERVAL"
	MaxRefreshes           = "SERP_MAX_REFRESHES"
	LateRefreshDelay       = "SERP_LATE_REFRESH_DELAY"
	PossibleClickWindow    = "SERP_POSSIBLE_CLICK_WINDOW"
	ClickSuppressionWindow = "SERP_CLICK_SUPPRESSION_WINDOW"
)
