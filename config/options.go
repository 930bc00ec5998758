// Package config holds the tunables shared by the attribution tracker, the
// page interaction tracker and the command line tool.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/env"
)

// Defaults.
const (
	DefaultRefreshInterval        = 500 * time.Millisecond
	DefaultMaxRefreshes           = 120
	DefaultLateRefreshDelay       = 1000 * time.Millisecond
	DefaultPossibleClickWindow    = 1000 * time.Millisecond
	DefaultClickSuppressionWindow = 1000 * time.Millisecond
	DefaultBridgeAddr             = "127.0.0.1:8765"
	DefaultReportDir              = "reports"
	DefaultLogLevel               = "info"
)

// Options stores the module options.
type Options struct {
	LogLevel          string
	LogCategoryFilter string
	Debug             bool

	EnginesFile string
	ReportDir   string
	BridgeAddr  string
	CDPURL      string
	BrowserPath string

	// RefreshInterval is the DOM rescan period while a SERP is loading.
	RefreshInterval time.Duration
	// MaxRefreshes bounds the number of rescans performed while loading.
	MaxRefreshes int
	// LateRefreshDelay is the delay of the single rescan after load.
	LateRefreshDelay time.Duration
	// PossibleClickWindow is how long before the end of a visit an
	// unresolved internal or self-preferenced click still counts.
	PossibleClickWindow time.Duration
	// ClickSuppressionWindow is how long after a recorded click a new tab
	// signal is treated as the same user action.
	ClickSuppressionWindow time.Duration
}

// NewOptions returns the default options.
func NewOptions() *Options {
	return &Options{
		LogLevel:               DefaultLogLevel,
		ReportDir:              DefaultReportDir,
		BridgeAddr:             DefaultBridgeAddr,
		RefreshInterval:        DefaultRefreshInterval,
		MaxRefreshes:           DefaultMaxRefreshes,
		LateRefreshDelay:       DefaultLateRefreshDelay,
		PossibleClickWindow:    DefaultPossibleClickWindow,
		ClickSuppressionWindow: DefaultClickSuppressionWindow,
	}
}

// Parse overrides the options with the values found through lookup.
func (o *Options) Parse(lookup env.LookupFunc) error {
	strs := map[string]*string{
		env.LogLevel:          &o.LogLevel,
		env.LogCategoryFilter: &o.LogCategoryFilter,
		env.EnginesFile:       &o.EnginesFile,
		env.ReportDir:         &o.ReportDir,
		env.BridgeAddr:        &o.BridgeAddr,
		env.CDPURL:            &o.CDPURL,
		env.BrowserPath:       &o.BrowserPath,
	}
	for k, p := range strs {
		if v, ok := lookup(k); ok {
			*p = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup(env.Debug); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", env.Debug, err)
		}
		o.Debug = b
	}
	if v, ok := lookup(env.MaxRefreshes); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", env.MaxRefreshes, err)
		}
		o.MaxRefreshes = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{env.RefreshInterval, &o.RefreshInterval},
		{env.LateRefreshDelay, &o.LateRefreshDelay},
		{env.PossibleClickWindow, &o.PossibleClickWindow},
		{env.ClickSuppressionWindow, &o.ClickSuppressionWindow},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		pd, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = pd
	}

	return nil
}

// Validate validates the options.
func (o *Options) Validate() error {
	var errs []error
	if o.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid refresh interval %s: must be positive", o.RefreshInterval))
	}
	if o.MaxRefreshes < 1 {
		errs = append(errs, fmt.Errorf("invalid max refreshes %d: must be at least 1", o.MaxRefreshes))
	}
	if o.LateRefreshDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid late refresh delay %s: must not be negative", o.LateRefreshDelay))
	}
	if o.PossibleClickWindow < 0 {
		errs = append(errs, fmt.Errorf("invalid possible click window %s: must not be negative", o.PossibleClickWindow))
	}
	if o.ClickSuppressionWindow < 0 {
		errs = append(errs, fmt.Errorf("invalid click suppression window %s: must not be negative", o.ClickSuppressionWindow))
	}

	return errors.Join(errs...)
}
