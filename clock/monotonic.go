package clock

import (
	"math"
	"time"

	"github.com/chromedp/cdproto/cdp"
)

// Translator converts timestamps expressed relative to a host's monotonic
// time origin into wall-clock time. Hosts report event times as seconds
// (or milliseconds) since an origin that has no relation to the epoch; one
// pair of simultaneous readings is enough to map between the two.
type Translator struct {
	wallOrigin time.Time
	monoOrigin time.Duration
}

// NewTranslator returns a Translator for which the monotonic reading
// monoOrigin happened at wallOrigin.
func NewTranslator(wallOrigin time.Time, monoOrigin time.Duration) *Translator {
	return &Translator{wallOrigin: wallOrigin, monoOrigin: monoOrigin}
}

// ToWall converts a monotonic reading to wall-clock time.
func (t *Translator) ToWall(mono time.Duration) time.Time {
	return t.wallOrigin.Add(mono - t.monoOrigin)
}

// ToMonotonic converts a wall-clock time to a monotonic reading.
func (t *Translator) ToMonotonic(wall time.Time) time.Duration {
	return t.monoOrigin + wall.Sub(t.wallOrigin)
}

// FromSeconds converts a monotonic reading in fractional seconds, the unit
// used by the DevTools protocol.
func (t *Translator) FromSeconds(sec float64) time.Time {
	return t.ToWall(secondsToDuration(sec))
}

// FromMilliseconds converts a monotonic reading in fractional
// milliseconds, the unit of DOM event timestamps.
func (t *Translator) FromMilliseconds(ms float64) time.Time {
	return t.ToWall(time.Duration(math.Round(ms * float64(time.Millisecond))))
}

// FromMonotonicTime converts a DevTools MonotonicTime. cdproto decodes
// those relative to cdp.MonotonicTimeEpoch, which is what the origin of
// this translator has to be anchored on for the result to be meaningful.
func (t *Translator) FromMonotonicTime(mt *cdp.MonotonicTime) time.Time {
	if mt == nil {
		return t.wallOrigin
	}
	epoch := time.Time{}
	if cdp.MonotonicTimeEpoch != nil {
		epoch = *cdp.MonotonicTimeEpoch
	}
	return t.ToWall(mt.Time().Sub(epoch))
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(math.Round(sec * float64(time.Second)))
}
