package attribution

import (
	"sync"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v3"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/engine"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

// Matcher resolves a URL to the tracked engine it belongs to.
type Matcher interface {
	Match(rawURL string) (*engine.Engine, bool)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIDGenerator makes the tracker mint attribution ids with gen.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

// WithRecordHook registers fn to be called, outside the tracker lock,
// with every record the tracker writes.
func WithRecordHook(fn func(Record, NavigationEvent)) Option {
	return func(t *Tracker) { t.hooks = append(t.hooks, fn) }
}

// Tracker attributes navigations to tracked search engine pages.
type Tracker struct {
	matcher Matcher
	logger  *log.Logger
	newID   func() string
	hooks   []func(Record, NavigationEvent)

	mu    sync.RWMutex
	store *Store
}

// NewTracker returns a Tracker that resolves engines with m.
func NewTracker(m Matcher, logger *log.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = log.NullLogger()
	}
	t := &Tracker{
		matcher: m,
		logger:  logger,
		newID:   uuid.NewString,
		store:   NewStore(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HandleNavigation attributes ev and stores the resulting record. It
// returns false, touching nothing, when ev.URL is not a tracked engine
// page.
func (t *Tracker) HandleNavigation(ev NavigationEvent) (Record, bool) {
	eng, ok := t.matcher.Match(ev.URL)
	if !ok {
		return Record{}, false
	}
	if ev.TransitionType == "" {
		ev.TransitionType = TransitionUnknown
	}
	canonical, err := engine.Canonicalize(ev.URL)
	if err != nil {
		t.logger.Debugf("Tracker:HandleNavigation", "pid:%s tid:%s no canonical url: %v", ev.PageID, ev.TabID, err)
	}

	t.mu.Lock()
	rec := t.resolve(ev, eng.Name, canonical)
	t.store.Put(rec)
	if canonical != "" {
		t.store.Remember(ev.TabID, canonical, ev.PageID)
	}
	t.store.SetLive(ev.TabID, ev.PageID)
	t.mu.Unlock()

	t.logger.Debugf("Tracker:HandleNavigation",
		"pid:%s tid:%s engine:%s attribution:%s aid:%s transition:%s",
		rec.PageID, ev.TabID, rec.Engine, rec.Attribution, rec.AttributionID, rec.Transition)

	for _, fn := range t.hooks {
		fn(rec, ev)
	}
	return rec, true
}

// resolve applies the attribution rules in priority order. The first rule
// that matches decides the record. t.mu must be held.
func (t *Tracker) resolve(ev NavigationEvent, engineName, canonical string) Record {
	switch {
	case ev.HasQualifier(QualifierForwardBack):
		if ev.IsOpenedTab && ev.OpenerTabID != "" {
			t.store.CloneTab(ev.OpenerTabID, ev.TabID)
		}
		if canonical != "" {
			if pid, ok := t.store.Lookup(ev.TabID, canonical); ok {
				if prev, ok := t.store.Record(pid); ok {
					return t.continued(ev, prev, AttributionForwardBack)
				}
			}
		}
		return t.fresh(ev, engineName, AttributionForwardBack, AttributionForwardBack)

	case ev.TransitionType == TransitionReload || ev.IsHistoryChange:
		transition := string(TransitionReload)
		if ev.IsHistoryChange {
			transition = TransitionLabelHistoryChange
		}
		if src, ok := t.source(ev, engineName); ok {
			return t.continued(ev, src, transition)
		}
		return t.fresh(ev, engineName, AttributionUnknown, transition)

	case ev.TransitionType == TransitionFormSubmit ||
		(ev.TransitionType == TransitionLink && ev.TabSourceClick):
		transition := string(ev.TransitionType)
		if src, ok := t.source(ev, engineName); ok {
			return t.continued(ev, src, transition)
		}
		return t.fresh(ev, engineName, transition, transition)

	case ev.TransitionType != TransitionLink:
		return t.fresh(ev, engineName, string(ev.TransitionType), string(ev.TransitionType))

	case ev.HasQualifier(QualifierFromAddressBar):
		return t.fresh(ev, engineName, AttributionFromAddressBar, AttributionFromAddressBar)
	}
	return t.fresh(ev, engineName, AttributionUnknown, string(ev.TransitionType))
}

// source returns the record of the page ev came from when that page was a
// visit to the same engine.
func (t *Tracker) source(ev NavigationEvent, engineName string) (Record, bool) {
	if ev.TabSourcePageID == "" {
		return Record{}, false
	}
	src, ok := t.store.Record(ev.TabSourcePageID)
	if !ok || src.Engine != engineName {
		return Record{}, false
	}
	return src, true
}

func (t *Tracker) continued(ev NavigationEvent, prev Record, transition string) Record {
	return Record{
		PageID:        ev.PageID,
		Engine:        prev.Engine,
		Attribution:   prev.Attribution,
		AttributionID: prev.AttributionID,
		Transition:    transition,
	}
}

func (t *Tracker) fresh(ev NavigationEvent, engineName, attribution, transition string) Record {
	return Record{
		PageID:        ev.PageID,
		Engine:        engineName,
		Attribution:   attribution,
		AttributionID: t.newID(),
		Transition:    transition,
	}
}

// Attribution returns the stored record of pageID.
func (t *Tracker) Attribution(pageID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.store.Record(pageID)
}

// Query answers an attribution request made from within a page. The
// response is null unless the page has a record for the requested engine
// and is still the live tracked page of its tab.
func (t *Tracker) Query(req QueryRequest) QueryResponse {
	t.mu.RLock()
	defer t.mu.RUnlock()

	live, hasLive := t.store.Live(req.TabID)
	pageID := req.PageID
	if pageID == "" {
		pageID = live
	}
	if pageID == "" || (req.TabID != "" && (!hasLive || live != pageID)) {
		t.logger.Debugf("Tracker:Query", "tid:%s pid:%s live:%s stale query", req.TabID, req.PageID, live)
		return QueryResponse{}
	}
	rec, ok := t.store.Record(pageID)
	if !ok || rec.Engine != req.SearchEngine {
		return QueryResponse{}
	}
	return QueryResponse{
		AttributionID: null.StringFrom(rec.AttributionID),
		Attribution:   null.StringFrom(rec.Attribution),
	}
}

// RemoveTab forgets the history index and live page of a closed tab.
// Records of the tab's pages are kept.
func (t *Tracker) RemoveTab(tabID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.RemoveTab(tabID)
	t.logger.Debugf("Tracker:RemoveTab", "tid:%s", tabID)
}

// Tabs returns the number of tabs the tracker keeps history for.
func (t *Tracker) Tabs() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.store.Tabs()
}
