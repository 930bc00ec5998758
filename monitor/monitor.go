// Package monitor runs a page interaction tracker in every browser tab
// showing a search engine result page.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp/js"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/clock"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/config"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/correlator"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/engine"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/input"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
)

// Page is the document of one tab. *cdp.PageSession satisfies it.
type Page interface {
	pagevalues.Page
	Install(ctx context.Context) error
	MouseEvent(ev cdp.PageEvent) (input.MouseEvent, bool)
	// Sync brings the document up to date with the DOM changes ev saw and
	// reports whether it changed.
	Sync(ev cdp.PageEvent) bool
	// Attention reports whether the document is visible and focused, if
	// known.
	Attention() (has, known bool)
}

// Config holds the collaborators of a Monitor.
type Config struct {
	Browser  cdp.Browser
	Registry *engine.Registry
	Tracker  *attribution.Tracker
	Hub      *correlator.Hub
	Sink     pagevalues.ReportSink
	Clock    clock.Clock
	Logger   *log.Logger
	Options  *config.Options
	// NewPage returns the page of the tab attached as ctx's session. It
	// defaults to a CDP page session.
	NewPage func(ctx context.Context) Page
}

type tabState struct {
	id         string
	page       Page
	pv         *pagevalues.PageValues
	unregister func()
}

// Monitor follows the tabs of a navigation feed and tracks the user's
// interaction with the result pages they show.
type Monitor struct {
	cfg Config

	mu       sync.Mutex
	tabs     map[string]*tabState
	sessions map[target.SessionID]string
}

var _ cdp.TabObserver = &Monitor{}

// New returns a Monitor. Pass it to the feed with cdp.WithObserver.
func New(cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NullLogger()
	}
	if cfg.Options == nil {
		cfg.Options = config.NewOptions()
	}
	if cfg.NewPage == nil {
		cfg.NewPage = func(ctx context.Context) Page {
			return cdp.NewPageSession(ctx, cfg.Browser, cfg.Clock, cfg.Logger)
		}
	}
	return &Monitor{
		cfg:      cfg,
		tabs:     make(map[string]*tabState),
		sessions: make(map[target.SessionID]string),
	}
}

// TabAttached implements cdp.TabObserver. It instruments the tab before
// the feed lets it run.
func (m *Monitor) TabAttached(ctx context.Context, tabID string, sid target.SessionID) {
	pg := m.cfg.NewPage(ctx)
	if err := pg.Install(ctx); err != nil {
		m.cfg.Logger.Warnf("Monitor:TabAttached", "tid:%s instrumenting: %v", tabID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tabs[tabID]
	if !ok {
		ts = &tabState{id: tabID}
		m.tabs[tabID] = ts
	}
	ts.page = pg
	m.sessions[sid] = tabID
}

// Navigated implements cdp.TabObserver.
func (m *Monitor) Navigated(ctx context.Context, ev attribution.NavigationEvent) {
	m.mu.Lock()
	ts, ok := m.tabs[ev.TabID]
	if !ok || ts.page == nil {
		m.mu.Unlock()
		return
	}
	pv, pg := ts.pv, ts.page
	m.mu.Unlock()

	if ev.IsHistoryChange && pv != nil {
		pv.HistoryChanged(ev.PageID, ev.TimeStamp)
		if pv.PageID() == ev.PageID {
			m.requestAttribution(ctx, pv, ev.TabID, ev.PageID)
		}
		return
	}

	m.stopTracking(ts, ev.TimeStamp)

	eng, ok := m.cfg.Registry.Match(ev.URL)
	if !ok {
		return
	}
	pv = pagevalues.New(pagevalues.Config{
		PageID:  ev.PageID,
		Adapter: pagevalues.NewSelectorAdapter(eng, m.cfg.Logger),
		Page:    pg,
		Sink:    m.cfg.Sink,
		Clock:   m.cfg.Clock,
		Logger:  m.cfg.Logger,
		Options: m.cfg.Options,
	})

	m.mu.Lock()
	ts.pv = pv
	if m.cfg.Hub != nil {
		ts.unregister = m.cfg.Hub.Register(ev.TabID, pv)
	}
	m.mu.Unlock()

	m.cfg.Logger.Debugf("Monitor:Navigated", "tid:%s pid:%s tracking %s page", ev.TabID, ev.PageID, eng.Name)
	pv.Start(ev.TimeStamp)
	// The document's first attention report may come before the visit
	// exists; seed it from the snapshot Start took.
	if has, known := pg.Attention(); known {
		pv.SetAttention(has, ev.TimeStamp)
	}
	m.requestAttribution(ctx, pv, ev.TabID, ev.PageID)
}

func (m *Monitor) requestAttribution(ctx context.Context, pv *pagevalues.PageValues, tabID, pageID string) {
	if m.cfg.Tracker == nil {
		return
	}
	q := pagevalues.LocalQuerier{Tracker: m.cfg.Tracker, TabID: tabID, PageID: pageID}
	if err := pv.RequestAttribution(ctx, q); err != nil {
		m.cfg.Logger.Debugf("Monitor:requestAttribution", "tid:%s pid:%s %v", tabID, pageID, err)
	}
}

// stopTracking ends the visit tracked in ts, if any.
func (m *Monitor) stopTracking(ts *tabState, at time.Time) {
	m.mu.Lock()
	pv, unregister := ts.pv, ts.unregister
	ts.pv, ts.unregister = nil, nil
	m.mu.Unlock()

	if pv != nil {
		pv.Unload(at)
	}
	if unregister != nil {
		unregister()
	}
}

// TabClosed implements cdp.TabObserver.
func (m *Monitor) TabClosed(tabID string) {
	m.mu.Lock()
	ts, ok := m.tabs[tabID]
	delete(m.tabs, tabID)
	for sid, id := range m.sessions {
		if id == tabID {
			delete(m.sessions, sid)
		}
	}
	m.mu.Unlock()
	if ok {
		m.stopTracking(ts, m.cfg.Clock.Now())
	}
}

// Run delivers page events to the trackers until ctx is done or the
// browser connection closes.
func (m *Monitor) Run(ctx context.Context) error {
	events, unsubscribe := m.cfg.Browser.Subscribe(
		cdproto.EventRuntimeBindingCalled,
		cdproto.EventPageLoadEventFired,
	)
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return cdp.ErrClosed
			}
			m.handle(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) handle(ev *cdp.Event) {
	m.mu.Lock()
	var ts *tabState
	if id, ok := m.sessions[ev.SessionID]; ok {
		ts = m.tabs[id]
	}
	var (
		pv *pagevalues.PageValues
		pg Page
	)
	if ts != nil {
		pv, pg = ts.pv, ts.page
	}
	m.mu.Unlock()
	if pv == nil {
		return
	}

	switch data := ev.Data.(type) {
	case *page.EventLoadEventFired:
		pv.ReadyStateChanged(pagevalues.ReadyStateComplete, m.cfg.Clock.Now())
	case *runtime.EventBindingCalled:
		if data.Name != js.BindingName {
			return
		}
		pe, err := cdp.ParsePageEvent(data.Payload)
		if err != nil {
			m.cfg.Logger.Debugf("Monitor:handle", "tid:%s %v", ts.id, err)
			return
		}
		m.pageEvent(pv, pg, pe)
	}
}

func (m *Monitor) pageEvent(pv *pagevalues.PageValues, pg Page, pe cdp.PageEvent) {
	switch pe.Type {
	case cdp.PageEventMousedown:
		if pg.Sync(pe) {
			pv.Rescan()
		}
		if me, ok := pg.MouseEvent(pe); ok {
			pv.Mousedown(me)
		}
	case cdp.PageEventClick:
		if pg.Sync(pe) {
			pv.Rescan()
		}
		if me, ok := pg.MouseEvent(pe); ok {
			pv.Click(me)
		}
	case cdp.PageEventReadyState:
		pv.ReadyStateChanged(pe.ReadyState, pe.Time())
	case cdp.PageEventAttention:
		pv.SetAttention(pe.Attention, pe.Time())
	case cdp.PageEventUnload:
		pv.Unload(pe.Time())
	case cdp.PageEventMutation:
		pv.Rescan()
	}
}

// Close ends every tracked visit.
func (m *Monitor) Close() {
	m.mu.Lock()
	tabs := make([]*tabState, 0, len(m.tabs))
	for _, ts := range m.tabs {
		tabs = append(tabs, ts)
	}
	m.mu.Unlock()

	now := m.cfg.Clock.Now()
	for _, ts := range tabs {
		m.stopTracking(ts, now)
	}
}

// Tracking returns the tracker of tabID's current visit.
func (m *Monitor) Tracking(tabID string) (*pagevalues.PageValues, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tabs[tabID]
	if !ok || ts.pv == nil {
		return nil, false
	}
	return ts.pv, true
}
