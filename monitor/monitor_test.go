package monitor

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/bridge"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp/js"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/clock"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/correlator"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/engine"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/input"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
)

const (
	googleSERP = "https://www.google.com/search?q=golang"
	ddgSERP    = "https://duckduckgo.com/?q=golang"

	// html > body > #rso > div.g > a
	googleMarkup = `<html><head></head><body><div id="rso">` +
		`<div class="g"><a href="https://go.dev/">Go</a></div>` +
		`<div class="g"><a href="https://go.dev/doc/">Docs</a></div>` +
		`</div></body></html>`
	ddgMarkup = `<html><head></head><body>` +
		`<article data-testid="result"><a data-testid="result-title-a" href="https://go.dev/">Go</a></article>` +
		`</body></html>`
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) //nolint:gochecknoglobals

// testPage is a Page over a parsed document. A document set with
// setPending replaces it on the first Sync by an event that saw a DOM
// change.
type testPage struct {
	mu         sync.Mutex
	u          *url.URL
	root       *html.Node
	pending    *html.Node
	readyState string
	attention  *bool
	installed  int
	syncs      int
}

func newTestPage(t *testing.T, rawURL, markup, readyState string) *testPage {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	root, err := html.Parse(strings.NewReader(markup))
	require.NoError(t, err)
	focused := true
	return &testPage{u: u, root: root, readyState: readyState, attention: &focused}
}

func (p *testPage) Install(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.installed++
	return nil
}

func (p *testPage) URL() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.u
}

func (p *testPage) setURL(t *testing.T, rawURL string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	p.mu.Lock()
	p.u = u
	p.mu.Unlock()
}

func (p *testPage) Root() *html.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

func (p *testPage) setPending(t *testing.T, markup string) {
	t.Helper()
	root, err := html.Parse(strings.NewReader(markup))
	require.NoError(t, err)
	p.mu.Lock()
	p.pending = root
	p.mu.Unlock()
}

func (p *testPage) Sync(ev cdp.PageEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Mutations == 0 || p.pending == nil {
		return false
	}
	p.root, p.pending = p.pending, nil
	p.syncs++
	return true
}

func (p *testPage) setAttention(has *bool) {
	p.mu.Lock()
	p.attention = has
	p.mu.Unlock()
}

func (p *testPage) Attention() (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attention == nil {
		return false, false
	}
	return *p.attention, true
}

func (p *testPage) ReadyState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyState
}

func (p *testPage) Offsets(*html.Node) (float64, float64, bool) { return 0, 0, false }

func (p *testPage) MouseEvent(ev cdp.PageEvent) (input.MouseEvent, bool) {
	var typ input.EventType
	switch ev.Type {
	case cdp.PageEventMousedown:
		typ = input.MouseDown
	case cdp.PageEventClick:
		typ = input.Click
	default:
		return input.MouseEvent{}, false
	}
	n := p.Root().FirstChild // html
	for _, idx := range ev.Path {
		n = nthElement(n, idx)
		if n == nil {
			return input.MouseEvent{}, false
		}
	}
	return input.MouseEvent{Type: typ, Target: n, Modifiers: ev.Modifiers(), TimeStamp: ev.Time()}, true
}

func nthElement(n *html.Node, idx int) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if idx == 0 {
			return c
		}
		idx--
	}
	return nil
}

type reportRecorder struct {
	mu      sync.Mutex
	reports []pagevalues.VisitReport
}

func (r *reportRecorder) Report(v pagevalues.VisitReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, v)
	return nil
}

func (r *reportRecorder) all() []pagevalues.VisitReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pagevalues.VisitReport(nil), r.reports...)
}

type eventSource struct {
	events chan *cdp.Event
}

func (s *eventSource) Execute(context.Context, string, any, any) error { return nil }

func (s *eventSource) Subscribe(...cdproto.MethodType) (<-chan *cdp.Event, func()) {
	return s.events, func() {}
}

type monitorHarness struct {
	m       *Monitor
	clock   *clock.Manual
	tracker *attribution.Tracker
	hub     *correlator.Hub
	sink    *reportRecorder
	source  *eventSource
}

// newMonitorHarness attaches tab "T1" as session "S1" showing pg.
func newMonitorHarness(t *testing.T, pg *testPage) *monitorHarness {
	t.Helper()

	reg, err := engine.Default()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &monitorHarness{
		clock:   clock.NewManual(start),
		tracker: attribution.NewTracker(reg, nil),
		hub:     correlator.NewHub(ctx, nil, 8),
		sink:    &reportRecorder{},
		source:  &eventSource{events: make(chan *cdp.Event, 8)},
	}
	t.Cleanup(func() {
		h.hub.Close()
		cancel()
	})
	h.m = New(Config{
		Browser:  h.source,
		Registry: reg,
		Tracker:  h.tracker,
		Hub:      h.hub,
		Sink:     h.sink,
		Clock:    h.clock,
		NewPage:  func(context.Context) Page { return pg },
	})
	h.m.TabAttached(context.Background(), "T1", "S1")
	return h
}

// navigate reports a navigation of tab T1 to the tracker and the monitor,
// the way the feed does.
func (h *monitorHarness) navigate(ev attribution.NavigationEvent) {
	ev.TabID = "T1"
	ev.TimeStamp = h.clock.Now()
	h.tracker.HandleNavigation(ev)
	h.m.Navigated(context.Background(), ev)
}

func binding(payload string) *cdp.Event {
	return &cdp.Event{
		Name:      cdproto.EventRuntimeBindingCalled,
		SessionID: "S1",
		Data:      &runtime.EventBindingCalled{Name: js.BindingName, Payload: payload},
	}
}

func TestMonitorTracksResultPage(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, googleSERP, googleMarkup, pagevalues.ReadyStateComplete)
	h := newMonitorHarness(t, pg)
	assert.Equal(t, 1, pg.installed)

	h.navigate(attribution.NavigationEvent{
		PageID:         "p1",
		URL:            googleSERP,
		TransitionType: attribution.TransitionTyped,
	})
	pv, ok := h.m.Tracking("T1")
	require.True(t, ok)
	assert.Equal(t, "p1", pv.PageID())
	assert.Equal(t, pagevalues.StateLoaded, pv.State())
	assert.True(t, h.hub.Registered("T1"))

	h.clock.Advance(4 * time.Second)
	pg.setURL(t, "https://go.dev/")
	h.navigate(attribution.NavigationEvent{
		PageID:          "p2",
		URL:             "https://go.dev/",
		TransitionType:  attribution.TransitionLink,
		TabSourcePageID: "p1",
		TabSourceClick:  true,
	})
	_, ok = h.m.Tracking("T1")
	assert.False(t, ok)
	assert.False(t, h.hub.Registered("T1"))

	reports := h.sink.all()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "Google", r.Engine)
	assert.Equal(t, "p1", r.PageID)
	assert.Equal(t, "golang", r.Query)
	assert.Equal(t, "typed", r.Attribution.String)
	assert.True(t, r.AttributionID.Valid)
	assert.Len(t, r.OrganicDetails, 2)
	assert.Equal(t, int64(4000), r.DwellTimeMs)
}

func TestMonitorPageEvents(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, googleSERP, googleMarkup, "interactive")
	h := newMonitorHarness(t, pg)
	h.navigate(attribution.NavigationEvent{PageID: "p1", URL: googleSERP, TransitionType: attribution.TransitionTyped})

	pv, ok := h.m.Tracking("T1")
	require.True(t, ok)
	assert.Equal(t, pagevalues.StateLoading, pv.State())

	h.m.handle(&cdp.Event{
		Name:      cdproto.EventPageLoadEventFired,
		SessionID: "S1",
		Data:      &page.EventLoadEventFired{},
	})
	assert.Equal(t, pagevalues.StateLoaded, pv.State())

	// The page was focused from the start; no attention event is needed.
	origin := strconv.FormatInt(start.UnixMilli(), 10)
	h.m.handle(binding(`{"type":"mousedown","path":[1,0,1,0],"timeStamp":2000,"origin":` + origin + `}`))
	h.m.handle(binding(`{"type":"click","path":[1,0,1,0],"timeStamp":2000,"origin":` + origin + `}`))
	// Events of other bindings and sessions are not the tracker's.
	h.m.handle(&cdp.Event{
		Name:      cdproto.EventRuntimeBindingCalled,
		SessionID: "S1",
		Data:      &runtime.EventBindingCalled{Name: "other", Payload: `{"type":"unload"}`},
	})
	ev := binding(`{"type":"unload","timeStamp":1,"origin":` + origin + `}`)
	ev.SessionID = "S2"
	h.m.handle(ev)
	require.Empty(t, h.sink.all())

	h.m.handle(binding(`{"type":"unload","timeStamp":5000,"origin":` + origin + `}`))

	reports := h.sink.all()
	require.Len(t, reports, 1)
	r := reports[0]
	require.Len(t, r.OrganicClicks, 1)
	assert.Equal(t, 2, r.OrganicClicks[0].Ranking)
	assert.Equal(t, int64(2000), r.OrganicClicks[0].AttentionDurationMs)
	assert.WithinDuration(t, start.Add(5*time.Second), r.PageVisitEnd, 0)
	assert.Equal(t, int64(5000), r.AttentionDurationMs)
}

func TestMonitorSeedsAttention(t *testing.T) {
	t.Parallel()

	origin := strconv.FormatInt(start.UnixMilli(), 10)
	focused, unfocused := true, false
	tests := []struct {
		name      string
		attention *bool
		want      int64
	}{
		{name: "focused", attention: &focused, want: 5000},
		{name: "background", attention: &unfocused, want: 2000},
		{name: "unknown", want: 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pg := newTestPage(t, googleSERP, googleMarkup, pagevalues.ReadyStateComplete)
			pg.setAttention(tt.attention)
			h := newMonitorHarness(t, pg)
			h.navigate(attribution.NavigationEvent{PageID: "p1", URL: googleSERP, TransitionType: attribution.TransitionTyped})

			// The user brings the page to the front after 3s.
			h.m.handle(binding(`{"type":"attention","attention":true,"timeStamp":3000,"origin":` + origin + `}`))
			h.m.handle(binding(`{"type":"unload","timeStamp":5000,"origin":` + origin + `}`))

			reports := h.sink.all()
			require.Len(t, reports, 1)
			assert.Equal(t, tt.want, reports[0].AttentionDurationMs)
		})
	}
}

func TestMonitorClickAfterDOMChange(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, googleSERP, googleMarkup, pagevalues.ReadyStateComplete)
	h := newMonitorHarness(t, pg)
	h.navigate(attribution.NavigationEvent{PageID: "p1", URL: googleSERP, TransitionType: attribution.TransitionTyped})

	// An ad block is inserted above the results, so [1,0,0,0] is now the
	// ad link instead of the first organic result.
	pg.setPending(t, `<html><head></head><body>`+
		`<div id="tads"><div data-text-ad="1"><a href="https://www.googleadservices.com/pagead/aclk?sa=L">Ad</a></div></div>`+
		`<div id="rso">`+
		`<div class="g"><a href="https://go.dev/">Go</a></div>`+
		`<div class="g"><a href="https://go.dev/doc/">Docs</a></div>`+
		`</div></body></html>`)

	origin := strconv.FormatInt(start.UnixMilli(), 10)
	h.m.handle(binding(`{"type":"mousedown","path":[1,0,0,0],"mutations":1,"timeStamp":1000,"origin":` + origin + `}`))
	h.m.handle(binding(`{"type":"click","path":[1,0,0,0],"mutations":1,"timeStamp":1000,"origin":` + origin + `}`))
	assert.Equal(t, 1, pg.syncs)

	h.m.handle(binding(`{"type":"unload","timeStamp":2000,"origin":` + origin + `}`))
	reports := h.sink.all()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, 1, r.NumAdClicks)
	assert.Empty(t, r.OrganicClicks)
	assert.Equal(t, 1, r.NumAdResults)
}

func TestMonitorSharesHubWithBridge(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, googleSERP, googleMarkup, pagevalues.ReadyStateComplete)
	h := newMonitorHarness(t, pg)
	h.navigate(attribution.NavigationEvent{PageID: "p1", URL: googleSERP, TransitionType: attribution.TransitionTyped})
	pv, ok := h.m.Tracking("T1")
	require.True(t, ok)

	origin := strconv.FormatInt(start.UnixMilli(), 10)
	h.m.handle(binding(`{"type":"mousedown","path":[1,0,1,0],"timeStamp":1000,"origin":` + origin + `}`))

	ctx, cancel := context.WithCancel(context.Background())
	srv := bridge.NewServer(ctx, nil, h.tracker, h.hub, nil)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		hs.Close()
		cancel()
	})
	c, err := bridge.Dial(context.Background(), "ws"+strings.TrimPrefix(hs.URL, "http"), "T1", "p1", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	pushed := make(chan string, 1)
	c.SetReceiver(correlator.ReceiverFunc(func(u string, _ time.Time) { pushed <- u }))

	// The page's hello adds a receiver next to the tracker instead of
	// replacing it.
	require.Eventually(t, func() bool { return h.hub.Receivers("T1") == 2 },
		5*time.Second, 5*time.Millisecond)

	require.True(t, h.hub.Relay(correlator.Notification{
		SourceTabID: "T1",
		URL:         "https://go.dev/doc/",
		TimeStamp:   start.Add(2 * time.Second),
	}))

	select {
	case u := <-pushed:
		assert.Equal(t, "https://go.dev/doc/", u)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge page got no new tab notification")
	}
	require.Eventually(t, func() bool {
		r, ok := pv.Snapshot(start.Add(3 * time.Second))
		return ok && len(r.OrganicClicks) == 1 && r.OrganicClicks[0].Ranking == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestMonitorHistoryChange(t *testing.T) {
	t.Parallel()

	t.Run("multi_page", func(t *testing.T) {
		t.Parallel()

		pg := newTestPage(t, googleSERP, googleMarkup, pagevalues.ReadyStateComplete)
		h := newMonitorHarness(t, pg)
		h.navigate(attribution.NavigationEvent{PageID: "p1", URL: googleSERP, TransitionType: attribution.TransitionTyped})

		h.navigate(attribution.NavigationEvent{
			PageID:          "p2",
			URL:             googleSERP + "#frag",
			TransitionType:  attribution.TransitionLink,
			IsHistoryChange: true,
			TabSourcePageID: "p1",
		})
		pv, ok := h.m.Tracking("T1")
		require.True(t, ok)
		assert.Equal(t, "p1", pv.PageID())
		assert.Empty(t, h.sink.all())
	})

	t.Run("single_page", func(t *testing.T) {
		t.Parallel()

		pg := newTestPage(t, ddgSERP, ddgMarkup, pagevalues.ReadyStateComplete)
		h := newMonitorHarness(t, pg)
		h.navigate(attribution.NavigationEvent{PageID: "p1", URL: ddgSERP, TransitionType: attribution.TransitionTyped})

		h.clock.Advance(time.Second)
		pg.setURL(t, ddgSERP+"&ia=web")
		h.navigate(attribution.NavigationEvent{
			PageID:          "p2",
			URL:             ddgSERP + "&ia=web",
			TransitionType:  attribution.TransitionLink,
			IsHistoryChange: true,
			TabSourcePageID: "p1",
		})
		pv, ok := h.m.Tracking("T1")
		require.True(t, ok)
		assert.Equal(t, "p2", pv.PageID())

		reports := h.sink.all()
		require.Len(t, reports, 1)
		assert.Equal(t, "p1", reports[0].PageID)
		assert.Equal(t, "DuckDuckGo", reports[0].Engine)
	})
}

func TestMonitorTabClosed(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, googleSERP, googleMarkup, pagevalues.ReadyStateComplete)
	h := newMonitorHarness(t, pg)
	h.navigate(attribution.NavigationEvent{PageID: "p1", URL: googleSERP, TransitionType: attribution.TransitionTyped})

	h.clock.Advance(time.Second)
	h.m.TabClosed("T1")
	_, ok := h.m.Tracking("T1")
	assert.False(t, ok)
	require.Len(t, h.sink.all(), 1)

	// A second close and navigations of the closed tab are ignored.
	h.m.TabClosed("T1")
	h.m.Navigated(context.Background(), attribution.NavigationEvent{TabID: "T1", PageID: "p2", URL: googleSERP})
	_, ok = h.m.Tracking("T1")
	assert.False(t, ok)
	assert.Len(t, h.sink.all(), 1)
}

func TestMonitorReattachWhileNavigating(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, googleSERP, googleMarkup, pagevalues.ReadyStateComplete)
	h := newMonitorHarness(t, pg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			h.m.TabAttached(context.Background(), "T1", "S1")
		}
	}()
	for i := 0; i < 50; i++ {
		h.navigate(attribution.NavigationEvent{
			PageID:         "p" + strconv.Itoa(i),
			URL:            googleSERP,
			TransitionType: attribution.TransitionTyped,
		})
	}
	<-done

	pv, ok := h.m.Tracking("T1")
	require.True(t, ok)
	assert.Equal(t, "p49", pv.PageID())
	assert.Len(t, h.sink.all(), 49)
}

func TestMonitorIgnoresOtherPages(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, "https://example.com/", "<html></html>", pagevalues.ReadyStateComplete)
	h := newMonitorHarness(t, pg)
	h.navigate(attribution.NavigationEvent{PageID: "p1", URL: "https://example.com/", TransitionType: attribution.TransitionTyped})

	_, ok := h.m.Tracking("T1")
	assert.False(t, ok)
	h.m.Close()
	assert.Empty(t, h.sink.all())
}

func TestMonitorClose(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, googleSERP, googleMarkup, pagevalues.ReadyStateComplete)
	h := newMonitorHarness(t, pg)
	h.navigate(attribution.NavigationEvent{PageID: "p1", URL: googleSERP, TransitionType: attribution.TransitionTyped})

	h.m.Close()
	h.m.Close()
	assert.Len(t, h.sink.all(), 1)
}

func TestMonitorRun(t *testing.T) {
	t.Parallel()

	pg := newTestPage(t, googleSERP, googleMarkup, "loading")
	h := newMonitorHarness(t, pg)
	h.navigate(attribution.NavigationEvent{PageID: "p1", URL: googleSERP, TransitionType: attribution.TransitionTyped})
	pv, ok := h.m.Tracking("T1")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.m.Run(ctx) }()

	h.source.events <- binding(`{"type":"readystatechange","readyState":"complete","timeStamp":1,"origin":1}`)
	require.Eventually(t, func() bool {
		return pv.State() == pagevalues.StateLoaded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)

	close(h.source.events)
	assert.ErrorIs(t, h.m.Run(context.Background()), cdp.ErrClosed)
}
