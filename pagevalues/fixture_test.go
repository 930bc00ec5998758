package pagevalues

import (
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/clock"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/config"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/engine"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/input"
)

const googleMarkup = `<!doctype html>
<html><body>
<div id="hdtb">
  <a id="images" href="/search?q=golang&tbm=isch">Images</a>
  <a id="jsnav" href="javascript:void(0)">More</a>
</div>
<div id="tads"><div data-text-ad="1"><a id="ad1" href="https://www.googleadservices.com/pagead/aclk?sa=L&ai=1">Ad</a></div></div>
<div id="rso">
  <div class="g" id="g1"><a id="r1" href="https://go.dev/"><h3 id="r1title">The Go Programming Language</h3></a></div>
  <div class="g" id="g2"><a id="r2" href="https://go.dev/doc/" target="_blank">Documentation</a></div>
  <div class="g" id="g3"><div data-attrid="kc:/x"><a id="r3" href="https://www.google.com/maps?q=go">Maps</a></div></div>
</div>
<g-section-with-header id="sp1"><span id="sp1text">Top stories</span></g-section-with-header>
</body></html>`

// staticPage is a Page over a parsed HTML string.
type staticPage struct {
	mu         sync.Mutex
	u          *url.URL
	root       *html.Node
	readyState string
	offsets    map[*html.Node][2]float64
}

func newStaticPage(t *testing.T, rawURL, markup string) *staticPage {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	root, err := html.Parse(strings.NewReader(markup))
	require.NoError(t, err)
	return &staticPage{
		u:          u,
		root:       root,
		readyState: ReadyStateComplete,
		offsets:    make(map[*html.Node][2]float64),
	}
}

func (p *staticPage) URL() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.u
}

func (p *staticPage) Root() *html.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root
}

func (p *staticPage) ReadyState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyState
}

func (p *staticPage) Offsets(n *html.Node) (float64, float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.offsets[n]
	return o[0], o[1], ok
}

func (p *staticPage) setURL(t *testing.T, rawURL string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	p.mu.Lock()
	p.u = u
	p.mu.Unlock()
}

func (p *staticPage) setReadyState(s string) {
	p.mu.Lock()
	p.readyState = s
	p.mu.Unlock()
}

func (p *staticPage) setOffsets(n *html.Node, top, bottom float64) {
	p.mu.Lock()
	p.offsets[n] = [2]float64{top, bottom}
	p.mu.Unlock()
}

func (p *staticPage) byID(t *testing.T, id string) *html.Node {
	t.Helper()
	n := findByID(p.Root(), id)
	require.NotNil(t, n, "no element #%s", id)
	return n
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// reportRecorder collects emitted reports.
type reportRecorder struct {
	mu      sync.Mutex
	reports []VisitReport
}

func (r *reportRecorder) Report(v VisitReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, v)
	return nil
}

func (r *reportRecorder) all() []VisitReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]VisitReport(nil), r.reports...)
}

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) //nolint:gochecknoglobals

type harness struct {
	pv    *PageValues
	page  *staticPage
	clock *clock.Manual
	sink  *reportRecorder
}

func newHarness(t *testing.T, engineName, rawURL, markup string, opts ...func(*config.Options)) *harness {
	t.Helper()

	reg, err := engine.Default()
	require.NoError(t, err)
	eng, err := reg.Engine(engineName)
	require.NoError(t, err)

	o := config.NewOptions()
	for _, fn := range opts {
		fn(o)
	}
	h := &harness{
		page:  newStaticPage(t, rawURL, markup),
		clock: clock.NewManual(testStart),
		sink:  &reportRecorder{},
	}
	h.pv = New(Config{
		PageID:  "page-1",
		Adapter: NewSelectorAdapter(eng, nil),
		Page:    h.page,
		Sink:    h.sink,
		Clock:   h.clock,
		Options: o,
	})
	return h
}

func (h *harness) at(d time.Duration) time.Time { return testStart.Add(d) }

func (h *harness) event(t *testing.T, typ input.EventType, id string, d time.Duration, mods input.Modifier) input.MouseEvent {
	t.Helper()
	return input.MouseEvent{
		Type:      typ,
		Target:    h.page.byID(t, id),
		Modifiers: mods,
		TimeStamp: h.at(d),
	}
}

// press delivers a mousedown followed by a click on element id.
func (h *harness) press(t *testing.T, id string, d time.Duration, mods input.Modifier) {
	t.Helper()
	h.pv.Mousedown(h.event(t, input.MouseDown, id, d, mods))
	h.pv.Click(h.event(t, input.Click, id, d, mods))
}
