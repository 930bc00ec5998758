// Package pagevalues tracks how a user interacts with one search engine
// result page: what the page shows, what is clicked and for how long the
// page has the user's attention. A VisitReport is emitted once per visit.
package pagevalues

import (
	"context"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"gopkg.in/guregu/null.v3"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/clock"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/config"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/engine"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/input"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

// State is the lifecycle state of a visit.
type State int

// Visit states.
const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateReported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateReported:
		return "reported"
	}
	return "unknown"
}

// Config is the set of collaborators of a PageValues instance.
type Config struct {
	PageID  string
	Adapter SerpAdapter
	Page    Page
	Sink    ReportSink
	Clock   clock.Clock
	Logger  *log.Logger
	Options *config.Options
}

type element struct {
	kind    Kind
	href    string
	ranking int
}

type mousedown struct {
	kind    Kind
	href    string
	ranking int
	at      time.Time
}

// PageValues is the interaction tracker of a result page. All methods are
// safe for concurrent use; timer callbacks and input events serialize on
// the instance.
type PageValues struct {
	adapter SerpAdapter
	page    Page
	sink    ReportSink
	clock   clock.Clock
	logger  *log.Logger
	opts    config.Options

	mu     sync.Mutex
	pageID string
	state  State
	closed bool
	// generation changes whenever the visit is reset, so that answers to
	// attribution requests made for an earlier visit are dropped.
	generation int

	refreshes    int
	refreshTimer clock.Timer
	lateTimer    clock.Timer

	elements map[*html.Node]element

	qualified     bool
	visitStart    time.Time
	query         string
	pageNumber    int
	attribution   null.String
	attributionID null.String

	organicDetails  []OrganicDetail
	selfPrefDetails []SelfPreferencedDetail
	numAdResults    int

	organicClicks     []OrganicClick
	numAdClicks       int
	numInternalClicks int
	numSelfPrefClicks int
	possibleInternal  time.Time
	possibleSelfPref  time.Time
	lastMousedown     *mousedown
	lastClick         time.Time

	hasAttention     bool
	attentionAcc     time.Duration
	lastAttentionSet time.Time

	// pending is a report produced while p.mu is held, emitted by unlock.
	pending *VisitReport
}

// New returns an idle PageValues instance. Call Start to begin tracking.
func New(cfg Config) *PageValues {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NullLogger()
	}
	if cfg.Options == nil {
		cfg.Options = config.NewOptions()
	}
	return &PageValues{
		adapter:  cfg.Adapter,
		page:     cfg.Page,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		opts:     *cfg.Options,
		pageID:   cfg.PageID,
		elements: make(map[*html.Node]element),
	}
}

// PageID returns the id of the current visit.
func (p *PageValues) PageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageID
}

// State returns the visit state.
func (p *PageValues) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins tracking a visit that started at ts.
func (p *PageValues) Start(ts time.Time) {
	p.mu.Lock()
	defer p.unlock()

	if p.closed || p.state != StateIdle {
		return
	}
	p.visitStart = ts
	p.lastAttentionSet = ts
	p.beginLoad()
}

// beginLoad scans the page and either polls until it is ready or treats it
// as loaded already. p.mu must be held.
func (p *PageValues) beginLoad() {
	p.state = StateLoading
	p.refreshes = 0
	p.scan()
	if p.state != StateLoading {
		return
	}
	if p.page.ReadyState() == ReadyStateComplete {
		p.markLoaded()
		return
	}
	p.scheduleRefresh()
}

func (p *PageValues) scheduleRefresh() {
	gen := p.generation
	p.refreshTimer = p.clock.AfterFunc(p.opts.RefreshInterval, func() { p.onRefresh(gen) })
}

// onRefresh runs a periodic rescan. A callback that fired before its
// timer was stopped finds the generation moved on and does nothing.
func (p *PageValues) onRefresh(gen int) {
	p.mu.Lock()
	defer p.unlock()

	if p.closed || p.state != StateLoading || gen != p.generation {
		return
	}
	p.refreshes++
	p.scan()
	if p.state != StateLoading {
		return
	}
	if p.page.ReadyState() == ReadyStateComplete {
		p.markLoaded()
		return
	}
	if p.refreshes >= p.opts.MaxRefreshes {
		p.logger.Debugf("PageValues:onRefresh", "pid:%s gave up polling after %d refreshes", p.pageID, p.refreshes)
		p.refreshTimer = nil
		return
	}
	p.scheduleRefresh()
}

// markLoaded moves the visit to Loaded and schedules the late rescan.
// p.mu must be held.
func (p *PageValues) markLoaded() {
	p.stopTimers()
	p.state = StateLoaded
	gen := p.generation
	p.lateTimer = p.clock.AfterFunc(p.opts.LateRefreshDelay, func() { p.onLateRefresh(gen) })
}

func (p *PageValues) onLateRefresh(gen int) {
	p.mu.Lock()
	defer p.unlock()

	if gen != p.generation {
		return
	}
	p.lateTimer = nil
	if p.closed || p.state != StateLoaded {
		return
	}
	p.scan()
}

func (p *PageValues) stopTimers() {
	if p.refreshTimer != nil {
		p.refreshTimer.Stop()
		p.refreshTimer = nil
	}
	if p.lateTimer != nil {
		p.lateTimer.Stop()
		p.lateTimer = nil
	}
}

// Refreshes returns how many periodic rescans ran during the current load.
func (p *PageValues) Refreshes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

// ReadyStateChanged handles a document ready state change.
func (p *PageValues) ReadyStateChanged(state string, _ time.Time) {
	p.mu.Lock()
	defer p.unlock()

	if p.closed || p.state != StateLoading || state != ReadyStateComplete {
		return
	}
	p.scan()
	if p.state == StateLoading {
		p.markLoaded()
	}
}

// Rescan scans the page now, e.g. after the host observed a DOM change.
func (p *PageValues) Rescan() {
	p.mu.Lock()
	defer p.unlock()

	if p.closed || p.state == StateIdle || p.state == StateReported {
		return
	}
	p.scan()
}

// scan rebuilds the element registry and the layout details from the
// current document. p.mu must be held.
func (p *PageValues) scan() {
	root := p.page.Root()
	u := p.page.URL()
	if root == nil || u == nil {
		return
	}
	doc := goquery.NewDocumentFromNode(root)
	if !p.adapter.IsSerpPage(u, doc) {
		if p.qualified && p.adapter.SinglePage() {
			p.logger.Debugf("PageValues:scan", "pid:%s %s is no longer a result page", p.pageID, u)
			p.pending = p.finishLocked(p.clock.Now(), false)
		}
		return
	}
	p.qualified = true
	p.query = p.adapter.Query(u)
	p.pageNumber = p.adapter.PageNumber(u)

	organic := p.adapter.OrganicResults(doc)
	ads := p.adapter.AdResults(doc)
	internal := p.adapter.InternalLinks(doc)
	selfPref := p.adapter.SelfPreferencedResults(doc)

	p.elements = make(map[*html.Node]element, len(organic)+len(ads)+len(internal)+len(selfPref))
	// Later kinds win when a node matches more than one selector.
	for _, group := range [][]Result{internal, selfPref, organic, ads} {
		for _, r := range group {
			if r.Node == nil {
				continue
			}
			href, _ := resolveHref(r.Href, u)
			p.elements[r.Node] = element{kind: r.Kind, href: href, ranking: r.Ranking}
		}
	}

	p.organicDetails = p.organicDetails[:0]
	for _, r := range organic {
		top, bottom, _ := p.page.Offsets(r.Node)
		p.organicDetails = append(p.organicDetails, OrganicDetail{
			Ranking:       r.Ranking,
			TopOffset:     top,
			BottomOffset:  bottom,
			OnlineService: r.OnlineService,
		})
	}
	p.selfPrefDetails = p.selfPrefDetails[:0]
	for _, r := range selfPref {
		top, bottom, _ := p.page.Offsets(r.Node)
		p.selfPrefDetails = append(p.selfPrefDetails, SelfPreferencedDetail{
			Ranking:      r.Ranking,
			TopOffset:    top,
			BottomOffset: bottom,
		})
	}
	p.numAdResults = len(ads)
}

// lookup returns the registered element n belongs to, walking up from n to
// the nearest registered ancestor.
func (p *PageValues) lookup(n *html.Node) (element, bool) {
	for ; n != nil; n = n.Parent {
		if el, ok := p.elements[n]; ok {
			return el, true
		}
	}
	return element{}, false
}

func (p *PageValues) active() bool {
	return !p.closed && (p.state == StateLoading || p.state == StateLoaded)
}

// Mousedown remembers the element the pointer went down on. Only the most
// recent mousedown is kept.
func (p *PageValues) Mousedown(ev input.MouseEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active() {
		return
	}
	el, ok := p.lookup(ev.Target)
	if !ok {
		return
	}
	href := el.href
	if h, ok := p.adapter.ResolveHref(ev.Target, p.page.URL()); ok {
		href = h
	}
	p.lastMousedown = &mousedown{kind: el.kind, href: href, ranking: el.ranking, at: ev.TimeStamp}
}

// Click records a click on a registered element. Clicks with a modifier
// key held open the link elsewhere and are counted through NewTabOpened.
func (p *PageValues) Click(ev input.MouseEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active() || ev.Modifiers.Any() {
		return
	}
	el, ok := p.lookup(ev.Target)
	if !ok {
		return
	}
	_, resolved := p.adapter.ResolveHref(ev.Target, p.page.URL())

	switch el.kind {
	case KindOrganic:
		p.recordOrganicClick(el.ranking, ev.TimeStamp)
	case KindAd:
		p.numAdClicks++
	case KindInternal:
		if resolved || el.href != "" {
			p.numInternalClicks++
		} else {
			p.possibleInternal = ev.TimeStamp
		}
	case KindSelfPreferenced:
		if resolved {
			p.numSelfPrefClicks++
		} else {
			p.possibleSelfPref = ev.TimeStamp
		}
	}
	p.lastClick = ev.TimeStamp
	p.logger.Debugf("PageValues:Click", "pid:%s kind:%s ranking:%d", p.pageID, el.kind, el.ranking)
}

func (p *PageValues) recordOrganicClick(ranking int, ts time.Time) {
	p.organicClicks = append(p.organicClicks, OrganicClick{
		Ranking:             ranking,
		AttentionDurationMs: p.attentionLocked(ts).Milliseconds(),
		PageLoaded:          p.state == StateLoaded,
	})
}

// NewTabOpened attributes a tab opened from this page's tab to the most
// recent mousedown when the tab's URL is where that element leads. A click
// recorded shortly before ts is taken to be the same user action, which
// also makes repeated delivery of the same notification harmless.
func (p *PageValues) NewTabOpened(rawURL string, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active() || p.lastMousedown == nil {
		return
	}
	if !p.lastClick.IsZero() && ts.Sub(p.lastClick) <= p.opts.ClickSuppressionWindow {
		p.logger.Debugf("PageValues:NewTabOpened", "pid:%s suppressed by recent click", p.pageID)
		return
	}
	md := p.lastMousedown
	target := engine.NormalizeTarget(rawURL)
	if target == "" {
		return
	}
	if target != engine.NormalizeTarget(md.href) && !p.adapter.IsRedirector(md.kind, rawURL) {
		return
	}
	switch md.kind {
	case KindOrganic:
		p.recordOrganicClick(md.ranking, ts)
	case KindAd:
		p.numAdClicks++
	case KindInternal:
		p.numInternalClicks++
	case KindSelfPreferenced:
		p.numSelfPrefClicks++
	}
	p.lastMousedown = nil
	p.lastClick = ts
	p.logger.Debugf("PageValues:NewTabOpened", "pid:%s kind:%s url:%s", p.pageID, md.kind, rawURL)
}

// SetAttention records a change of the page's attention state at ts.
func (p *PageValues) SetAttention(has bool, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case has && !p.hasAttention:
		p.lastAttentionSet = ts
	case !has && p.hasAttention:
		if d := ts.Sub(p.lastAttentionSet); d > 0 {
			p.attentionAcc += d
		}
		p.lastAttentionSet = ts
	}
	p.hasAttention = has
}

// AttentionDuration returns the attention time accumulated up to now.
func (p *PageValues) AttentionDuration(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attentionLocked(now)
}

func (p *PageValues) attentionLocked(now time.Time) time.Duration {
	d := p.attentionAcc
	if p.hasAttention {
		if in := now.Sub(p.lastAttentionSet); in > 0 {
			d += in
		}
	}
	return d
}

// Snapshot returns the report the current visit would produce if it ended
// at now. ok is false when the visit has not shown a result page.
func (p *PageValues) Snapshot(now time.Time) (r VisitReport, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp := p.buildLocked(now); rp != nil {
		return *rp, true
	}
	return VisitReport{}, false
}

// ApplyAttribution stores the attribution of the current visit.
func (p *PageValues) ApplyAttribution(resp attribution.QueryResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attribution = resp.Attribution
	p.attributionID = resp.AttributionID
}

// RequestAttribution asks q for the attribution of the current visit. An
// answer that arrives after the visit was reset or ended is dropped.
func (p *PageValues) RequestAttribution(ctx context.Context, q Querier) error {
	p.mu.Lock()
	gen := p.generation
	name := p.adapter.EngineName()
	p.mu.Unlock()

	resp, err := q.QueryAttribution(ctx, name)
	if err != nil {
		p.logger.Warnf("PageValues:RequestAttribution", "pid:%s querying attribution: %v", p.PageID(), err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation || p.closed || p.state == StateReported {
		return nil
	}
	p.attribution = resp.Attribution
	p.attributionID = resp.AttributionID
	return nil
}

// ResetTracking starts a new visit on the same document at ts, zeroing all
// counters while keeping the element registry, which is refreshed for the
// document as it is now.
func (p *PageValues) ResetTracking(ts time.Time) {
	p.mu.Lock()
	defer p.unlock()
	p.resetLocked(ts)
}

func (p *PageValues) resetLocked(ts time.Time) {
	if p.closed {
		return
	}
	p.stopTimers()
	p.generation++
	p.qualified = false
	p.visitStart = ts
	p.query = ""
	p.pageNumber = 0
	p.attribution = null.String{}
	p.attributionID = null.String{}
	p.organicDetails = nil
	p.selfPrefDetails = nil
	p.numAdResults = 0
	p.organicClicks = nil
	p.numAdClicks = 0
	p.numInternalClicks = 0
	p.numSelfPrefClicks = 0
	p.possibleInternal = time.Time{}
	p.possibleSelfPref = time.Time{}
	p.lastMousedown = nil
	p.lastClick = time.Time{}
	p.attentionAcc = 0
	p.lastAttentionSet = ts
	p.beginLoad()
}

// HistoryChanged handles a same-document URL change at ts. On engines
// whose result pages are single-page applications it ends the current
// visit and starts a new one under pageID; elsewhere it only rescans.
func (p *PageValues) HistoryChanged(pageID string, ts time.Time) {
	p.mu.Lock()
	var report *VisitReport
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.adapter.SinglePage() {
		if p.active() {
			p.scan()
		}
		p.unlock()
		return
	}
	if p.state != StateReported {
		report = p.buildLocked(ts)
	}
	p.pageID = pageID
	p.resetLocked(ts)
	p.unlock()

	p.emit(report)
}

// Stop ends the visit at ts and emits its report.
func (p *PageValues) Stop(ts time.Time) {
	p.finish(ts)
}

// Unload ends the visit when the document goes away.
func (p *PageValues) Unload(ts time.Time) {
	p.finish(ts)
}

func (p *PageValues) finish(ts time.Time) {
	p.mu.Lock()
	report := p.finishLocked(ts, true)
	p.mu.Unlock()

	p.emit(report)
}

// finishLocked ends the current visit and returns its report, if any, to
// be emitted once p.mu is released. A terminal finish also ends tracking
// of the document. p.mu must be held.
func (p *PageValues) finishLocked(ts time.Time, terminal bool) *VisitReport {
	p.stopTimers()
	if terminal {
		p.closed = true
	}
	if p.state == StateReported {
		return nil
	}
	report := p.buildLocked(ts)
	p.state = StateReported
	return report
}

// unlock releases p.mu and emits the report left pending by a scan.
func (p *PageValues) unlock() {
	r := p.pending
	p.pending = nil
	p.mu.Unlock()
	p.emit(r)
}

// buildLocked returns the report of the current visit, or nil when the
// visit never showed a result page. p.mu must be held.
func (p *PageValues) buildLocked(end time.Time) *VisitReport {
	if !p.qualified {
		return nil
	}
	internal := p.numInternalClicks
	if p.withinPossibleWindow(p.possibleInternal, end) {
		internal++
	}
	selfPref := p.numSelfPrefClicks
	if p.withinPossibleWindow(p.possibleSelfPref, end) {
		selfPref++
	}
	r := &VisitReport{
		Engine:                   p.adapter.EngineName(),
		PageID:                   p.pageID,
		Query:                    p.query,
		PageNumber:               p.pageNumber,
		Attribution:              p.attribution,
		AttributionID:            p.attributionID,
		PageVisitStart:           p.visitStart,
		PageVisitEnd:             end,
		AttentionDurationMs:      p.attentionLocked(end).Milliseconds(),
		OrganicDetails:           append([]OrganicDetail(nil), p.organicDetails...),
		NumAdResults:             p.numAdResults,
		OrganicClicks:            append([]OrganicClick(nil), p.organicClicks...),
		NumAdClicks:              p.numAdClicks,
		NumInternalClicks:        internal,
		NumSelfPreferencedClicks: selfPref,
		SelfPreferencedDetails:   append([]SelfPreferencedDetail(nil), p.selfPrefDetails...),
		PageLoaded:               p.state == StateLoaded,
	}
	if d := end.Sub(p.visitStart); d > 0 {
		r.DwellTimeMs = d.Milliseconds()
	}
	return r
}

func (p *PageValues) withinPossibleWindow(at, end time.Time) bool {
	if at.IsZero() {
		return false
	}
	d := end.Sub(at)
	return d >= 0 && d <= p.opts.PossibleClickWindow
}

func (p *PageValues) emit(r *VisitReport) {
	if r == nil || p.sink == nil {
		return
	}
	if err := p.sink.Report(*r); err != nil {
		p.logger.Errorf("PageValues:emit", "pid:%s reporting visit: %v", r.PageID, err)
		return
	}
	p.logger.Debugf("PageValues:emit", "pid:%s engine:%s reported", r.PageID, r.Engine)
}
