package cdp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/oklog/ulid/v2"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp/domains"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/clock"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/correlator"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

const targetTypePage = "page"

// Navigator consumes the navigations the feed derives.
// *attribution.Tracker satisfies it.
type Navigator interface {
	HandleNavigation(attribution.NavigationEvent) (attribution.Record, bool)
	RemoveTab(tabID string)
}

// Relayer forwards new tab notifications to the opener tab's page.
// *correlator.Hub satisfies it.
type Relayer interface {
	Relay(correlator.Notification) bool
}

// Browser is the part of a DevTools connection the feed drives. *Client
// satisfies it.
type Browser interface {
	cdpext.Executor
	Subscribe(events ...cdproto.MethodType) (<-chan *Event, func())
}

// TabObserver is told about tab sessions and the navigations derived in
// them, after the Navigator has handled them.
type TabObserver interface {
	TabAttached(ctx context.Context, tabID string, sessionID target.SessionID)
	Navigated(ctx context.Context, ev attribution.NavigationEvent)
	TabClosed(tabID string)
}

var feedEvents = []cdproto.MethodType{
	cdproto.EventTargetTargetCreated,
	cdproto.EventTargetTargetDestroyed,
	cdproto.EventTargetAttachedToTarget,
	cdproto.EventTargetDetachedFromTarget,
	cdproto.EventPageFrameRequestedNavigation,
	cdproto.EventPageFrameNavigated,
	cdproto.EventPageNavigatedWithinDocument,
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithClock sets the time source of navigation timestamps.
func WithClock(c clock.Clock) FeedOption {
	return func(f *Feed) { f.clock = c }
}

// WithLogger sets the feed's logger.
func WithLogger(l *log.Logger) FeedOption {
	return func(f *Feed) { f.logger = l }
}

// WithPageIDGenerator replaces the ULID page id generator.
func WithPageIDGenerator(gen func() string) FeedOption {
	return func(f *Feed) { f.newPageID = gen }
}

// WithObserver registers o to follow tabs and their navigations.
func WithObserver(o TabObserver) FeedOption {
	return func(f *Feed) { f.observers = append(f.observers, o) }
}

// tab is what the feed knows about one page target.
type tab struct {
	id       string
	session  target.SessionID
	openerID string
	pageID   string

	// navigated is set after the first committed navigation.
	navigated bool
	// notified is set once the opener was told about this tab.
	notified bool
	// clicked is set when the pending navigation was requested by a click
	// on a link or a form submission in the tab.
	clicked bool
	// openedByClick is set when the tab asked for a link to be opened in a
	// new tab or window, and consumed by the tab that opens.
	openedByClick bool

	entries   map[int64]bool
	lastEntry int64
}

// Feed turns a browser's target and page events into NavigationEvents.
type Feed struct {
	browser   Browser
	page      domains.Page
	runtime   domains.Runtime
	target    domains.Target
	nav       Navigator
	relay     Relayer
	clock     clock.Clock
	logger    *log.Logger
	newPageID func() string
	observers []TabObserver

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	tabs     map[string]*tab
	sessions map[target.SessionID]string
}

// NewFeed returns a Feed deriving navigations from b for nav. relay may
// be nil.
func NewFeed(b Browser, nav Navigator, relay Relayer, opts ...FeedOption) *Feed {
	f := &Feed{
		browser:  b,
		page:     domains.NewPage(b),
		runtime:  domains.NewRuntime(b),
		target:   domains.NewTarget(b),
		nav:      nav,
		relay:    relay,
		clock:    clock.System(),
		ready:    make(chan struct{}),
		tabs:     make(map[string]*tab),
		sessions: make(map[target.SessionID]string),
	}
	entropy := ulid.Monotonic(rand.Reader, 0)
	var entropyMu sync.Mutex
	f.newPageID = func() string {
		entropyMu.Lock()
		defer entropyMu.Unlock()
		return ulid.MustNew(ulid.Timestamp(f.clock.Now()), entropy).String()
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = log.NullLogger()
	}
	return f
}

// Run subscribes to the browser's events, turns on target discovery and
// processes events until ctx is done or the connection closes.
func (f *Feed) Run(ctx context.Context) error {
	events, unsubscribe := f.browser.Subscribe(feedEvents...)
	defer unsubscribe()

	if err := f.target.SetDiscoverTargets(ctx, true); err != nil {
		return fmt.Errorf("starting navigation feed: %w", err)
	}
	if err := f.target.SetAutoAttach(ctx, true, true, true); err != nil {
		return fmt.Errorf("starting navigation feed: %w", err)
	}
	f.logger.Infof("Feed:Run", "following browser navigations")
	f.readyOnce.Do(func() { close(f.ready) })

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ErrClosed
			}
			f.handle(ctx, ev)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err() //nolint:wrapcheck
		}
	}
}

// Ready is closed once Run has turned on target discovery. Tabs opened
// after that are seen from their first navigation.
func (f *Feed) Ready() <-chan struct{} { return f.ready }

func (f *Feed) handle(ctx context.Context, ev *Event) {
	switch data := ev.Data.(type) {
	case *target.EventTargetCreated:
		f.targetCreated(data.TargetInfo)
	case *target.EventAttachedToTarget:
		f.attached(ctx, data)
	case *target.EventDetachedFromTarget:
		f.mu.Lock()
		if id, ok := f.sessions[data.SessionID]; ok {
			if t := f.tabs[id]; t != nil && t.session == data.SessionID {
				t.session = ""
			}
			delete(f.sessions, data.SessionID)
		}
		f.mu.Unlock()
	case *target.EventTargetDestroyed:
		f.targetDestroyed(string(data.TargetID))
	case *page.EventFrameRequestedNavigation:
		f.navigationRequested(ev.SessionID, data)
	case *page.EventFrameNavigated:
		if data.Frame == nil || data.Frame.ParentID != "" {
			return
		}
		f.navigated(ctx, ev.SessionID, data.Frame.URL+data.Frame.URLFragment, false)
	case *page.EventNavigatedWithinDocument:
		if !f.isMainFrame(ev.SessionID, data.FrameID) {
			return
		}
		f.navigated(ctx, ev.SessionID, data.URL, true)
	}
}

// tabLocked returns the tab of the target described by info, creating it
// when needed. f.mu must be held.
func (f *Feed) tabLocked(info *target.Info) *tab {
	id := string(info.TargetID)
	t, ok := f.tabs[id]
	if !ok {
		t = &tab{
			id:       id,
			openerID: string(info.OpenerID),
			entries:  make(map[int64]bool),
		}
		f.tabs[id] = t
	}
	if t.openerID == "" && info.OpenerID != "" && !t.navigated {
		t.openerID = string(info.OpenerID)
	}
	return t
}

func (f *Feed) targetCreated(info *target.Info) {
	if info == nil || info.Type != targetTypePage {
		return
	}
	f.mu.Lock()
	t := f.tabLocked(info)
	notify := f.shouldNotifyLocked(t, info.URL)
	f.mu.Unlock()

	f.logger.Debugf("Feed:targetCreated", "tid:%s opener:%q url:%q", t.id, t.openerID, info.URL)
	if notify {
		f.notify(t.openerID, info.URL)
	}
}

// shouldNotifyLocked reports whether the opener of t should now be told
// that t opened on rawURL, and marks it as told. f.mu must be held.
func (f *Feed) shouldNotifyLocked(t *tab, rawURL string) bool {
	if t.openerID == "" || t.notified || rawURL == "" || rawURL == "about:blank" {
		return false
	}
	t.notified = true
	return true
}

func (f *Feed) notify(openerID, rawURL string) {
	if f.relay == nil {
		return
	}
	f.relay.Relay(correlator.Notification{
		SourceTabID: openerID,
		URL:         rawURL,
		TimeStamp:   f.clock.Now(),
	})
}

func (f *Feed) attached(ctx context.Context, ev *target.EventAttachedToTarget) {
	info := ev.TargetInfo
	sctx := WithSessionID(ctx, ev.SessionID)
	if info == nil || info.Type != targetTypePage {
		if ev.WaitingForDebugger {
			f.resume(sctx, ev.SessionID)
		}
		return
	}

	f.mu.Lock()
	t := f.tabLocked(info)
	t.session = ev.SessionID
	f.sessions[ev.SessionID] = t.id
	f.mu.Unlock()

	if err := f.page.Enable(sctx); err != nil {
		f.logger.Warnf("Feed:attached", "tid:%s sid:%s %v", t.id, ev.SessionID, err)
	}
	for _, o := range f.observers {
		o.TabAttached(sctx, t.id, ev.SessionID)
	}
	if ev.WaitingForDebugger {
		f.resume(sctx, ev.SessionID)
	}
}

func (f *Feed) resume(ctx context.Context, sid target.SessionID) {
	if err := f.runtime.RunIfWaitingForDebugger(ctx); err != nil {
		f.logger.Warnf("Feed:resume", "sid:%s %v", sid, err)
	}
}

func (f *Feed) targetDestroyed(id string) {
	f.mu.Lock()
	t, ok := f.tabs[id]
	if ok {
		delete(f.tabs, id)
		if t.session != "" {
			delete(f.sessions, t.session)
		}
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	f.logger.Debugf("Feed:targetDestroyed", "tid:%s closed", id)
	f.nav.RemoveTab(id)
	for _, o := range f.observers {
		o.TabClosed(id)
	}
}

// tabOfLocked returns the tab attached as sid. f.mu must be held.
func (f *Feed) tabOfLocked(sid target.SessionID) *tab {
	id, ok := f.sessions[sid]
	if !ok {
		return nil
	}
	return f.tabs[id]
}

// isMainFrame reports whether frameID is the top-level frame of the tab
// attached as sid. The main frame of a page target shares its id.
func (f *Feed) isMainFrame(sid target.SessionID, frameID cdpext.FrameID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tabOfLocked(sid)
	return t != nil && t.id == string(frameID)
}

func isClickReason(r page.ClientNavigationReason) bool {
	switch r {
	case page.ClientNavigationReasonAnchorClick,
		page.ClientNavigationReasonFormSubmissionGet,
		page.ClientNavigationReasonFormSubmissionPost:
		return true
	}
	return false
}

func (f *Feed) navigationRequested(sid target.SessionID, ev *page.EventFrameRequestedNavigation) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := f.tabOfLocked(sid)
	if t == nil || t.id != string(ev.FrameID) {
		return
	}
	click := isClickReason(ev.Reason)
	switch ev.Disposition {
	case page.ClientNavigationDispositionNewTab, page.ClientNavigationDispositionNewWindow:
		t.openedByClick = click
	case page.ClientNavigationDispositionDownload:
	default:
		t.clicked = click
	}
}

// currentEntry returns the current history entry of the tab attached as
// sid.
func (f *Feed) currentEntry(ctx context.Context, sid target.SessionID) (*page.NavigationEntry, error) {
	current, entries, err := f.page.NavigationHistory(WithSessionID(ctx, sid))
	if err != nil {
		return nil, err
	}
	if current < 0 || current >= int64(len(entries)) || entries[current] == nil {
		return nil, fmt.Errorf("history index %d out of range (%d entries)", current, len(entries))
	}
	return entries[current], nil
}

func (f *Feed) navigated(ctx context.Context, sid target.SessionID, rawURL string, historyChange bool) {
	if rawURL == "" || rawURL == "about:blank" {
		return
	}
	entry, herr := f.currentEntry(ctx, sid)
	now := f.clock.Now()

	f.mu.Lock()
	t := f.tabOfLocked(sid)
	if t == nil {
		f.mu.Unlock()
		return
	}
	ev := attribution.NavigationEvent{
		PageID:          f.newPageID(),
		TabID:           t.id,
		URL:             rawURL,
		TransitionType:  attribution.TransitionUnknown,
		IsHistoryChange: historyChange,
		TimeStamp:       now,
	}
	if herr != nil {
		f.logger.Warnf("Feed:navigated", "tid:%s %v", t.id, herr)
	} else {
		ev.TransitionType, ev.TransitionQualifiers = mapTransition(entry.TransitionType)
		if t.entries[entry.ID] && entry.ID != t.lastEntry {
			ev.TransitionQualifiers = append(ev.TransitionQualifiers, attribution.QualifierForwardBack)
		}
		t.entries[entry.ID] = true
		t.lastEntry = entry.ID
	}

	var notify bool
	if opener, ok := f.tabs[t.openerID]; ok && !t.navigated && !historyChange {
		ev.IsOpenedTab = true
		ev.OpenerTabID = t.openerID
		ev.TabSourcePageID = opener.pageID
		ev.TabSourceClick = opener.openedByClick
		opener.openedByClick = false
	} else {
		ev.TabSourcePageID = t.pageID
		ev.TabSourceClick = t.clicked && !historyChange
	}
	if !historyChange {
		t.clicked = false
		t.navigated = true
		notify = f.shouldNotifyLocked(t, rawURL)
	}
	t.pageID = ev.PageID
	openerID := t.openerID
	f.mu.Unlock()

	if notify {
		f.notify(openerID, rawURL)
	}
	if rec, ok := f.nav.HandleNavigation(ev); ok {
		f.logger.Debugf("Feed:navigated", "tid:%s pid:%s %s attribution:%s", ev.TabID, ev.PageID, rec.Engine, rec.Attribution)
	}
	for _, o := range f.observers {
		o.Navigated(ctx, ev)
	}
}

// mapTransition converts a DevTools transition type into the browser
// transition vocabulary the tracker works with.
func mapTransition(tt page.TransitionType) (attribution.TransitionType, []attribution.Qualifier) {
	switch tt {
	case page.TransitionTypeLink:
		return attribution.TransitionLink, nil
	case page.TransitionTypeTyped:
		return attribution.TransitionTyped, nil
	case page.TransitionTypeAddressBar:
		return attribution.TransitionTyped, []attribution.Qualifier{attribution.QualifierFromAddressBar}
	case page.TransitionTypeAutoBookmark:
		return attribution.TransitionAutoBookmark, nil
	case page.TransitionTypeAutoSubframe:
		return attribution.TransitionAutoSubframe, nil
	case page.TransitionTypeManualSubframe:
		return attribution.TransitionManualSubframe, nil
	case page.TransitionTypeGenerated:
		return attribution.TransitionGenerated, nil
	case page.TransitionTypeAutoToplevel:
		return attribution.TransitionStartPage, nil
	case page.TransitionTypeFormSubmit:
		return attribution.TransitionFormSubmit, nil
	case page.TransitionTypeReload:
		return attribution.TransitionReload, nil
	case page.TransitionTypeKeyword:
		return attribution.TransitionKeyword, nil
	case page.TransitionTypeKeywordGenerated:
		return attribution.TransitionKeywordGenerated, nil
	}
	return attribution.TransitionUnknown, nil
}

// Tabs returns the number of page targets the feed follows.
func (f *Feed) Tabs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tabs)
}

// SessionOf returns the session tabID is attached as.
func (f *Feed) SessionOf(tabID string) (target.SessionID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[tabID]
	if !ok || t.session == "" {
		return "", false
	}
	return t.session, true
}
