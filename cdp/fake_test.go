package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/correlator"
)

type command struct {
	method  string
	session target.SessionID
}

// fakeBrowser answers the commands the feed and page sessions send.
type fakeBrowser struct {
	mu       sync.Mutex
	commands []command
	history  map[target.SessionID]*page.GetNavigationHistoryReturns
	snapshot jsontext.Value
	events   chan *Event
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		history: make(map[target.SessionID]*page.GetNavigationHistoryReturns),
		events:  make(chan *Event, 16),
	}
}

func (b *fakeBrowser) Execute(ctx context.Context, method string, _, res any) error {
	sid := GetSessionID(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, command{method, sid})

	switch method {
	case page.CommandGetNavigationHistory:
		h, ok := b.history[sid]
		if !ok {
			return &cdproto.Error{Code: -32000, Message: "no history"}
		}
		*res.(*page.GetNavigationHistoryReturns) = *h
	case runtime.CommandEvaluate:
		res.(*runtime.EvaluateReturns).Result = &runtime.RemoteObject{Value: b.snapshot}
	}
	return nil
}

func (b *fakeBrowser) Subscribe(...cdproto.MethodType) (<-chan *Event, func()) {
	return b.events, func() {}
}

// setHistory makes entry the current one of the session's history.
func (b *fakeBrowser) setHistory(sid target.SessionID, current int64, entries ...*page.NavigationEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[sid] = &page.GetNavigationHistoryReturns{CurrentIndex: current, Entries: entries}
}

func (b *fakeBrowser) sent() []command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]command(nil), b.commands...)
}

type navRecorder struct {
	mu      sync.Mutex
	events  []attribution.NavigationEvent
	removed []string
}

func (r *navRecorder) HandleNavigation(ev attribution.NavigationEvent) (attribution.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return attribution.Record{}, false
}

func (r *navRecorder) RemoveTab(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, tabID)
}

func (r *navRecorder) last() attribution.NavigationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *navRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type relayRecorder struct {
	mu    sync.Mutex
	notes []correlator.Notification
}

func (r *relayRecorder) Relay(n correlator.Notification) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return true
}

func (r *relayRecorder) all() []correlator.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]correlator.Notification(nil), r.notes...)
}

func sequentialIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func targetInfo(id, opener, rawURL string) *target.Info {
	return &target.Info{
		TargetID: target.ID(id),
		Type:     targetTypePage,
		URL:      rawURL,
		OpenerID: target.ID(opener),
	}
}

func created(info *target.Info) *Event {
	return &Event{Name: cdproto.EventTargetTargetCreated, Data: &target.EventTargetCreated{TargetInfo: info}}
}

func attachedEv(sid string, info *target.Info) *Event {
	return &Event{
		Name: cdproto.EventTargetAttachedToTarget,
		Data: &target.EventAttachedToTarget{
			SessionID:          target.SessionID(sid),
			TargetInfo:         info,
			WaitingForDebugger: true,
		},
	}
}

func frameNavigated(sid, frameID, parentID, rawURL string) *Event {
	return &Event{
		Name:      cdproto.EventPageFrameNavigated,
		SessionID: target.SessionID(sid),
		Data: &page.EventFrameNavigated{
			Frame: &cdpext.Frame{ID: cdpext.FrameID(frameID), ParentID: cdpext.FrameID(parentID), URL: rawURL},
		},
	}
}

func withinDocument(sid, frameID, rawURL string) *Event {
	return &Event{
		Name:      cdproto.EventPageNavigatedWithinDocument,
		SessionID: target.SessionID(sid),
		Data:      &page.EventNavigatedWithinDocument{FrameID: cdpext.FrameID(frameID), URL: rawURL},
	}
}

func requested(sid, frameID string, reason page.ClientNavigationReason, disp page.ClientNavigationDisposition) *Event {
	return &Event{
		Name:      cdproto.EventPageFrameRequestedNavigation,
		SessionID: target.SessionID(sid),
		Data: &page.EventFrameRequestedNavigation{
			FrameID:     cdpext.FrameID(frameID),
			Reason:      reason,
			Disposition: disp,
		},
	}
}

func entry(id int64, rawURL string, tt page.TransitionType) *page.NavigationEntry {
	return &page.NavigationEntry{ID: id, URL: rawURL, TransitionType: tt}
}
