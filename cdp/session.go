package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"golang.org/x/net/html"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp/domains"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp/js"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/clock"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/input"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
)

const (
	attrTop    = "data-serpwatch-top"
	attrBottom = "data-serpwatch-bottom"

	snapshotTimeout = 2 * time.Second
	// snapshotMaxAge is how long a snapshot is reused before Root takes a
	// new one.
	snapshotMaxAge = 100 * time.Millisecond
)

var _ pagevalues.Page = &PageSession{}

// PageSession is the document of one attached tab, as seen through DOM
// snapshots taken over CDP.
type PageSession struct {
	ctx     context.Context
	page    domains.Page
	runtime domains.Runtime
	clock   clock.Clock
	logger  *log.Logger

	mu         sync.Mutex
	url        *url.URL
	root       *html.Node
	readyState string
	attention  *bool
	// mutations is the page's DOM change count when the snapshot was taken.
	mutations int
	takenAt   time.Time
}

// NewPageSession returns the session of the tab that ctx is routed to with
// WithSessionID.
func NewPageSession(ctx context.Context, exec Browser, c clock.Clock, logger *log.Logger) *PageSession {
	if c == nil {
		c = clock.System()
	}
	if logger == nil {
		logger = log.NullLogger()
	}
	return &PageSession{
		ctx:     ctx,
		page:    domains.NewPage(exec),
		runtime: domains.NewRuntime(exec),
		clock:   c,
		logger:  logger,
	}
}

// Install registers the event binding and the instrumentation script for
// every document the tab loads from now on.
func (s *PageSession) Install(ctx context.Context) error {
	if err := s.runtime.Enable(ctx); err != nil {
		return err
	}
	if err := s.runtime.AddBinding(ctx, js.BindingName); err != nil {
		return err
	}
	return s.page.AddScriptToEvaluateOnNewDocument(ctx, js.InstrumentScript)
}

type snapshot struct {
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
	Attention  *bool  `json:"attention"`
	Mutations  int    `json:"mutations"`
	HTML       string `json:"html"`
}

// Refresh takes a new snapshot of the document.
func (s *PageSession) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	v, err := s.runtime.Evaluate(ctx, js.SnapshotScript)
	if err != nil {
		return fmt.Errorf("taking DOM snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(v, &snap); err != nil {
		return fmt.Errorf("reading DOM snapshot: %w", err)
	}
	return s.load(snap)
}

func (s *PageSession) load(snap snapshot) error {
	u, err := url.Parse(snap.URL)
	if err != nil {
		return fmt.Errorf("parsing document URL: %w", err)
	}
	var root *html.Node
	if snap.HTML != "" {
		if root, err = html.Parse(strings.NewReader(snap.HTML)); err != nil {
			return fmt.Errorf("parsing DOM snapshot: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = u
	s.root = root
	s.readyState = snap.ReadyState
	s.attention = snap.Attention
	s.mutations = snap.Mutations
	s.takenAt = s.clock.Now()
	return nil
}

func (s *PageSession) refreshIfStale() {
	s.mu.Lock()
	fresh := s.root != nil && s.clock.Now().Sub(s.takenAt) < snapshotMaxAge
	s.mu.Unlock()
	if fresh {
		return
	}
	if err := s.Refresh(s.ctx); err != nil {
		s.logger.Debugf("PageSession:refresh", "%v", err)
	}
}

// Sync takes a new snapshot if ev was raised on DOM changes the current
// snapshot does not have. It reports whether the snapshot changed.
func (s *PageSession) Sync(ev PageEvent) bool {
	s.mu.Lock()
	stale := s.root != nil && ev.Mutations > s.mutations
	s.mu.Unlock()
	if !stale {
		return false
	}
	if err := s.Refresh(s.ctx); err != nil {
		s.logger.Debugf("PageSession:Sync", "%v", err)
		return false
	}
	return true
}

// URL implements pagevalues.Page.
func (s *PageSession) URL() *url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Root implements pagevalues.Page. It takes a new snapshot unless the
// current one is very recent.
func (s *PageSession) Root() *html.Node {
	s.refreshIfStale()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// ReadyState implements pagevalues.Page.
func (s *PageSession) ReadyState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyState
}

// Attention reports whether the document was visible and focused when the
// latest snapshot was taken. known is false before the first snapshot.
func (s *PageSession) Attention() (has, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attention == nil {
		return false, false
	}
	return *s.attention, true
}

// Offsets implements pagevalues.Page.
func (s *PageSession) Offsets(n *html.Node) (top, bottom float64, ok bool) {
	var okTop, okBottom bool
	for _, a := range n.Attr {
		switch a.Key {
		case attrTop:
			top, okTop = parseOffset(a.Val)
		case attrBottom:
			bottom, okBottom = parseOffset(a.Val)
		}
	}
	return top, bottom, okTop && okBottom
}

func parseOffset(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

// NodeAt resolves an element path, the element child indices from the
// document element down, against the latest snapshot.
func (s *PageSession) NodeAt(path []int) *html.Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := documentElement(s.root)
	for _, idx := range path {
		if n == nil {
			return nil
		}
		n = childElement(n, idx)
	}
	return n
}

func documentElement(root *html.Node) *html.Node {
	if root == nil {
		return nil
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

func childElement(n *html.Node, idx int) *html.Node {
	i := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if i == idx {
			return c
		}
		i++
	}
	return nil
}

// PageEventType names an event reported by the instrumentation script.
type PageEventType string

// Page event types.
const (
	PageEventMousedown  PageEventType = "mousedown"
	PageEventClick      PageEventType = "click"
	PageEventReadyState PageEventType = "readystatechange"
	PageEventAttention  PageEventType = "attention"
	PageEventUnload     PageEventType = "unload"
	PageEventMutation   PageEventType = "mutation"
)

// PageEvent is a binding payload of the instrumentation script.
type PageEvent struct {
	Type       PageEventType `json:"type"`
	Path       []int         `json:"path"`
	Button     int           `json:"button"`
	Alt        bool          `json:"alt"`
	Ctrl       bool          `json:"ctrl"`
	Meta       bool          `json:"meta"`
	Shift      bool          `json:"shift"`
	ReadyState string        `json:"readyState"`
	Attention  bool          `json:"attention"`
	// Mutations counts the DOM changes the page saw before the event.
	Mutations int `json:"mutations"`
	// TimeStamp is in milliseconds since Origin, the document's time
	// origin in milliseconds since the Unix epoch.
	TimeStamp float64 `json:"timeStamp"`
	Origin    float64 `json:"origin"`
}

// ParsePageEvent decodes a binding payload.
func ParsePageEvent(payload string) (PageEvent, error) {
	var ev PageEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("decoding page event: %w", err)
	}
	if ev.Type == "" {
		return ev, errors.New("decoding page event: missing type")
	}
	return ev, nil
}

// Time returns when the event happened.
func (ev PageEvent) Time() time.Time {
	origin := time.UnixMicro(int64(ev.Origin * 1000))
	return clock.NewTranslator(origin, 0).FromMilliseconds(ev.TimeStamp)
}

// Modifiers returns the modifier keys held during a mouse event.
func (ev PageEvent) Modifiers() input.Modifier {
	var m input.Modifier
	if ev.Alt {
		m |= input.ModifierAlt
	}
	if ev.Ctrl {
		m |= input.ModifierControl
	}
	if ev.Meta {
		m |= input.ModifierMeta
	}
	if ev.Shift {
		m |= input.ModifierShift
	}
	return m
}

// MouseEvent resolves a mousedown or click event against the latest
// snapshot of s.
func (s *PageSession) MouseEvent(ev PageEvent) (input.MouseEvent, bool) {
	var typ input.EventType
	switch ev.Type {
	case PageEventMousedown:
		typ = input.MouseDown
	case PageEventClick:
		typ = input.Click
	default:
		return input.MouseEvent{}, false
	}
	n := s.NodeAt(ev.Path)
	if n == nil {
		return input.MouseEvent{}, false
	}
	return input.MouseEvent{
		Type:      typ,
		Target:    n,
		Button:    input.MouseButton(ev.Button),
		Modifiers: ev.Modifiers(),
		TimeStamp: ev.Time(),
	}, true
}
