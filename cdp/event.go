package cdp

import (
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

const eventBufferSize = 256

// Event is a decoded CDP event.
type Event struct {
	Name cdproto.MethodType
	// SessionID is the session of the target that sent the event, or empty
	// for browser events.
	SessionID target.SessionID
	Data      any
}

type subscription struct {
	ch   chan *Event
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// eventWatcher fans events out to their subscribers.
type eventWatcher struct {
	logger *log.Logger
	subsMu sync.RWMutex
	subs   map[cdproto.MethodType]map[*subscription]struct{}
	closed bool
}

func newEventWatcher(logger *log.Logger) *eventWatcher {
	return &eventWatcher{
		logger: logger,
		subs:   make(map[cdproto.MethodType]map[*subscription]struct{}),
	}
}

// subscribe returns a channel receiving the given events and a function
// that unsubscribes and closes the channel.
func (w *eventWatcher) subscribe(events ...cdproto.MethodType) (<-chan *Event, func()) {
	sub := &subscription{ch: make(chan *Event, eventBufferSize)}

	w.subsMu.Lock()
	if w.closed {
		w.subsMu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	for _, evt := range events {
		if w.subs[evt] == nil {
			w.subs[evt] = make(map[*subscription]struct{})
		}
		w.subs[evt][sub] = struct{}{}
	}
	w.subsMu.Unlock()

	return sub.ch, func() {
		w.subsMu.Lock()
		for _, evt := range events {
			delete(w.subs[evt], sub)
		}
		w.subsMu.Unlock()
		sub.close()
	}
}

func (w *eventWatcher) notify(evt *Event) {
	w.subsMu.RLock()
	defer w.subsMu.RUnlock()

	for sub := range w.subs[evt.Name] {
		select {
		case sub.ch <- evt:
		default:
			w.logger.Warnf("eventWatcher:notify", "sid:%v subscriber is full, dropping %s", evt.SessionID, evt.Name)
		}
	}
}

// close closes every subscription.
func (w *eventWatcher) close() {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	w.closed = true
	for evt, subs := range w.subs {
		for sub := range subs {
			sub.close()
		}
		delete(w.subs, evt)
	}
}
