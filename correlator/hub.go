// Package correlator relays "a tab was opened from tab X" notifications to
// the interaction tracker running in tab X.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

// DefaultQueueSize is the per-tab notification buffer size.
const DefaultQueueSize = 16

// Notification tells a page that a tab was opened from its tab.
type Notification struct {
	SourceTabID string    `json:"sourceTabId"`
	URL         string    `json:"url"`
	TimeStamp   time.Time `json:"timeStamp"`
}

// Receiver consumes notifications for one tab.
type Receiver interface {
	NewTabOpened(url string, ts time.Time)
}

// ReceiverFunc adapts a function to a Receiver.
type ReceiverFunc func(url string, ts time.Time)

// NewTabOpened calls f(url, ts).
func (f ReceiverFunc) NewTabOpened(url string, ts time.Time) { f(url, ts) }

type mailbox struct {
	tabID string
	recv  Receiver
	ch    chan Notification
	done  chan struct{}
	once  sync.Once
}

func (mb *mailbox) close() {
	mb.once.Do(func() { close(mb.done) })
}

// Hub delivers notifications to every receiver registered for their source
// tab. Delivery is asynchronous and in order per receiver. A notification
// for a tab without a receiver is dropped, as is its copy for a receiver
// that is falling behind.
type Hub struct {
	ctx       context.Context
	logger    *log.Logger
	queueSize int

	mu     sync.RWMutex
	tabs   map[string][]*mailbox
	closed bool
	wg     sync.WaitGroup
}

// NewHub returns a Hub whose deliveries stop when ctx is done.
func NewHub(ctx context.Context, logger *log.Logger, queueSize int) *Hub {
	if logger == nil {
		logger = log.NullLogger()
	}
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		ctx:       ctx,
		logger:    logger,
		queueSize: queueSize,
		tabs:      make(map[string][]*mailbox),
	}
}

// Register adds r to the receivers of tabID. The returned function
// unregisters r; calling it more than once is harmless.
func (h *Hub) Register(tabID string, r Receiver) (unregister func()) {
	mb := &mailbox{
		tabID: tabID,
		recv:  r,
		ch:    make(chan Notification, h.queueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	h.tabs[tabID] = append(h.tabs[tabID], mb)
	if n := len(h.tabs[tabID]); n > 1 {
		h.logger.Debugf("Hub:Register", "tid:%s has %d receivers", tabID, n)
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go h.deliver(mb)

	return func() {
		h.mu.Lock()
		h.remove(tabID, mb)
		h.mu.Unlock()
		mb.close()
	}
}

// remove drops mb from the receivers of tabID. h.mu must be held.
func (h *Hub) remove(tabID string, mb *mailbox) {
	boxes := h.tabs[tabID]
	for i, b := range boxes {
		if b != mb {
			continue
		}
		boxes = append(boxes[:i:i], boxes[i+1:]...)
		break
	}
	if len(boxes) == 0 {
		delete(h.tabs, tabID)
		return
	}
	h.tabs[tabID] = boxes
}

func (h *Hub) deliver(mb *mailbox) {
	defer h.wg.Done()
	for {
		select {
		case n := <-mb.ch:
			mb.recv.NewTabOpened(n.URL, n.TimeStamp)
		case <-mb.done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Relay queues n for the receivers of n.SourceTabID. It reports whether n
// was queued for at least one of them.
func (h *Hub) Relay(n Notification) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	boxes := h.tabs[n.SourceTabID]
	if len(boxes) == 0 {
		h.logger.Debugf("Hub:Relay", "tid:%s no receiver, dropping %q", n.SourceTabID, n.URL)
		return false
	}
	queued := false
	for _, mb := range boxes {
		select {
		case mb.ch <- n:
			queued = true
		case <-h.ctx.Done():
			return queued
		default:
			h.logger.Warnf("Hub:Relay", "tid:%s queue full, dropping %q", n.SourceTabID, n.URL)
		}
	}
	return queued
}

// Registered reports whether tabID has a receiver.
func (h *Hub) Registered(tabID string) bool {
	return h.Receivers(tabID) > 0
}

// Receivers returns how many receivers tabID has.
func (h *Hub) Receivers(tabID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs[tabID])
}

// Close unregisters every receiver and waits for deliveries in progress.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, boxes := range h.tabs {
		for _, mb := range boxes {
			mb.close()
		}
		delete(h.tabs, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
