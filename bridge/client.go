package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/correlator"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
)

var (
	_ pagevalues.Querier    = &Client{}
	_ pagevalues.ReportSink = &Client{}
)

// RemoteError is an error reply from the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "bridge: " + e.Message
}

// Client is the page context side of a bridge connection.
type Client struct {
	conn
	logger *log.Logger
	tabID  string
	url    string

	msgID     int64
	msgSubsMu sync.Mutex
	msgSubs   map[int64]chan *Envelope

	mu     sync.RWMutex
	pageID string
	recv   correlator.Receiver

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the bridge server at wsURL and registers the client as
// the page pageID of tab tabID.
func Dial(ctx context.Context, wsURL, tabID, pageID string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NullLogger()
	}
	wd := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dialing bridge %q: %w", wsURL, err)
	}

	c := &Client{
		conn:    conn{ws: ws},
		logger:  logger,
		tabID:   tabID,
		url:     wsURL,
		msgSubs: make(map[int64]chan *Envelope),
		pageID:  pageID,
		done:    make(chan struct{}),
	}
	if err := c.hello(); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go c.recvLoop()

	logger.Debugf("Client:Dial", "tid:%s pid:%s connected to %q", tabID, pageID, wsURL)
	return c, nil
}

func (c *Client) hello() error {
	c.mu.RLock()
	h := Hello{TabID: c.tabID, PageID: c.pageID}
	c.mu.RUnlock()
	return c.write(MessageHello, 0, c.tabID, &h)
}

// TabID returns the tab the client is registered for.
func (c *Client) TabID() string { return c.tabID }

// SetPageID moves the client to a new page of its tab.
func (c *Client) SetPageID(pageID string) error {
	c.mu.Lock()
	c.pageID = pageID
	c.mu.Unlock()
	return c.hello()
}

// SetReceiver makes r the target of new tab notifications pushed by the
// server.
func (c *Client) SetReceiver(r correlator.Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = r
}

// QueryAttribution implements pagevalues.Querier.
func (c *Client) QueryAttribution(ctx context.Context, searchEngine string) (attribution.QueryResponse, error) {
	var none attribution.QueryResponse

	c.mu.RLock()
	req := AttributionRequest{SearchEngine: searchEngine, PageID: c.pageID}
	c.mu.RUnlock()

	env, err := c.roundTrip(ctx, MessageAttributionRequest, &req)
	if err != nil {
		return none, err
	}
	var resp AttributionResponse
	if err := unmarshalData(env.Data, &resp); err != nil {
		return none, fmt.Errorf("reading attribution response: %w", err)
	}
	return attribution.QueryResponse{
		AttributionID: resp.AttributionID,
		Attribution:   resp.Attribution,
	}, nil
}

// Report implements pagevalues.ReportSink by uploading r to the server.
func (c *Client) Report(r pagevalues.VisitReport) error {
	data, err := marshalReport(r)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.write(MessageVisitReport, atomic.AddInt64(&c.msgID, 1), c.tabID, data)
}

func (c *Client) roundTrip(ctx context.Context, typ MessageType, data easyjson.Marshaler) (*Envelope, error) {
	id := atomic.AddInt64(&c.msgID, 1)
	ch := make(chan *Envelope, 1)
	c.msgSubsMu.Lock()
	c.msgSubs[id] = ch
	c.msgSubsMu.Unlock()
	defer func() {
		c.msgSubsMu.Lock()
		delete(c.msgSubs, id)
		c.msgSubsMu.Unlock()
	}()

	if err := c.write(typ, id, c.tabID, data); err != nil {
		return nil, err
	}

	select {
	case env := <-ch:
		if env.Type == MessageError {
			var e ErrorData
			_ = unmarshalData(env.Data, &e)
			return nil, &RemoteError{Message: e.Message}
		}
		return env, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s reply: %w", typ, ctx.Err())
	}
}

func (c *Client) recvLoop() {
	defer c.shutdown(nil)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !isClosure(err) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debugf("Client:recvLoop", "tid:%s read: %v", c.tabID, err)
				c.shutdown(err)
			}
			return
		}
		env, err := decode(raw)
		if err != nil {
			c.logger.Warnf("Client:recvLoop", "tid:%s %v", c.tabID, err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *Envelope) {
	if env.ID > 0 {
		c.msgSubsMu.Lock()
		ch, ok := c.msgSubs[env.ID]
		delete(c.msgSubs, env.ID)
		c.msgSubsMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	switch env.Type {
	case MessageNewTab:
		var n NewTab
		if err := unmarshalData(env.Data, &n); err != nil {
			c.logger.Warnf("Client:dispatch", "tid:%s invalid new tab notification: %v", c.tabID, err)
			return
		}
		c.mu.RLock()
		recv := c.recv
		c.mu.RUnlock()
		if recv == nil {
			return
		}
		recv.NewTabOpened(n.URL, time.UnixMilli(n.TimeStamp))
	case MessageError:
		var e ErrorData
		_ = unmarshalData(env.Data, &e)
		c.logger.Warnf("Client:dispatch", "tid:%s mid:%d server error: %s", c.tabID, env.ID, e.Message)
	default:
		c.logger.Debugf("Client:dispatch", "tid:%s ignoring %q mid:%d", c.tabID, env.Type, env.ID)
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that broke the connection, if any.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Close disconnects from the server and waits for the receive loop to
// stop.
func (c *Client) Close() error {
	err := c.closeGracefully()
	<-c.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing bridge connection: %w", err)
	}
	return nil
}
