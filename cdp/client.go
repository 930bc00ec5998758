// Package cdp talks to a browser over the Chrome DevTools Protocol and
// turns its navigation events into attribution input.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/cdp/domains"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

// ErrClosed is returned by commands sent on, or interrupted by, a closed
// connection.
var ErrClosed = errors.New("CDP connection closed")

var _ cdpext.Executor = &Client{}

// Client manages CDP communication with the browser.
type Client struct {
	ctx    context.Context
	logger *log.Logger

	Browser domains.Browser
	Page    domains.Page
	Runtime domains.Runtime
	Target  domains.Target

	conn      *connection
	msgID     int64
	sendCh    chan *cdproto.Message
	msgSubsMu sync.Mutex
	msgSubs   map[int64]chan *cdproto.Message
	watcher   *eventWatcher
	wsURL     string

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect().
func NewClient(ctx context.Context, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.NullLogger()
	}
	c := &Client{
		ctx:     ctx,
		logger:  logger,
		sendCh:  make(chan *cdproto.Message, 32), // Buffered to avoid blocking in Execute
		msgSubs: make(map[int64]chan *cdproto.Message),
		watcher: newEventWatcher(logger),
		done:    make(chan struct{}),
	}

	c.Browser = domains.NewBrowser(c)
	c.Page = domains.NewPage(c)
	c.Runtime = domains.NewRuntime(c)
	c.Target = domains.NewTarget(c)

	return c
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(wsURL string) (err error) {
	if c.wsURL != "" {
		return fmt.Errorf("CDP connection already established to %q", c.wsURL)
	}

	if c.conn, err = newConnection(c.ctx, wsURL, c.logger); err != nil {
		return err
	}
	c.logger.Infof("cdp", "established CDP connection to %q", wsURL)
	c.wsURL = wsURL

	c.wg.Add(2)
	go c.recvLoop()
	go c.sendLoop()

	return nil
}

// Close disconnects from the browser and waits for the connection loops to
// stop.
func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that broke the connection. It is nil while the
// connection is up and after a clean Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.watcher.close()
		if c.conn != nil {
			if cerr := c.conn.close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				c.logger.Debugf("Client:shutdown", "wsURL:%q err:%v", c.wsURL, cerr)
			}
		}
	})
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive. The command goes to the session set on ctx with WithSessionID.
func (c *Client) Execute(ctx context.Context, method string, params, res any) error {
	c.logger.Debugf("Client:Execute", "wsURL:%q method:%q", c.wsURL, method)

	msg := &cdproto.Message{
		ID:     atomic.AddInt64(&c.msgID, 1),
		Method: cdproto.MethodType(method),
		// We use different sessions to send messages to "targets"
		// (browser, page, frame etc.) in CDP. Without a session the
		// message is for the browser target.
		SessionID: GetSessionID(ctx),
	}
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
		msg.Params = buf
	}

	// Block waiting for the response with the matching message ID.
	recvCh := make(chan *cdproto.Message, 1)
	c.msgSubsMu.Lock()
	c.msgSubs[msg.ID] = recvCh
	c.msgSubsMu.Unlock()
	defer func() {
		c.msgSubsMu.Lock()
		delete(c.msgSubs, msg.ID)
		c.msgSubsMu.Unlock()
	}()

	select {
	case c.sendCh <- msg:
	case <-c.done:
		return fmt.Errorf("sending %s: %w", method, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("sending %s: %w", method, ctx.Err())
	}

	select {
	case reply := <-recvCh:
		switch {
		case reply.Error != nil:
			return fmt.Errorf("%s: %w", method, reply.Error)
		case res != nil && len(reply.Result) > 0:
			if err := json.Unmarshal(reply.Result, res); err != nil {
				return fmt.Errorf("unmarshaling %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("waiting for %s: %w", method, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", method, ctx.Err())
	}
}

// Subscribe returns a channel that will be notified when the provided CDP
// events are received, and a cancellation function that will unsubscribe
// and close the channel. The channel is also closed when the connection
// goes away.
func (c *Client) Subscribe(events ...cdproto.MethodType) (<-chan *Event, func()) {
	return c.watcher.subscribe(events...)
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr), errors.Is(err, net.ErrClosed):
				c.shutdown(nil)
			default:
				select {
				case <-c.done:
				default:
					c.logger.Errorf("Client:recvLoop", "wsURL:%q ioErr:%v", c.wsURL, err)
				}
				c.shutdown(err)
			}
			return
		}

		switch {
		case msg.Method != "":
			evt, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				c.logger.Debugf("Client:recvLoop", "unmarshaling CDP event %s: %v", msg.Method, err)
				continue
			}
			c.watcher.notify(&Event{
				Name:      msg.Method,
				SessionID: msg.SessionID,
				Data:      evt,
			})
		case msg.ID > 0:
			c.msgSubsMu.Lock()
			ch, ok := c.msgSubs[msg.ID]
			delete(c.msgSubs, msg.ID)
			c.msgSubsMu.Unlock()
			if !ok {
				c.logger.Debugf("Client:recvLoop", "wsURL:%q no caller for message %d", c.wsURL, msg.ID)
				continue
			}
			ch <- msg
		default:
			c.logger.Errorf("Client:recvLoop", "ignoring malformed incoming CDP message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.conn.writeMessage(msg); err != nil {
				c.logger.Errorf("Client:sendLoop", "wsURL:%q mid:%d: %v", c.wsURL, msg.ID, err)
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		case <-c.ctx.Done():
			c.logger.Debugf("Client:sendLoop", "returning, ctx.Err: %q", c.ctx.Err())
			c.shutdown(nil)
			return
		}
	}
}
