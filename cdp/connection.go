package cdp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

// connection is a websocket to a DevTools endpoint. Reads and writes must
// each happen on a single goroutine.
type connection struct {
	ws     *websocket.Conn
	wsURL  string
	logger *log.Logger
}

func newConnection(ctx context.Context, wsURL string, logger *log.Logger) (*connection, error) {
	wd := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// DOM snapshots and navigation histories can be large.
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
		Proxy:           http.ProxyFromEnvironment,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", wsURL, err)
	}
	ws.SetReadLimit(64 << 20)
	return &connection{ws: ws, wsURL: wsURL, logger: logger}, nil
}

func (c *connection) readMessage() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading CDP message: %w", err)
	}
	msg := new(cdproto.Message)
	if err := json.Unmarshal(buf, msg); err != nil {
		return nil, fmt.Errorf("unmarshaling CDP message: %w", err)
	}
	return msg, nil
}

func (c *connection) writeMessage(msg *cdproto.Message) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling CDP message %q: %w", msg.Method, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
		return fmt.Errorf("writing CDP message %q: %w", msg.Method, err)
	}
	return nil
}

func (c *connection) close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if err := c.ws.Close(); err != nil {
		return fmt.Errorf("closing connection to %q: %w", c.wsURL, err)
	}
	return nil
}
