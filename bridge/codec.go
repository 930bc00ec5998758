package bridge

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"
	"github.com/oxtoacart/bpool"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
)

// ErrClosed is returned when using a closed connection.
var ErrClosed = errors.New("bridge connection closed")

var bufPool = bpool.NewBufferPool(64)

// encode serializes an envelope carrying data into a pooled buffer. The
// caller must return the buffer with bufPool.Put.
func encode(typ MessageType, id int64, tabID string, data easyjson.Marshaler) (*bytes.Buffer, error) {
	env := Envelope{Type: typ, ID: id, TabID: tabID}
	if data != nil {
		raw, err := easyjson.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s data: %w", typ, err)
		}
		env.Data = raw
	}

	var w jwriter.Writer
	env.MarshalEasyJSON(&w)
	if w.Error != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", typ, w.Error)
	}
	buf := bufPool.Get()
	if _, err := w.DumpTo(buf); err != nil {
		bufPool.Put(buf)
		return nil, fmt.Errorf("buffering %s envelope: %w", typ, err)
	}
	return buf, nil
}

func decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := easyjson.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("unmarshaling envelope: missing type")
	}
	return &env, nil
}

// conn serializes writes to a websocket, which supports one concurrent
// writer.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(typ MessageType, id int64, tabID string, data easyjson.Marshaler) error {
	buf, err := encode(typ, id, tabID, data)
	if err != nil {
		return err
	}
	defer bufPool.Put(buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", typ, err)
	}
	return nil
}

// closeGracefully sends a close frame before closing the socket.
func (c *conn) closeGracefully() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close() //nolint:wrapcheck
}

func unmarshalData(data easyjson.RawMessage, v easyjson.Unmarshaler) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	return easyjson.Unmarshal(data, v) //nolint:wrapcheck
}

func marshalReport(r pagevalues.VisitReport) (*easyjson.RawMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling visit report: %w", err)
	}
	raw := easyjson.RawMessage(b)
	return &raw, nil
}

func unmarshalReport(data easyjson.RawMessage) (pagevalues.VisitReport, error) {
	var r pagevalues.VisitReport
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("unmarshaling visit report: %w", err)
	}
	return r, nil
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}
