package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/correlator"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
)

// AttributionSource answers attribution queries. *attribution.Tracker
// satisfies it.
type AttributionSource interface {
	Query(attribution.QueryRequest) attribution.QueryResponse
}

// Server accepts bridge connections from page contexts. It answers their
// attribution requests, stores their visit reports and pushes new tab
// notifications to them.
type Server struct {
	ctx      context.Context
	logger   *log.Logger
	source   AttributionSource
	hub      *correlator.Hub
	sink     pagevalues.ReportSink
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a Server. hub and sink may be nil, in which case new
// tab notifications are not delivered and reports are discarded.
func NewServer(
	ctx context.Context, logger *log.Logger, source AttributionSource,
	hub *correlator.Hub, sink pagevalues.ReportSink,
) *Server {
	if logger == nil {
		logger = log.NullLogger()
	}
	return &Server{
		ctx:    ctx,
		logger: logger,
		source: source,
		hub:    hub,
		sink:   sink,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Page contexts connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*serverConn]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// peer disconnects or the server is closed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Server:ServeHTTP", "upgrading %s: %v", r.RemoteAddr, err)
		return
	}

	sc := &serverConn{conn: conn{ws: ws}, srv: s}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sc.closeGracefully()
		return
	}
	s.conns[sc] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		sc.unbind()
		_ = ws.Close()
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.logger.Debugf("Server:ServeHTTP", "connection from %s", r.RemoteAddr)
	sc.serve()
}

// Close disconnects every page and waits for their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		_ = sc.closeGracefully()
	}
	s.wg.Wait()
	return nil
}

// serverConn is one page context's connection.
type serverConn struct {
	conn
	srv *Server

	mu         sync.Mutex
	tabID      string
	pageID     string
	unregister func()
}

var _ correlator.Receiver = &serverConn{}

func (sc *serverConn) serve() {
	for {
		_, raw, err := sc.ws.ReadMessage()
		if err != nil {
			if !isClosure(err) && sc.srv.ctx.Err() == nil {
				sc.srv.logger.Debugf("serverConn:serve", "tid:%s read: %v", sc.tab(), err)
			}
			return
		}
		env, err := decode(raw)
		if err != nil {
			sc.srv.logger.Warnf("serverConn:serve", "tid:%s %v", sc.tab(), err)
			sc.replyError(0, err.Error())
			continue
		}
		sc.handle(env)
	}
}

func (sc *serverConn) handle(env *Envelope) {
	logger := sc.srv.logger
	switch env.Type {
	case MessageHello:
		var h Hello
		if err := unmarshalData(env.Data, &h); err != nil || h.TabID == "" {
			sc.replyError(env.ID, "invalid hello")
			return
		}
		sc.bind(h)
	case MessageAttributionRequest:
		var req AttributionRequest
		if err := unmarshalData(env.Data, &req); err != nil {
			sc.replyError(env.ID, "invalid attribution request")
			return
		}
		tabID := env.TabID
		if tabID == "" {
			tabID = sc.tab()
		}
		resp := sc.srv.source.Query(attribution.QueryRequest{
			TabID:        tabID,
			PageID:       req.PageID,
			SearchEngine: req.SearchEngine,
		})
		out := AttributionResponse{
			AttributionID: resp.AttributionID,
			Attribution:   resp.Attribution,
		}
		if err := sc.write(MessageAttributionResponse, env.ID, tabID, &out); err != nil {
			logger.Debugf("serverConn:handle", "tid:%s replying: %v", tabID, err)
		}
	case MessageVisitReport:
		r, err := unmarshalReport(env.Data)
		if err != nil {
			sc.replyError(env.ID, err.Error())
			return
		}
		if sc.srv.sink == nil {
			return
		}
		if err := sc.srv.sink.Report(r); err != nil {
			logger.Errorf("serverConn:handle", "tid:%s pid:%s storing report: %v", sc.tab(), r.PageID, err)
			sc.replyError(env.ID, "storing report failed")
		}
	default:
		logger.Debugf("serverConn:handle", "tid:%s unexpected message %q", sc.tab(), env.Type)
		sc.replyError(env.ID, "unexpected message type "+string(env.Type))
	}
}

func (sc *serverConn) bind(h Hello) {
	sc.mu.Lock()
	prev := sc.unregister
	sc.tabID, sc.pageID = h.TabID, h.PageID
	sc.unregister = nil
	sc.mu.Unlock()
	if prev != nil {
		prev()
	}

	if sc.srv.hub == nil {
		return
	}
	unregister := sc.srv.hub.Register(h.TabID, sc)
	sc.mu.Lock()
	sc.unregister = unregister
	sc.mu.Unlock()
	sc.srv.logger.Debugf("serverConn:bind", "tid:%s pid:%s registered", h.TabID, h.PageID)
}

func (sc *serverConn) unbind() {
	sc.mu.Lock()
	unregister := sc.unregister
	sc.unregister = nil
	sc.mu.Unlock()
	if unregister != nil {
		unregister()
	}
}

func (sc *serverConn) tab() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.tabID
}

func (sc *serverConn) replyError(id int64, msg string) {
	if err := sc.write(MessageError, id, sc.tab(), &ErrorData{Message: msg}); err != nil {
		sc.srv.logger.Debugf("serverConn:replyError", "tid:%s: %v", sc.tab(), err)
	}
}

// NewTabOpened pushes a new tab notification to the page.
func (sc *serverConn) NewTabOpened(url string, ts time.Time) {
	tabID := sc.tab()
	n := NewTab{URL: url, TimeStamp: ts.UnixMilli()}
	if err := sc.write(MessageNewTab, 0, tabID, &n); err != nil {
		sc.srv.logger.Debugf("serverConn:NewTabOpened", "tid:%s pushing %q: %v", tabID, url, err)
	}
}
