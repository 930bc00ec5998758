// Package bridge carries attribution queries, new tab notifications and
// visit reports between page contexts and the orchestrator over a
// websocket.
package bridge

import (
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"gopkg.in/guregu/null.v3"
)

// MessageType names a bridge message.
type MessageType string

// Message types.
const (
	// MessageHello is sent by a page to bind its connection to a tab.
	MessageHello               MessageType = "hello"
	MessageAttributionRequest  MessageType = "attribution_request"
	MessageAttributionResponse MessageType = "attribution_response"
	// MessageNewTab is pushed to a page when a tab was opened from its tab.
	MessageNewTab      MessageType = "new_tab"
	MessageVisitReport MessageType = "visit_report"
	MessageError       MessageType = "error"
)

// Envelope is the frame of every bridge message. ID correlates a response
// with its request and is zero for pushes.
type Envelope struct {
	Type  MessageType
	ID    int64
	TabID string
	Data  easyjson.RawMessage
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (e *Envelope) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"type":`)
	w.String(string(e.Type))
	if e.ID != 0 {
		w.RawString(`,"id":`)
		w.Int64(e.ID)
	}
	if e.TabID != "" {
		w.RawString(`,"tabId":`)
		w.String(e.TabID)
	}
	if len(e.Data) > 0 {
		w.RawString(`,"data":`)
		w.Raw(e.Data, nil)
	}
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (e *Envelope) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeObject(l, func(key string) {
		switch key {
		case "type":
			e.Type = MessageType(l.String())
		case "id":
			e.ID = l.Int64()
		case "tabId":
			e.TabID = l.String()
		case "data":
			(&e.Data).UnmarshalEasyJSON(l)
		default:
			l.SkipRecursive()
		}
	})
}

// Hello binds a connection to a tab and page.
type Hello struct {
	TabID  string
	PageID string
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (h *Hello) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"tabId":`)
	w.String(h.TabID)
	w.RawString(`,"pageId":`)
	w.String(h.PageID)
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (h *Hello) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeObject(l, func(key string) {
		switch key {
		case "tabId":
			h.TabID = l.String()
		case "pageId":
			h.PageID = l.String()
		default:
			l.SkipRecursive()
		}
	})
}

// AttributionRequest asks for the attribution of the sender's page.
type AttributionRequest struct {
	SearchEngine string
	PageID       string
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (r *AttributionRequest) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"searchEngine":`)
	w.String(r.SearchEngine)
	if r.PageID != "" {
		w.RawString(`,"pageId":`)
		w.String(r.PageID)
	}
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (r *AttributionRequest) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeObject(l, func(key string) {
		switch key {
		case "searchEngine":
			r.SearchEngine = l.String()
		case "pageId":
			r.PageID = l.String()
		default:
			l.SkipRecursive()
		}
	})
}

// AttributionResponse answers an AttributionRequest. Both fields are null
// when the page has no attribution for the requested engine.
type AttributionResponse struct {
	AttributionID null.String
	Attribution   null.String
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (r *AttributionResponse) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"attributionID":`)
	writeNullString(w, r.AttributionID)
	w.RawString(`,"attribution":`)
	writeNullString(w, r.Attribution)
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (r *AttributionResponse) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeObject(l, func(key string) {
		switch key {
		case "attributionID":
			r.AttributionID = null.StringFrom(l.String())
		case "attribution":
			r.Attribution = null.StringFrom(l.String())
		default:
			l.SkipRecursive()
		}
	})
}

// NewTab tells a page that a tab was opened from its tab. TimeStamp is in
// milliseconds since the Unix epoch.
type NewTab struct {
	URL       string
	TimeStamp int64
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (n *NewTab) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"url":`)
	w.String(n.URL)
	w.RawString(`,"timeStamp":`)
	w.Int64(n.TimeStamp)
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (n *NewTab) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeObject(l, func(key string) {
		switch key {
		case "url":
			n.URL = l.String()
		case "timeStamp":
			n.TimeStamp = l.Int64()
		default:
			l.SkipRecursive()
		}
	})
}

// ErrorData describes why a request failed.
type ErrorData struct {
	Message string
}

// MarshalEasyJSON implements easyjson.Marshaler.
func (e *ErrorData) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"message":`)
	w.String(e.Message)
	w.RawByte('}')
}

// UnmarshalEasyJSON implements easyjson.Unmarshaler.
func (e *ErrorData) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeObject(l, func(key string) {
		if key == "message" {
			e.Message = l.String()
			return
		}
		l.SkipRecursive()
	})
}

// decodeObject walks the members of a JSON object, calling field with the
// lexer positioned on each non-null value.
func decodeObject(l *jlexer.Lexer, field func(key string)) {
	isTopLevel := l.IsStart()
	if l.IsNull() {
		if isTopLevel {
			l.Consumed()
		}
		l.Skip()
		return
	}
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		if l.IsNull() {
			l.Skip()
			l.WantComma()
			continue
		}
		field(key)
		l.WantComma()
	}
	l.Delim('}')
	if isTopLevel {
		l.Consumed()
	}
}

func writeNullString(w *jwriter.Writer, s null.String) {
	if !s.Valid {
		w.RawString("null")
		return
	}
	w.String(s.String)
}
