package cdp

import (
	"context"

	"github.com/chromedp/cdproto/target"
)

type ctxKey int

const (
	ctxKeySessionID ctxKey = iota
)

// WithSessionID returns a context whose commands are routed to the target
// attached as sessionID. Commands sent without a session go to the browser
// target.
func WithSessionID(ctx context.Context, sessionID target.SessionID) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// GetSessionID returns the session set with WithSessionID.
func GetSessionID(ctx context.Context) target.SessionID {
	v := ctx.Value(ctxKeySessionID)
	if sid, ok := v.(target.SessionID); ok {
		return sid
	}
	return ""
}
