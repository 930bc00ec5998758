// Command serpwatch follows the tabs of a Chromium based browser over the
// DevTools protocol, attributes search engine result page visits and
// records the user's interaction with them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/browserprocess"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			browserprocess.ForceProcessShutdown()
			panic(r)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	gs := newGlobalState(ctx)
	code := execute(gs, os.Args[1:])
	stop()
	os.Exit(code)
}
