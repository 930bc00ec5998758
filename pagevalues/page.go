package pagevalues

import (
	"context"
	"net/url"

	"golang.org/x/net/html"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/attribution"
)

// ReadyStateComplete is the terminal document ready state.
const ReadyStateComplete = "complete"

// Page is the document a PageValues instance observes.
type Page interface {
	URL() *url.URL
	// Root returns the current document tree. Input events target nodes of
	// the tree returned by the latest call.
	Root() *html.Node
	ReadyState() string
	// Offsets returns the vertical page offsets of the top and bottom edge
	// of n.
	Offsets(n *html.Node) (top, bottom float64, ok bool)
}

// Querier answers attribution requests for the page's tab.
type Querier interface {
	QueryAttribution(ctx context.Context, searchEngine string) (attribution.QueryResponse, error)
}

// LocalQuerier queries a tracker running in the same process.
type LocalQuerier struct {
	Tracker *attribution.Tracker
	TabID   string
	PageID  string
}

// QueryAttribution implements Querier.
func (q LocalQuerier) QueryAttribution(_ context.Context, searchEngine string) (attribution.QueryResponse, error) {
	return q.Tracker.Query(attribution.QueryRequest{
		TabID:        q.TabID,
		PageID:       q.PageID,
		SearchEngine: searchEngine,
	}), nil
}
