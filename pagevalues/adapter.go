package pagevalues

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/engine"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

// Kind classifies a registered result page element.
type Kind int

// Element kinds.
const (
	KindOrganic Kind = iota + 1
	KindAd
	KindInternal
	KindSelfPreferenced
)

func (k Kind) String() string {
	switch k {
	case KindOrganic:
		return "organic"
	case KindAd:
		return "ad"
	case KindInternal:
		return "internal"
	case KindSelfPreferenced:
		return "selfPreferenced"
	}
	return "none"
}

// Result is an element of interest found on a result page.
type Result struct {
	Node          *html.Node
	Kind          Kind
	Href          string
	Ranking       int
	OnlineService bool
}

// SerpAdapter knows the markup of one search engine's result pages.
// Implementations must not panic on unexpected markup; an element they
// cannot find is reported as absent.
type SerpAdapter interface {
	Variant() engine.Variant
	EngineName() string
	SinglePage() bool
	IsSerpPage(u *url.URL, doc *goquery.Document) bool
	Query(u *url.URL) string
	PageNumber(u *url.URL) int
	OrganicResults(doc *goquery.Document) []Result
	AdResults(doc *goquery.Document) []Result
	InternalLinks(doc *goquery.Document) []Result
	SelfPreferencedResults(doc *goquery.Document) []Result
	// ResolveHref returns the absolute destination of the link enclosing
	// n, resolved against base. It returns false when there is no link or
	// its destination is only known to page scripts.
	ResolveHref(n *html.Node, base *url.URL) (string, bool)
	// IsRedirector reports whether target is a redirect the engine sends
	// clicks on elements of kind through.
	IsRedirector(kind Kind, target string) bool
}

// SelectorAdapter is a SerpAdapter driven by the CSS selectors of a
// registry engine.
type SelectorAdapter struct {
	eng    *engine.Engine
	logger *log.Logger
}

var _ SerpAdapter = &SelectorAdapter{}

// NewSelectorAdapter returns the adapter of eng.
func NewSelectorAdapter(eng *engine.Engine, logger *log.Logger) *SelectorAdapter {
	if logger == nil {
		logger = log.NullLogger()
	}
	return &SelectorAdapter{eng: eng, logger: logger}
}

// Variant returns the engine variant.
func (a *SelectorAdapter) Variant() engine.Variant { return a.eng.Variant() }

// EngineName returns the registry name of the engine.
func (a *SelectorAdapter) EngineName() string { return a.eng.Name }

// SinglePage reports whether the engine switches result pages through the
// history API.
func (a *SelectorAdapter) SinglePage() bool { return a.eng.SinglePage }

// IsSerpPage reports whether u is a result page of the engine.
func (a *SelectorAdapter) IsSerpPage(u *url.URL, _ *goquery.Document) bool {
	ok := false
	a.guard("IsSerpPage", func() { ok = a.eng.IsSerpURL(u) })
	return ok
}

// Query returns the search query of u.
func (a *SelectorAdapter) Query(u *url.URL) string { return a.eng.Query(u) }

// PageNumber returns the result page number of u.
func (a *SelectorAdapter) PageNumber(u *url.URL) int { return a.eng.PageNumber(u) }

// OrganicResults returns the organic results in document order.
func (a *SelectorAdapter) OrganicResults(doc *goquery.Document) []Result {
	sel := a.eng.Selectors
	return a.collect("OrganicResults", doc, sel.Organic, func(i int, s *goquery.Selection) Result {
		r := Result{Kind: KindOrganic, Ranking: i + 1}
		link := s
		if sel.OrganicLink != "" && !s.Is(sel.OrganicLink) {
			link = s.Find(sel.OrganicLink).First()
		}
		r.Href, _ = link.Attr("href")
		if sel.OnlineService != "" {
			r.OnlineService = s.Is(sel.OnlineService) || s.Find(sel.OnlineService).Length() > 0
		}
		return r
	})
}

// AdResults returns the ads shown on the page.
func (a *SelectorAdapter) AdResults(doc *goquery.Document) []Result {
	return a.collect("AdResults", doc, a.eng.Selectors.Ad, func(i int, s *goquery.Selection) Result {
		return Result{Kind: KindAd, Ranking: i + 1, Href: firstHref(s)}
	})
}

// InternalLinks returns the links to other pages of the engine.
func (a *SelectorAdapter) InternalLinks(doc *goquery.Document) []Result {
	return a.collect("InternalLinks", doc, a.eng.Selectors.Internal, func(i int, s *goquery.Selection) Result {
		return Result{Kind: KindInternal, Ranking: i + 1, Href: firstHref(s)}
	})
}

// SelfPreferencedResults returns the results promoting the engine's own
// services.
func (a *SelectorAdapter) SelfPreferencedResults(doc *goquery.Document) []Result {
	return a.collect("SelfPreferencedResults", doc, a.eng.Selectors.SelfPreferenced, func(i int, s *goquery.Selection) Result {
		return Result{Kind: KindSelfPreferenced, Ranking: i + 1, Href: firstHref(s)}
	})
}

// ResolveHref implements SerpAdapter.
func (a *SelectorAdapter) ResolveHref(n *html.Node, base *url.URL) (string, bool) {
	for ; n != nil; n = n.Parent {
		if n.Type != html.ElementNode || n.DataAtom != atom.A {
			continue
		}
		for _, at := range n.Attr {
			if at.Namespace == "" && at.Key == "href" {
				return resolveHref(at.Val, base)
			}
		}
		return "", false
	}
	return "", false
}

// IsRedirector implements SerpAdapter.
func (a *SelectorAdapter) IsRedirector(kind Kind, target string) bool {
	if kind != KindAd {
		return false
	}
	return a.eng.IsAdRedirect(target)
}

func (a *SelectorAdapter) collect(
	name string, doc *goquery.Document, selector string, fn func(int, *goquery.Selection) Result,
) []Result {
	if doc == nil || strings.TrimSpace(selector) == "" {
		return nil
	}
	var out []Result
	a.guard(name, func() {
		doc.Find(selector).Each(func(i int, s *goquery.Selection) {
			r := fn(i, s)
			r.Node = s.Get(0)
			out = append(out, r)
		})
	})
	return out
}

// guard runs fn, turning a panic into a logged warning. Markup the
// selectors do not expect must not stop a visit from being tracked.
func (a *SelectorAdapter) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warnf("SelectorAdapter:"+name, "engine:%s recovered: %v", a.eng.Name, r)
		}
	}()
	fn()
}

func firstHref(s *goquery.Selection) string {
	if href, ok := s.Attr("href"); ok {
		return href
	}
	href, _ := s.Find("a[href]").First().Attr("href")
	return href
}

func resolveHref(href string, base *url.URL) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}
