// Package engine describes the tracked search engines: which URLs belong
// to them, how their result pages are structured and how queries and page
// numbers are encoded in their URLs.
package engine

import (
	"net/url"
	"strconv"
	"strings"
)

// Variant identifies a supported search engine.
type Variant int

// Supported engines. VariantGeneric covers registry entries that are not
// one of the built-in engines.
const (
	VariantGeneric Variant = iota
	VariantGoogle
	VariantBing
	VariantDuckDuckGo
	VariantYahoo
	VariantEcosia
	VariantAsk
	VariantBaidu
	VariantYandex
	VariantBrave
)

var variantNames = map[Variant]string{ //nolint:gochecknoglobals
	VariantGeneric:    "Generic",
	VariantGoogle:     "Google",
	VariantBing:       "Bing",
	VariantDuckDuckGo: "DuckDuckGo",
	VariantYahoo:      "Yahoo",
	VariantEcosia:     "Ecosia",
	VariantAsk:        "Ask",
	VariantBaidu:      "Baidu",
	VariantYandex:     "Yandex",
	VariantBrave:      "Brave",
}

func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return "Variant(" + strconv.Itoa(int(v)) + ")"
}

// VariantOf returns the variant for an engine name.
func VariantOf(name string) Variant {
	for v, s := range variantNames {
		if v != VariantGeneric && strings.EqualFold(s, name) {
			return v
		}
	}
	return VariantGeneric
}

// Selectors are the CSS selectors locating result page elements.
type Selectors struct {
	Organic         string `yaml:"organic"`
	OrganicLink     string `yaml:"organic_link"`
	Ad              string `yaml:"ad"`
	Internal        string `yaml:"internal"`
	SelfPreferenced string `yaml:"self_preferenced"`
	OnlineService   string `yaml:"online_service"`
}

// Engine is a tracked search engine.
type Engine struct {
	Name          string    `yaml:"name"`
	Patterns      []string  `yaml:"patterns"`
	SinglePage    bool      `yaml:"single_page"`
	QueryParam    string    `yaml:"query_param"`
	StartParam    string    `yaml:"start_param"`
	StartOffset   int       `yaml:"start_offset"`
	PageSize      int       `yaml:"page_size"`
	SerpPredicate string    `yaml:"serp_predicate"`
	AdRedirectors []string  `yaml:"ad_redirectors"`
	Selectors     Selectors `yaml:"selectors"`

	patterns  []*Pattern
	predicate *Predicate
}

// Variant returns the engine's variant.
func (e *Engine) Variant() Variant { return VariantOf(e.Name) }

// Matches reports whether u belongs to the engine.
func (e *Engine) Matches(u *url.URL) bool {
	for _, p := range e.patterns {
		if p.Match(u) {
			return true
		}
	}
	return false
}

// Query returns the search query encoded in u.
func (e *Engine) Query(u *url.URL) string {
	if u == nil || e.QueryParam == "" {
		return ""
	}
	return u.Query().Get(e.QueryParam)
}

// PageNumber returns the 1-based result page number encoded in u.
func (e *Engine) PageNumber(u *url.URL) int {
	if u == nil || e.StartParam == "" {
		return 1
	}
	v := u.Query().Get(e.StartParam)
	if v == "" {
		return 1
	}
	start, err := strconv.Atoi(v)
	if err != nil {
		return 1
	}
	size := e.PageSize
	if size < 1 {
		size = 1
	}
	n := (start-e.StartOffset)/size + 1
	if n < 1 {
		return 1
	}
	return n
}

// IsSerpURL reports whether u looks like a result page of the engine. The
// engine's predicate decides when one is configured, otherwise a non-empty
// query is enough.
func (e *Engine) IsSerpURL(u *url.URL) bool {
	if u == nil || !e.Matches(u) {
		return false
	}
	if e.predicate != nil {
		return e.predicate.Eval(u)
	}
	return strings.TrimSpace(e.Query(u)) != ""
}

// IsAdRedirect reports whether target goes through one of the engine's ad
// click redirectors.
func (e *Engine) IsAdRedirect(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	hp := strings.ToLower(u.Hostname()) + u.Path
	for _, r := range e.AdRedirectors {
		r = strings.ToLower(r)
		if strings.HasPrefix(hp, r) || strings.Contains(hp, "."+r) {
			return true
		}
	}
	return false
}

func (e *Engine) compile() error {
	e.patterns = e.patterns[:0]
	for _, raw := range e.Patterns {
		p, err := ParsePattern(raw)
		if err != nil {
			return err
		}
		e.patterns = append(e.patterns, p)
	}
	if strings.TrimSpace(e.SerpPredicate) != "" {
		p, err := CompilePredicate(e.SerpPredicate)
		if err != nil {
			return err
		}
		e.predicate = p
	}
	return nil
}
