// Package attribution derives, for every visit to a tracked search engine
// page, how the user got there and which earlier visits it continues.
package attribution

import (
	"time"

	"gopkg.in/guregu/null.v3"
)

// TransitionType is the browser's classification of a navigation.
type TransitionType string

// Transition types, as reported by the host browser.
const (
	TransitionLink             TransitionType = "link"
	TransitionTyped            TransitionType = "typed"
	TransitionFormSubmit       TransitionType = "form_submit"
	TransitionReload           TransitionType = "reload"
	TransitionGenerated        TransitionType = "generated"
	TransitionKeyword          TransitionType = "keyword"
	TransitionKeywordGenerated TransitionType = "keyword_generated"
	TransitionStartPage        TransitionType = "start_page"
	TransitionAutoBookmark     TransitionType = "auto_bookmark"
	TransitionAutoSubframe     TransitionType = "auto_subframe"
	TransitionManualSubframe   TransitionType = "manual_subframe"
	TransitionUnknown          TransitionType = "unknown"
)

// Qualifier refines a TransitionType.
type Qualifier string

// Transition qualifiers.
const (
	QualifierForwardBack    Qualifier = "forward_back"
	QualifierFromAddressBar Qualifier = "from_address_bar"
	QualifierServerRedirect Qualifier = "server_redirect"
	QualifierClientRedirect Qualifier = "client_redirect"
)

// Attribution labels that are not transition types.
const (
	AttributionForwardBack    = "forward_back"
	AttributionFromAddressBar = "from_address_bar"
	AttributionUnknown        = "unknown"

	TransitionLabelHistoryChange = "historyChange"
)

// NavigationEvent is a page visit as reported by the host browser.
type NavigationEvent struct {
	PageID               string
	TabID                string
	URL                  string
	TransitionType       TransitionType
	TransitionQualifiers []Qualifier
	// IsHistoryChange is set for same-document URL changes made through
	// the history API.
	IsHistoryChange bool
	// IsOpenedTab is set when the tab was opened by another tab and this is
	// its first navigation.
	IsOpenedTab bool
	OpenerTabID string
	// TabSourcePageID is the page the navigation came from: the previous
	// page in the same tab, or the opener's page for an opened tab.
	TabSourcePageID string
	// TabSourceClick is set when the navigation was caused by a user click
	// on the source page.
	TabSourceClick bool
	TimeStamp      time.Time
}

// HasQualifier reports whether q is among the event's qualifiers.
func (ev NavigationEvent) HasQualifier(q Qualifier) bool {
	for _, eq := range ev.TransitionQualifiers {
		if eq == q {
			return true
		}
	}
	return false
}

// Record is the attribution of one page visit.
type Record struct {
	PageID        string `json:"pageId"`
	Engine        string `json:"engine"`
	Attribution   string `json:"attribution"`
	AttributionID string `json:"attributionID"`
	Transition    string `json:"transition"`
}

// QueryRequest asks for the attribution of a page from within that page.
// PageID may be left empty to use the tab's most recent tracked page.
type QueryRequest struct {
	TabID        string `json:"tabId"`
	PageID       string `json:"pageId,omitempty"`
	SearchEngine string `json:"searchEngine"`
}

// QueryResponse carries a page's attribution. Both fields are null when
// the page has no attribution for the requested engine.
type QueryResponse struct {
	AttributionID null.String `json:"attributionID"`
	Attribution   null.String `json:"attribution"`
}

// Found reports whether the response carries an attribution.
func (r QueryResponse) Found() bool {
	return r.AttributionID.Valid && r.Attribution.Valid
}
