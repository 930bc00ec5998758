package pagevalues

import (
	"time"

	"gopkg.in/guregu/null.v3"
)

// OrganicDetail describes one organic result as laid out on the page.
type OrganicDetail struct {
	Ranking       int     `json:"ranking"`
	TopOffset     float64 `json:"topOffset"`
	BottomOffset  float64 `json:"bottomOffset"`
	OnlineService bool    `json:"onlineService"`
}

// SelfPreferencedDetail describes one self-preferenced result.
type SelfPreferencedDetail struct {
	Ranking      int     `json:"ranking"`
	TopOffset    float64 `json:"topOffset"`
	BottomOffset float64 `json:"bottomOffset"`
}

// OrganicClick is a click on an organic result.
type OrganicClick struct {
	Ranking             int   `json:"ranking"`
	AttentionDurationMs int64 `json:"attentionDuration"`
	PageLoaded          bool  `json:"pageLoaded"`
}

// VisitReport summarizes the user's interaction with one result page.
type VisitReport struct {
	Engine                   string                  `json:"engine"`
	PageID                   string                  `json:"pageId"`
	Query                    string                  `json:"query"`
	PageNumber               int                     `json:"pageNumber"`
	Attribution              null.String             `json:"attribution"`
	AttributionID            null.String             `json:"attributionID"`
	PageVisitStart           time.Time               `json:"pageVisitStartTime"`
	PageVisitEnd             time.Time               `json:"pageVisitEndTime"`
	DwellTimeMs              int64                   `json:"dwellTime"`
	AttentionDurationMs      int64                   `json:"attentionDuration"`
	OrganicDetails           []OrganicDetail         `json:"organicDetails"`
	NumAdResults             int                     `json:"numAdResults"`
	OrganicClicks            []OrganicClick          `json:"organicClicks"`
	NumAdClicks              int                     `json:"numAdClicks"`
	NumInternalClicks        int                     `json:"numInternalClicks"`
	NumSelfPreferencedClicks int                     `json:"numSelfPreferencedClicks"`
	SelfPreferencedDetails   []SelfPreferencedDetail `json:"selfPreferencedDetails"`
	PageLoaded               bool                    `json:"pageLoaded"`
}

// ReportSink receives finished visit reports.
type ReportSink interface {
	Report(VisitReport) error
}

// ReportSinkFunc adapts a function to a ReportSink.
type ReportSinkFunc func(VisitReport) error

// Report calls f(r).
func (f ReportSinkFunc) Report(r VisitReport) error { return f(r) }
