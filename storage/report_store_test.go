package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
)

func testReport(pageID string) pagevalues.VisitReport {
	start := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	return pagevalues.VisitReport{
		Engine:              "Google",
		PageID:              pageID,
		Query:               "coffee",
		PageNumber:          1,
		Attribution:         null.StringFrom("typed"),
		AttributionID:       null.StringFrom("aid-1"),
		PageVisitStart:      start,
		PageVisitEnd:        start.Add(5 * time.Second),
		DwellTimeMs:         5000,
		AttentionDurationMs: 4200,
		OrganicDetails: []pagevalues.OrganicDetail{
			{Ranking: 1, TopOffset: 120, BottomOffset: 210},
			{Ranking: 2, TopOffset: 230, BottomOffset: 300, OnlineService: true},
		},
		NumAdResults:           1,
		OrganicClicks:          []pagevalues.OrganicClick{{Ranking: 2, AttentionDurationMs: 3000, PageLoaded: true}},
		SelfPreferencedDetails: []pagevalues.SelfPreferencedDetail{{Ranking: 3, TopOffset: 310, BottomOffset: 400}},
		PageLoaded:             true,
	}
}

func TestReportStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewReportStore(context.Background(), dir, nil, nil)

	want := testReport("01HV0000000000000000000001")
	require.NoError(t, s.Report(want))

	path := filepath.Join(dir, "Google", want.PageID+".json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"attributionID": "aid-1"`)
	assert.Contains(t, string(raw), `"pageVisitStartTime": "2024-05-02T09:30:00Z"`)

	got, err := s.Load("Google", want.PageID)
	require.NoError(t, err)
	assert.True(t, want.PageVisitStart.Equal(got.PageVisitStart))
	got.PageVisitStart, got.PageVisitEnd = want.PageVisitStart, want.PageVisitEnd
	assert.Equal(t, want, got)

	ids, err := s.List("Google")
	require.NoError(t, err)
	assert.Equal(t, []string{want.PageID}, ids)
}

func TestReportStoreOverwrites(t *testing.T) {
	t.Parallel()

	s := NewReportStore(context.Background(), t.TempDir(), nil, nil)
	r := testReport("p1")
	require.NoError(t, s.Report(r))
	r.NumAdClicks = 2
	require.NoError(t, s.Report(r))

	got, err := s.Load("Google", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.NumAdClicks)
}

func TestReportStoreRejectsBadNames(t *testing.T) {
	t.Parallel()

	s := NewReportStore(context.Background(), t.TempDir(), nil, nil)
	for _, r := range []pagevalues.VisitReport{
		{Engine: "", PageID: "p1"},
		{Engine: "Google", PageID: ""},
		{Engine: "..", PageID: "p1"},
		{Engine: "Google", PageID: "../../etc/passwd"},
	} {
		assert.ErrorIs(t, s.Report(r), ErrInvalidName, "%+v", r)
	}
}

func TestReportStoreListMissingEngine(t *testing.T) {
	t.Parallel()

	s := NewReportStore(context.Background(), t.TempDir(), nil, nil)
	ids, err := s.List("Bing")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

type persisterFunc func(ctx context.Context, path string, data io.Reader) error

func (f persisterFunc) Persist(ctx context.Context, path string, data io.Reader) error {
	return f(ctx, path, data)
}

func TestReportStorePersisterError(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	var gotPath string
	s := NewReportStore(context.Background(), "/reports", persisterFunc(
		func(_ context.Context, path string, _ io.Reader) error {
			gotPath = path
			return boom
		}), nil)

	err := s.Report(testReport("p9"))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, filepath.Join("/reports", "Google", "p9.json"), gotPath)
}
