package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
	"github.com/mozilla-rally/search-engine-usage-study-sub000/pagevalues"
)

// ErrInvalidName is returned for engine names and page ids that can not be
// used as path elements.
var ErrInvalidName = errors.New("invalid path element")

var _ pagevalues.ReportSink = &ReportStore{}

// ReportStore writes each visit report to <dir>/<engine>/<pageId>.json.
type ReportStore struct {
	ctx       context.Context
	dir       string
	persister FilePersister
	logger    *log.Logger
}

// NewReportStore returns a ReportStore rooted at dir. A nil persister
// defaults to a LocalFilePersister.
func NewReportStore(ctx context.Context, dir string, persister FilePersister, logger *log.Logger) *ReportStore {
	if persister == nil {
		persister = &LocalFilePersister{}
	}
	if logger == nil {
		logger = log.NullLogger()
	}
	return &ReportStore{
		ctx:       ctx,
		dir:       dir,
		persister: persister,
		logger:    logger,
	}
}

// Path returns where the report of pageID on engine is stored.
func (s *ReportStore) Path(engine, pageID string) (string, error) {
	for _, e := range []string{engine, pageID} {
		if e == "" || e == "." || e == ".." || strings.ContainsAny(e, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, e)
		}
	}
	return filepath.Join(s.dir, engine, pageID+".json"), nil
}

// Report implements pagevalues.ReportSink.
func (s *ReportStore) Report(r pagevalues.VisitReport) error {
	path, err := s.Path(r.Engine, r.PageID)
	if err != nil {
		return fmt.Errorf("storing visit report: %w", err)
	}

	var buf bytes.Buffer
	if err := json.MarshalWrite(&buf, r, jsontext.WithIndent("  ")); err != nil {
		return fmt.Errorf("marshaling visit report %s: %w", r.PageID, err)
	}
	buf.WriteByte('\n')

	if err := s.persister.Persist(s.ctx, path, &buf); err != nil {
		return fmt.Errorf("storing visit report %s: %w", r.PageID, err)
	}
	s.logger.Debugf("ReportStore:Report", "pid:%s stored %q", r.PageID, path)
	return nil
}

// Load reads back a stored report.
func (s *ReportStore) Load(engine, pageID string) (pagevalues.VisitReport, error) {
	var r pagevalues.VisitReport
	path, err := s.Path(engine, pageID)
	if err != nil {
		return r, err
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return r, fmt.Errorf("opening visit report: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if err := json.UnmarshalRead(f, &r); err != nil {
		return r, fmt.Errorf("reading visit report %q: %w", path, err)
	}
	return r, nil
}

// List returns the page ids stored for engine.
func (s *ReportStore) List(engine string) ([]string, error) {
	if _, err := s.Path(engine, "x"); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, engine))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing visit reports: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
