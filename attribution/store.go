package attribution

import "maps"

// TabHistoryIndex maps canonical URLs to the most recent page visit of
// that URL in one tab.
type TabHistoryIndex map[string]string

// Store holds attribution records by page id and the history index of
// every tab. It is owned by a Tracker and not safe for concurrent use on
// its own.
type Store struct {
	records map[string]Record
	tabs    map[string]TabHistoryIndex
	live    map[string]string
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]Record),
		tabs:    make(map[string]TabHistoryIndex),
		live:    make(map[string]string),
	}
}

// Record returns the record of pageID.
func (s *Store) Record(pageID string) (Record, bool) {
	r, ok := s.records[pageID]
	return r, ok
}

// Put stores r, replacing any record of the same page.
func (s *Store) Put(r Record) {
	s.records[r.PageID] = r
}

// Lookup returns the page most recently visited at canonicalURL in tabID.
func (s *Store) Lookup(tabID, canonicalURL string) (string, bool) {
	idx, ok := s.tabs[tabID]
	if !ok {
		return "", false
	}
	pageID, ok := idx[canonicalURL]
	return pageID, ok
}

// Remember records pageID as the latest visit of canonicalURL in tabID.
func (s *Store) Remember(tabID, canonicalURL, pageID string) {
	idx, ok := s.tabs[tabID]
	if !ok {
		idx = make(TabHistoryIndex)
		s.tabs[tabID] = idx
	}
	idx[canonicalURL] = pageID
}

// CloneTab copies the history index of from into to. Entries already in
// to are kept unless from has the same URL.
func (s *Store) CloneTab(from, to string) {
	src, ok := s.tabs[from]
	if !ok || from == to {
		return
	}
	dst, ok := s.tabs[to]
	if !ok {
		s.tabs[to] = maps.Clone(src)
		return
	}
	maps.Copy(dst, src)
}

// SetLive marks pageID as the tab's current tracked page.
func (s *Store) SetLive(tabID, pageID string) {
	s.live[tabID] = pageID
}

// Live returns the tab's current tracked page.
func (s *Store) Live(tabID string) (string, bool) {
	p, ok := s.live[tabID]
	return p, ok
}

// RemoveTab drops everything kept for tabID except the records.
func (s *Store) RemoveTab(tabID string) {
	delete(s.tabs, tabID)
	delete(s.live, tabID)
}

// Tabs returns the number of tabs with a history index.
func (s *Store) Tabs() int { return len(s.tabs) }

// Len returns the number of records.
func (s *Store) Len() int { return len(s.records) }
