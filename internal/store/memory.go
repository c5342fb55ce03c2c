package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryCase struct {
	record    CaseRecord
	locations map[int]LocationRecord
}

// MemoryStore is a Repository kept in process memory. It backs the daemon
// when no database is configured and is used by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	cases   map[string]*memoryCase
	reports map[string]Report
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:   make(map[string]*memoryCase),
		reports: make(map[string]Report),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for ids and timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneCase(c CaseRecord) CaseRecord {
	c.OwnerIDs = append([]string(nil), c.OwnerIDs...)
	c.LocationTitles = append([]string{}, c.LocationTitles...)
	c.SelectedForReport = append([]int{}, c.SelectedForReport...)
	return c
}

func (s *MemoryStore) SaveCase(_ context.Context, c CaseRecord, locations []LocationRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	newCaseDefaults(&c, now)
	existing, ok := s.cases[c.CaseID]
	if !ok {
		existing = &memoryCase{locations: make(map[int]LocationRecord)}
		s.cases[c.CaseID] = existing
		c.CreatedAt = now
	} else {
		c.CreatedAt = existing.record.CreatedAt
	}
	c.OwnerIDs = mergeOwners(existing.record.OwnerIDs, c.OwnerIDs)
	if c.LegacyOwnerID == "" && len(c.OwnerIDs) > 0 {
		c.LegacyOwnerID = c.OwnerIDs[0]
	}
	c.UpdatedAt = now
	existing.record = cloneCase(c)

	prepared := prepareLocations(locations, c.LocationTitles)
	for _, loc := range prepared {
		if prev, ok := existing.locations[loc.Order]; ok {
			if loc.MapSnapshotURL == "" {
				loc.MapSnapshotURL = prev.MapSnapshotURL
			}
			if loc.StreetViewSnapshotURL == "" {
				loc.StreetViewSnapshotURL = prev.StreetViewSnapshotURL
			}
		}
		existing.locations[loc.Order] = loc
	}
	for order := range existing.locations {
		if order >= len(prepared) {
			delete(existing.locations, order)
		}
	}
	return c.CaseID, nil
}

func (s *MemoryStore) LoadCase(_ context.Context, caseID string) (CaseWithLocations, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.cases[caseID]
	if !ok {
		return CaseWithLocations{}, ErrNotFound
	}
	return CaseWithLocations{Case: cloneCase(item.record), Locations: compactByOrder(item.sortedLocations())}, nil
}

func (c *memoryCase) sortedLocations() []LocationRecord {
	out := make([]LocationRecord, 0, len(c.locations))
	for _, loc := range c.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func (s *MemoryStore) CaseExists(_ context.Context, caseID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cases[caseID]
	return ok, nil
}

func (s *MemoryStore) UpdateCase(_ context.Context, caseID string, patch CasePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(&item.record)
	item.record.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateLocation(_ context.Context, caseID string, order int, patch LocationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	loc, ok := item.locations[order]
	if !ok {
		return ErrNotFound
	}
	patch.Apply(&loc)
	item.locations[order] = loc
	return nil
}

func (s *MemoryStore) LocationCount(_ context.Context, caseID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.cases[caseID]
	if !ok {
		return 0, nil
	}
	return len(item.locations), nil
}

func (s *MemoryStore) ListLocations(_ context.Context, caseID string) ([]LocationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.cases[caseID]
	if !ok {
		return []LocationRecord{}, nil
	}
	return item.sortedLocations(), nil
}

func ownedBy(c CaseRecord, ownerID string) bool {
	if ownerID == "" {
		return false
	}
	if c.LegacyOwnerID == ownerID {
		return true
	}
	for _, id := range c.OwnerIDs {
		if id == ownerID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListCasesForOwner(_ context.Context, ownerID string) ([]CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]CaseRecord, 0)
	for _, item := range s.cases {
		if ownedBy(item.record, ownerID) {
			items = append(items, cloneCase(item.record))
		}
	}
	sortNewestFirst(items)
	return items, nil
}

// ListAllCases returns every case, newest first.
func (s *MemoryStore) ListAllCases(context.Context) ([]CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]CaseRecord, 0, len(s.cases))
	for _, item := range s.cases {
		items = append(items, cloneCase(item.record))
	}
	sortNewestFirst(items)
	return items, nil
}

func sortNewestFirst(items []CaseRecord) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CaseID < items[j].CaseID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func (s *MemoryStore) DeleteCase(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[caseID]; !ok {
		return ErrNotFound
	}
	for id, report := range s.reports {
		if report.CaseID == caseID {
			delete(s.reports, id)
		}
	}
	delete(s.cases, caseID)
	return nil
}

func (s *MemoryStore) CreateReport(_ context.Context, report Report) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if report.ReportID == "" {
		report.ReportID = newReportID()
	}
	if report.ReportType == "" {
		report.ReportType = "standard"
	}
	report.CreatedAt = s.now()
	s.reports[report.ReportID] = report
	return report.ReportID, nil
}

func (s *MemoryStore) ListReports(_ context.Context, caseID string) ([]Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Report, 0)
	for _, report := range s.reports {
		if report.CaseID == caseID {
			items = append(items, report)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ReportID > items[j].ReportID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) CaseStatistics(_ context.Context, ownerID string) (CaseStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	withReports := make(map[string]bool)
	for _, report := range s.reports {
		withReports[report.CaseID] = true
	}
	var stats CaseStats
	for id, item := range s.cases {
		if !ownedBy(item.record, ownerID) {
			continue
		}
		snapshots := 0
		for _, loc := range item.locations {
			if loc.HasSnapshot() {
				snapshots++
			}
		}
		stats.add(len(item.locations), snapshots, withReports[id])
	}
	return stats, nil
}
