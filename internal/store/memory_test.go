package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sampleLocations(n int) []LocationRecord {
	out := make([]LocationRecord, n)
	for i := range out {
		out[i] = LocationRecord{
			Order:        99,
			Lat:          -33.9 + float64(i)*0.01,
			Lng:          18.4,
			Description:  "",
			Timestamp:    "2024-01-01T10:0" + string(rune('0'+i)) + ":00Z",
			OriginalData: OriginalData{CSVDescription: "stopped"},
		}
	}
	return out
}

func newClockedMemoryStore() (*MemoryStore, *time.Time) {
	s := NewMemoryStore()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func TestSaveCaseAssignsDenseOrders(t *testing.T) {
	s, _ := newClockedMemoryStore()
	ctx := context.Background()

	caseID, err := s.SaveCase(ctx, CaseRecord{
		CaseNumber:     "CR 12/2024",
		CaseTitle:      "Vehicle theft",
		OwnerIDs:       []string{"u1"},
		LocationTitles: []string{"Depot", "Garage", "Highway"},
	}, sampleLocations(3))
	if err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	if !strings.HasPrefix(caseID, "case_CR_12_2024_") {
		t.Errorf("unexpected generated id %q", caseID)
	}

	loaded, err := s.LoadCase(ctx, caseID)
	if err != nil {
		t.Fatalf("LoadCase failed: %v", err)
	}
	if len(loaded.Locations) != 3 {
		t.Fatalf("expected 3 locations, got %d", len(loaded.Locations))
	}
	for i, loc := range loaded.Locations {
		if loc.Order != i {
			t.Errorf("location %d has order %d", i, loc.Order)
		}
	}
	if loaded.Locations[1].Title != "Garage" {
		t.Errorf("expected title from location titles, got %q", loaded.Locations[1].Title)
	}
	if loaded.Case.Urgency != DefaultUrgency {
		t.Errorf("expected default urgency, got %q", loaded.Case.Urgency)
	}
	if loaded.Case.LegacyOwnerID != "u1" {
		t.Errorf("expected legacy owner u1, got %q", loaded.Case.LegacyOwnerID)
	}

	if _, err := s.SaveCase(ctx, CaseRecord{CaseID: caseID, CaseNumber: "CR 12/2024", OwnerIDs: []string{"u2"}}, sampleLocations(2)); err != nil {
		t.Fatalf("second SaveCase failed: %v", err)
	}
	loaded, err = s.LoadCase(ctx, caseID)
	if err != nil {
		t.Fatalf("LoadCase failed: %v", err)
	}
	if len(loaded.Locations) != 2 {
		t.Errorf("expected pruning to 2 locations, got %d", len(loaded.Locations))
	}
	if diff := cmp.Diff([]string{"u1", "u2"}, loaded.Case.OwnerIDs); diff != "" {
		t.Errorf("owner ids not merged (-want +got):\n%s", diff)
	}
}

func TestSaveCaseKeepsSnapshotURLs(t *testing.T) {
	s, _ := newClockedMemoryStore()
	ctx := context.Background()
	caseID, err := s.SaveCase(ctx, CaseRecord{CaseNumber: "A1"}, sampleLocations(2))
	if err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	url := "https://blobs.example/snapshots/a/location_0_map.png"
	if err := s.UpdateLocation(ctx, caseID, 0, LocationPatch{MapSnapshotURL: &url}); err != nil {
		t.Fatalf("UpdateLocation failed: %v", err)
	}
	if _, err := s.SaveCase(ctx, CaseRecord{CaseID: caseID, CaseNumber: "A1"}, sampleLocations(2)); err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	locs, err := s.ListLocations(ctx, caseID)
	if err != nil {
		t.Fatalf("ListLocations failed: %v", err)
	}
	if locs[0].MapSnapshotURL != url {
		t.Errorf("expected snapshot url kept across save, got %q", locs[0].MapSnapshotURL)
	}
}

func TestLoadCaseSkipsMissingOrders(t *testing.T) {
	s, _ := newClockedMemoryStore()
	ctx := context.Background()
	caseID, err := s.SaveCase(ctx, CaseRecord{CaseNumber: "gap"}, sampleLocations(3))
	if err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	s.mu.Lock()
	delete(s.cases[caseID].locations, 1)
	s.mu.Unlock()

	loaded, err := s.LoadCase(ctx, caseID)
	if err != nil {
		t.Fatalf("LoadCase failed: %v", err)
	}
	if len(loaded.Locations) != 2 || loaded.Locations[0].Order != 0 || loaded.Locations[1].Order != 2 {
		t.Errorf("expected orders [0 2], got %+v", loaded.Locations)
	}
}

func TestUpdatesMergeAndReportMissing(t *testing.T) {
	s, _ := newClockedMemoryStore()
	ctx := context.Background()
	caseID, err := s.SaveCase(ctx, CaseRecord{CaseNumber: "M1", CaseTitle: "before", Region: "Gauteng"}, sampleLocations(1))
	if err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}

	title := "after"
	selection := []int{0}
	if err := s.UpdateCase(ctx, caseID, CasePatch{CaseTitle: &title, SelectedForReport: &selection}); err != nil {
		t.Fatalf("UpdateCase failed: %v", err)
	}
	loaded, _ := s.LoadCase(ctx, caseID)
	if loaded.Case.CaseTitle != "after" || loaded.Case.Region != "Gauteng" {
		t.Errorf("unexpected merge result %+v", loaded.Case)
	}
	if diff := cmp.Diff([]int{0}, loaded.Case.SelectedForReport); diff != "" {
		t.Errorf("selection mismatch:\n%s", diff)
	}

	desc := "parked"
	if err := s.UpdateLocation(ctx, caseID, 5, LocationPatch{Description: &desc}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown order, got %v", err)
	}
	if err := s.UpdateCase(ctx, "missing", CasePatch{CaseTitle: &title}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown case, got %v", err)
	}
}

func TestDeleteCaseCascades(t *testing.T) {
	s, now := newClockedMemoryStore()
	ctx := context.Background()
	caseID, err := s.SaveCase(ctx, CaseRecord{CaseNumber: "D1", OwnerIDs: []string{"u1"}}, sampleLocations(2))
	if err != nil {
		t.Fatalf("SaveCase failed: %v", err)
	}
	if _, err := s.CreateReport(ctx, Report{CaseID: caseID, Introduction: "intro"}); err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}
	*now = now.Add(time.Second)
	if _, err := s.CreateReport(ctx, Report{CaseID: "other", Introduction: "keep"}); err != nil {
		t.Fatalf("CreateReport failed: %v", err)
	}

	if err := s.DeleteCase(ctx, caseID); err != nil {
		t.Fatalf("DeleteCase failed: %v", err)
	}
	if _, err := s.LoadCase(ctx, caseID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if n, _ := s.LocationCount(ctx, caseID); n != 0 {
		t.Errorf("expected no locations after delete, got %d", n)
	}
	if reports, _ := s.ListReports(ctx, caseID); len(reports) != 0 {
		t.Errorf("expected reports removed, got %d", len(reports))
	}
	if reports, _ := s.ListReports(ctx, "other"); len(reports) != 1 {
		t.Errorf("expected unrelated report kept, got %d", len(reports))
	}
	if err := s.DeleteCase(ctx, caseID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestListCasesForOwnerUnion(t *testing.T) {
	s, now := newClockedMemoryStore()
	ctx := context.Background()
	older, _ := s.SaveCase(ctx, CaseRecord{CaseNumber: "old", LegacyOwnerID: "u1", OwnerIDs: []string{"u9"}}, nil)
	*now = now.Add(time.Minute)
	newer, _ := s.SaveCase(ctx, CaseRecord{CaseNumber: "new", OwnerIDs: []string{"u2", "u1"}}, nil)
	_, _ = s.SaveCase(ctx, CaseRecord{CaseNumber: "other", OwnerIDs: []string{"u3"}}, nil)

	cases, err := s.ListCasesForOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("ListCasesForOwner failed: %v", err)
	}
	var ids []string
	for _, c := range cases {
		ids = append(ids, c.CaseID)
	}
	if diff := cmp.Diff([]string{newer, older}, ids); diff != "" {
		t.Errorf("owner union mismatch (-want +got):\n%s", diff)
	}
}

func TestReportsNewestFirstAndStatistics(t *testing.T) {
	s, now := newClockedMemoryStore()
	ctx := context.Background()
	withSnap, _ := s.SaveCase(ctx, CaseRecord{CaseNumber: "S1", OwnerIDs: []string{"u1"}}, sampleLocations(2))
	_, _ = s.SaveCase(ctx, CaseRecord{CaseNumber: "S2", OwnerIDs: []string{"u1"}}, nil)
	url := "https://blobs.example/x.png"
	_ = s.UpdateLocation(ctx, withSnap, 1, LocationPatch{StreetViewSnapshotURL: &url})

	first, _ := s.CreateReport(ctx, Report{CaseID: withSnap})
	*now = now.Add(time.Minute)
	second, _ := s.CreateReport(ctx, Report{CaseID: withSnap, ReportType: "summary"})

	reports, err := s.ListReports(ctx, withSnap)
	if err != nil {
		t.Fatalf("ListReports failed: %v", err)
	}
	if len(reports) != 2 || reports[0].ReportID != second || reports[1].ReportID != first {
		t.Errorf("expected newest first, got %+v", reports)
	}
	if reports[1].ReportType != "standard" {
		t.Errorf("expected default report type, got %q", reports[1].ReportType)
	}

	stats, err := s.CaseStatistics(ctx, "u1")
	if err != nil {
		t.Fatalf("CaseStatistics failed: %v", err)
	}
	want := CaseStats{TotalCases: 2, CasesWithLocations: 1, CasesWithSnapshots: 1, CasesWithReports: 1, TotalLocations: 2, TotalSnapshots: 1}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeCoordinates(t *testing.T) {
	tests := []struct {
		name             string
		lat, lng         float64
		wantLat, wantLng float64
	}{
		{"unchanged", -33.9, 18.4, -33.9, 18.4},
		{"clamped latitude", 95, 10, 90, 10},
		{"wrapped longitude", 10, 190, 10, -170},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lat, lng := NormalizeCoordinates(tt.lat, tt.lng)
			if abs(lat-tt.wantLat) > 1e-9 || abs(lng-tt.wantLng) > 1e-9 {
				t.Errorf("got (%v, %v), want (%v, %v)", lat, lng, tt.wantLat, tt.wantLng)
			}
		})
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestLocationDecodesLegacyCoordinates(t *testing.T) {
	var legacy LocationRecord
	if err := json.Unmarshal([]byte(`{"order":2,"coordinates":{"latitude":-26.2,"longitude":28.04},"title":"Mall"}`), &legacy); err != nil {
		t.Fatalf("decode legacy failed: %v", err)
	}
	if legacy.Lat != -26.2 || legacy.Lng != 28.04 || legacy.Order != 2 || legacy.Title != "Mall" {
		t.Errorf("unexpected legacy decode %+v", legacy)
	}

	var flat LocationRecord
	if err := json.Unmarshal([]byte(`{"lat":1.5,"lng":2.5,"coordinates":{"latitude":9,"longitude":9}}`), &flat); err != nil {
		t.Fatalf("decode flat failed: %v", err)
	}
	if flat.Lat != 1.5 || flat.Lng != 2.5 {
		t.Errorf("expected flat fields to win, got %+v", flat)
	}
}

func TestNewCaseID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	if got := NewCaseID("CAS 45/03-2024", at); got != "case_CAS_45_03_2024_1700000000123" {
		t.Errorf("unexpected case id %q", got)
	}
	if got := LocationID(4); got != "location_4" {
		t.Errorf("unexpected location id %q", got)
	}
}

func TestWriteErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := writeErr("save case", "case_1", cause)
	var we *WriteError
	if !errors.As(err, &we) || we.Op != "save case" || we.CaseID != "case_1" {
		t.Fatalf("expected WriteError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to unwrap")
	}
	if writeErr("x", "y", ErrNotFound) != ErrNotFound {
		t.Errorf("expected ErrNotFound passed through unchanged")
	}
}
