package search

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"trackx/sync/internal/store"
)

type fakeIndex struct {
	healthy  bool
	searchFn func(ctx context.Context, q Query) ([]Result, int, error)

	mu      sync.Mutex
	indexed []CaseDocument
	deleted []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Name() string { return "fake" }

func (f *fakeIndex) Search(ctx context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(ctx, q)
}

func (f *fakeIndex) IndexCases(_ context.Context, docs []CaseDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, docs...)
	return nil
}

func (f *fakeIndex) DeleteCase(_ context.Context, caseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, caseID)
	return nil
}

func seedRepo(t *testing.T) *store.MemoryStore {
	t.Helper()
	repo := store.NewMemoryStore()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	ctx := context.Background()
	for _, c := range []store.CaseRecord{
		{CaseNumber: "GP-100", CaseTitle: "Stolen bakkie Soweto", Region: "Gauteng", DateOfIncident: "2024-02-10", OwnerIDs: []string{"u1"}},
		{CaseNumber: "WC-200", CaseTitle: "Hijacked truck N1", Region: "Western Cape", DateOfIncident: "2024-02-11", OwnerIDs: []string{"u2"}},
		{CaseNumber: "GP-300", CaseTitle: "Missing truck Midrand", Region: "Gauteng", DateOfIncident: "2024-02-11", LegacyOwnerID: "u1"},
	} {
		if _, err := repo.SaveCase(ctx, c, nil); err != nil {
			t.Fatalf("seed case: %v", err)
		}
	}
	return repo
}

func caseNumbers(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.CaseNumber)
	}
	return out
}

func TestScanSearch(t *testing.T) {
	scan := NewScan(seedRepo(t))
	ctx := context.Background()

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"text", Query{Text: "truck"}, []string{"GP-300", "WC-200"}},
		{"multi term", Query{Text: "TRUCK midrand"}, []string{"GP-300"}},
		{"region", Query{Region: "gauteng"}, []string{"GP-300", "GP-100"}},
		{"date", Query{Date: "2024-02-11", Region: "Western Cape"}, []string{"WC-200"}},
		{"legacy owner", Query{OwnerID: "u1", Text: "truck"}, []string{"GP-300"}},
		{"paged", Query{Limit: 1, Offset: 1}, []string{"WC-200"}},
		{"no match", Query{Text: "boat"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, _, err := scan.Search(ctx, tt.query)
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, caseNumbers(results)); diff != "" {
				t.Errorf("results mismatch (-want +got):\n%s", diff)
			}
		})
	}

	_, total, err := scan.Search(ctx, Query{Limit: 1})
	if err != nil || total != 3 {
		t.Errorf("expected total 3 regardless of limit, got %d (%v)", total, err)
	}
}

func TestServiceFallsBackWhenIndexFails(t *testing.T) {
	var logs bytes.Buffer
	index := &fakeIndex{healthy: true, searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("timeout")
	}}
	svc := NewService(index, NewScan(seedRepo(t)), log.New(&logs, "", 0))

	resp := svc.Search(context.Background(), Query{Text: "bakkie"})
	if resp.Backend != "scan" || resp.Total != 1 || resp.Results[0].CaseNumber != "GP-100" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.Contains(logs.String(), "falling back to scan") {
		t.Errorf("expected fallback logged, got %q", logs.String())
	}
}

func TestServiceUsesHealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: true, searchFn: func(_ context.Context, q Query) ([]Result, int, error) {
		if q.Region != "Gauteng" {
			t.Errorf("expected region filter passed through, got %+v", q)
		}
		return []Result{{CaseID: "c1", CaseNumber: "GP-1"}}, 1, nil
	}}
	svc := NewService(index, NewScan(store.NewMemoryStore()), nil)
	resp := svc.Search(context.Background(), Query{Text: "x", Region: "Gauteng"})
	if resp.Backend != "fake" || len(resp.Results) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}

	index.healthy = false
	resp = svc.Search(context.Background(), Query{Text: "x"})
	if resp.Backend != "scan" || resp.Results == nil {
		t.Errorf("expected scan fallback with empty results, got %+v", resp)
	}
}

func TestServiceIndexing(t *testing.T) {
	repo := seedRepo(t)
	index := &fakeIndex{healthy: true}
	svc := NewService(index, NewScan(repo), nil)

	n, err := svc.Reindex(context.Background(), repo)
	if err != nil || n != 3 {
		t.Fatalf("Reindex = %d, %v", n, err)
	}

	svc.IndexCase(store.CaseRecord{CaseID: "case_x", CaseNumber: "X", OwnerIDs: []string{"u9"}, LegacyOwnerID: "u8"})
	svc.DeleteCase("case_y")
	svc.Wait()

	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.indexed) != 4 {
		t.Fatalf("expected 4 indexed documents, got %d", len(index.indexed))
	}
	last := index.indexed[3]
	if diff := cmp.Diff([]string{"u9", "u8"}, last.OwnerIDs); diff != "" {
		t.Errorf("owner ids mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"case_y"}, index.deleted); diff != "" {
		t.Errorf("deleted mismatch:\n%s", diff)
	}
}

func TestServiceSkipsIndexingWithoutIndex(t *testing.T) {
	svc := NewService(nil, NewScan(store.NewMemoryStore()), nil)
	svc.IndexCase(store.CaseRecord{CaseID: "c"})
	svc.Wait()
	if n, err := svc.Reindex(context.Background(), store.NewMemoryStore()); n != 0 || err != nil {
		t.Errorf("expected no-op reindex, got %d %v", n, err)
	}
}

func TestBuildWhere(t *testing.T) {
	where, args := buildWhere(Query{Text: " truck ", Region: "Gauteng", Date: "2024-02-11", OwnerID: "u1"})
	want := "WHERE search_vector @@ plainto_tsquery('simple', $1) AND lower(region) = lower($2) AND date_of_incident = $3 AND (owner_ids @> jsonb_build_array($4::text) OR owner_id = $4)"
	if where != want {
		t.Errorf("unexpected where:\n got %s\nwant %s", where, want)
	}
	if diff := cmp.Diff([]any{"truck", "Gauteng", "2024-02-11", "u1"}, args); diff != "" {
		t.Errorf("args mismatch:\n%s", diff)
	}
	if where, args := buildWhere(Query{}); where != "" || len(args) != 0 {
		t.Errorf("expected empty where, got %q %v", where, args)
	}
}
