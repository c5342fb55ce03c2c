package search

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func fakeMeiliServer(t *testing.T) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var (
		mu       sync.Mutex
		searches []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/health":
			_, _ = io.WriteString(w, `{"status":"available"}`)
		case r.URL.Path == "/multi-search":
			var body struct {
				Queries []map[string]any `json:"queries"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode multi-search: %v", err)
			}
			mu.Lock()
			searches = append(searches, body.Queries...)
			mu.Unlock()
			_, _ = io.WriteString(w, `{"results":[{"indexUid":"trackx_cases","estimatedTotalHits":1,"hits":[
				{"id":"case_GP_1_1","caseNumber":"GP-1","caseTitle":"Stolen bakkie","region":"Gauteng",
				 "dateOfIncident":"2024-02-10","urgency":"High",
				 "_formatted":{"caseTitle":"Stolen <mark>bakkie</mark>","reportIntro":""}}]}]}`)
		default:
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"taskUid":1,"indexUid":"trackx_cases","status":"enqueued","type":"settingsUpdate","enqueuedAt":"2024-01-01T00:00:00Z"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &searches
}

func TestMeiliSearch(t *testing.T) {
	srv, searches := fakeMeiliServer(t)
	m := NewMeili(srv.URL, "key", log.New(io.Discard, "", 0))
	defer m.Close()

	if !m.Healthy() {
		t.Fatal("expected healthy client")
	}
	results, total, err := m.Search(context.Background(), Query{Text: "bakkie", Region: "Gauteng", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if total != 1 || len(results) != 1 {
		t.Fatalf("expected one hit, got %d (%+v)", total, results)
	}
	got := results[0]
	if got.CaseID != "case_GP_1_1" || got.Urgency != "High" || got.Snippet != "Stolen <mark>bakkie</mark>" {
		t.Errorf("unexpected result %+v", got)
	}

	if len(*searches) != 1 {
		t.Fatalf("expected one query sent, got %d", len(*searches))
	}
	sent := (*searches)[0]
	if sent["indexUid"] != idxCases || sent["q"] != "bakkie" {
		t.Errorf("unexpected query %v", sent)
	}
	filters, _ := sent["filter"].([]any)
	if len(filters) != 2 || filters[0] != `region = "Gauteng"` || filters[1] != `ownerIds = "u1"` {
		t.Errorf("unexpected filters %v", sent["filter"])
	}
}

func TestMeiliUnhealthySkipsRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMeili(srv.URL, "", log.New(io.Discard, "", 0))
	defer m.Close()
	if m.Healthy() {
		t.Fatal("expected unhealthy client")
	}
	if _, _, err := m.Search(context.Background(), Query{Text: "x"}); err == nil {
		t.Error("expected error from unhealthy client")
	}
}

func TestFilterExpr(t *testing.T) {
	got := filterExpr(Query{Region: `Free "State"`, Date: "2024-01-02"})
	if len(got) != 2 || got[0] != `region = "Free \"State\""` || got[1] != `dateOfIncident = "2024-01-02"` {
		t.Errorf("unexpected filters %v", got)
	}
	if filterExpr(Query{Text: "only text"}) != nil {
		t.Error("expected no filters for a text-only query")
	}
}
