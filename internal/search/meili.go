package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxCases = "trackx_cases"

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *log.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the case index. An
// unreachable server is logged; the client keeps probing in the background.
func NewMeili(url, apiKey string, logger *log.Logger) *Meili {
	if logger == nil {
		logger = log.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Printf("search: meilisearch unavailable at %s: %v", url, err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) Name() string { return "meilisearch" }

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxCases, PrimaryKey: "id"}); err != nil {
		m.logger.Printf("search: create index %s (may already exist): %v", idxCases, err)
	}
	index := m.client.Index(idxCases)
	filterable := []interface{}{"region", "dateOfIncident", "ownerIds", "urgency"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Printf("search: update filterable attrs for %s: %v", idxCases, err)
	}
	searchable := []string{"caseNumber", "caseTitle", "region", "reportIntro"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Printf("search: update searchable attrs for %s: %v", idxCases, err)
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Printf("search: update sortable attrs for %s: %v", idxCases, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func filterExpr(q Query) []string {
	var filters []string
	if q.Region != "" {
		filters = append(filters, fmt.Sprintf("region = %q", q.Region))
	}
	if q.Date != "" {
		filters = append(filters, fmt.Sprintf("dateOfIncident = %q", q.Date))
	}
	if q.OwnerID != "" {
		filters = append(filters, fmt.Sprintf("ownerIds = %q", q.OwnerID))
	}
	return filters
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxCases,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToHighlight: []string{"caseTitle", "reportIntro"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := filterExpr(q); len(filters) > 0 {
		sr.Filter = filters
	}
	if strings.TrimSpace(q.Text) == "" {
		sr.Sort = []string{"createdAt:desc"}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{sr}})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		CaseID:         decodeString(hit, "id"),
		CaseNumber:     decodeString(hit, "caseNumber"),
		CaseTitle:      decodeString(hit, "caseTitle"),
		Region:         decodeString(hit, "region"),
		DateOfIncident: decodeString(hit, "dateOfIncident"),
		Urgency:        decodeString(hit, "urgency"),
		Snippet: firstNonBlank(
			decodeFormattedString(hit, "reportIntro"),
			decodeFormattedString(hit, "caseTitle"),
		),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	s, _ := formatted[key].(string)
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexCases(_ context.Context, docs []CaseDocument) error {
	if len(docs) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxCases).AddDocuments(docs, nil); err != nil {
		return fmt.Errorf("index %d cases: %w", len(docs), err)
	}
	return nil
}

func (m *Meili) DeleteCase(_ context.Context, caseID string) error {
	if _, err := m.client.Index(idxCases).DeleteDocument(caseID, nil); err != nil {
		return fmt.Errorf("delete case %s from index: %w", caseID, err)
	}
	return nil
}
