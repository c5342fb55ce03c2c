// Package search finds cases by text, region and incident date. Meilisearch
// is used when configured and healthy; Postgres full-text search (or a scan
// of the in-memory repository) is the fallback.
package search

import (
	"context"

	"trackx/sync/internal/store"
)

const DefaultLimit = 20

// Result is a single case hit.
type Result struct {
	CaseID         string `json:"caseId"`
	CaseNumber     string `json:"caseNumber"`
	CaseTitle      string `json:"caseTitle"`
	Region         string `json:"region"`
	DateOfIncident string `json:"dateOfIncident"`
	Urgency        string `json:"urgency"`
	Snippet        string `json:"snippet,omitempty"`
}

// Query describes a search request. Empty fields do not filter.
type Query struct {
	Text    string
	Region  string
	Date    string
	OwnerID string
	Limit   int
	Offset  int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
	Name() string
}

// Index is a searcher that also accepts case documents.
type Index interface {
	Searcher
	IndexCases(ctx context.Context, docs []CaseDocument) error
	DeleteCase(ctx context.Context, caseID string) error
}

// CaseLister lists every case for reindexing and for the in-memory fallback.
type CaseLister interface {
	ListAllCases(ctx context.Context) ([]store.CaseRecord, error)
}

// CaseDocument is the data indexed for a case.
type CaseDocument struct {
	ID             string   `json:"id"`
	CaseNumber     string   `json:"caseNumber"`
	CaseTitle      string   `json:"caseTitle"`
	Region         string   `json:"region"`
	DateOfIncident string   `json:"dateOfIncident"`
	Urgency        string   `json:"urgency"`
	OwnerIDs       []string `json:"ownerIds"`
	ReportIntro    string   `json:"reportIntro"`
	CreatedAt      int64    `json:"createdAt"`
}

func DocumentFromCase(c store.CaseRecord) CaseDocument {
	owners := append([]string{}, c.OwnerIDs...)
	if c.LegacyOwnerID != "" && !contains(owners, c.LegacyOwnerID) {
		owners = append(owners, c.LegacyOwnerID)
	}
	return CaseDocument{
		ID:             c.CaseID,
		CaseNumber:     c.CaseNumber,
		CaseTitle:      c.CaseTitle,
		Region:         c.Region,
		DateOfIncident: c.DateOfIncident,
		Urgency:        c.Urgency,
		OwnerIDs:       owners,
		ReportIntro:    c.ReportIntro,
		CreatedAt:      c.CreatedAt.UnixMilli(),
	}
}

func resultFromCase(c store.CaseRecord) Result {
	return Result{
		CaseID:         c.CaseID,
		CaseNumber:     c.CaseNumber,
		CaseTitle:      c.CaseTitle,
		Region:         c.Region,
		DateOfIncident: c.DateOfIncident,
		Urgency:        c.Urgency,
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
