package search

import (
	"context"
	"strings"
)

// Scan matches cases in process. It backs search when the repository lives
// in memory.
type Scan struct {
	lister CaseLister
}

func NewScan(lister CaseLister) *Scan {
	return &Scan{lister: lister}
}

func (s *Scan) Healthy() bool { return true }

func (s *Scan) Name() string { return "scan" }

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	cases, err := s.lister.ListAllCases(ctx)
	if err != nil {
		return nil, 0, err
	}
	terms := strings.Fields(strings.ToLower(q.Text))

	var matched []Result
	for _, c := range cases {
		doc := DocumentFromCase(c)
		if q.Region != "" && !strings.EqualFold(doc.Region, q.Region) {
			continue
		}
		if q.Date != "" && doc.DateOfIncident != q.Date {
			continue
		}
		if q.OwnerID != "" && !contains(doc.OwnerIDs, q.OwnerID) {
			continue
		}
		haystack := strings.ToLower(strings.Join([]string{doc.CaseNumber, doc.CaseTitle, doc.Region, doc.ReportIntro}, " "))
		ok := true
		for _, term := range terms {
			if !strings.Contains(haystack, term) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, resultFromCase(c))
		}
	}

	total := len(matched)
	start := min(q.offset(), total)
	end := min(start+q.limit(), total)
	return matched[start:end], total, nil
}
