// Package points retrieves location point datasets from the remote points
// service, either in one shot or progressively page by page.
package points

// Kind marks a point as the first or last stop of a case route.
type Kind string

const (
	KindStart Kind = "start"
	KindEnd   Kind = "end"
)

// Dataset keys for the cached point collections.
const (
	DatasetHeatmap    = "heatmap"
	DatasetGlobe      = "globe"
	DatasetRecentMini = "mini-heatmap-recent"
)

// Record is a single location point. Records are never mutated after decoding.
type Record struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	CaseID    string  `json:"caseId,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	Kind      Kind    `json:"kind,omitempty"`
}

// Page is one response of the paginated endpoint. An empty NextCursor means
// there are no further pages.
type Page struct {
	Points     []Record `json:"points"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Clone returns a copy of records so callers cannot alias cached slices.
func Clone(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
