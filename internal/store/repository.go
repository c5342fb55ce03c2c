// Package store is the canonical case document store: cases, their ordered
// locations and the reports generated from them.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/golang/geo/s2"
)

var ErrNotFound = errors.New("store: not found")

// WriteError is a failed write against the document store.
type WriteError struct {
	Op     string
	CaseID string
	Err    error
}

func (e *WriteError) Error() string {
	if e.CaseID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.CaseID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func writeErr(op, caseID string, err error) error {
	if err == nil {
		return nil
	}
	var we *WriteError
	if errors.As(err, &we) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &WriteError{Op: op, CaseID: caseID, Err: err}
}

// Repository is implemented by the Postgres store and the in-memory one.
type Repository interface {
	SaveCase(ctx context.Context, c CaseRecord, locations []LocationRecord) (string, error)
	LoadCase(ctx context.Context, caseID string) (CaseWithLocations, error)
	CaseExists(ctx context.Context, caseID string) (bool, error)
	UpdateCase(ctx context.Context, caseID string, patch CasePatch) error
	UpdateLocation(ctx context.Context, caseID string, order int, patch LocationPatch) error
	LocationCount(ctx context.Context, caseID string) (int, error)
	ListLocations(ctx context.Context, caseID string) ([]LocationRecord, error)
	ListCasesForOwner(ctx context.Context, ownerID string) ([]CaseRecord, error)
	DeleteCase(ctx context.Context, caseID string) error
	CreateReport(ctx context.Context, report Report) (string, error)
	ListReports(ctx context.Context, caseID string) ([]Report, error)
	CaseStatistics(ctx context.Context, ownerID string) (CaseStats, error)
}

var caseNumberUnsafe = regexp.MustCompile(`[^a-zA-Z0-9]`)

// NewCaseID builds the id a new case is stored under.
func NewCaseID(caseNumber string, now time.Time) string {
	return "case_" + caseNumberUnsafe.ReplaceAllString(caseNumber, "_") + "_" + strconv.FormatInt(now.UnixMilli(), 10)
}

// LocationID is the document id of the location at order.
func LocationID(order int) string {
	return "location_" + strconv.Itoa(order)
}

// NormalizeCoordinates clamps latitude to [-90, 90] and wraps longitude into
// [-180, 180]. Non-finite input becomes 0.
func NormalizeCoordinates(lat, lng float64) (float64, float64) {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		lat = 0
	}
	if math.IsNaN(lng) || math.IsInf(lng, 0) {
		lng = 0
	}
	ll := s2.LatLngFromDegrees(lat, lng).Normalized()
	return ll.Lat.Degrees(), ll.Lng.Degrees()
}

func mergeOwners(existing, incoming []string) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// prepareLocations assigns order = index and normalises coordinates.
func prepareLocations(locations []LocationRecord, titles []string) []LocationRecord {
	out := make([]LocationRecord, len(locations))
	for i, loc := range locations {
		loc.Order = i
		loc.Lat, loc.Lng = NormalizeCoordinates(loc.Lat, loc.Lng)
		if loc.Title == "" && i < len(titles) {
			loc.Title = titles[i]
		}
		out[i] = loc
	}
	return out
}

// compactByOrder places locations at their order and drops the gaps, so a
// missing order never shifts the others.
func compactByOrder(locations []LocationRecord) []LocationRecord {
	maxOrder := -1
	for _, loc := range locations {
		if loc.Order > maxOrder {
			maxOrder = loc.Order
		}
	}
	slots := make([]*LocationRecord, maxOrder+1)
	for i := range locations {
		if locations[i].Order >= 0 {
			slots[locations[i].Order] = &locations[i]
		}
	}
	out := make([]LocationRecord, 0, len(locations))
	for _, slot := range slots {
		if slot != nil {
			out = append(out, *slot)
		}
	}
	return out
}

func newCaseDefaults(c *CaseRecord, now time.Time) {
	if c.CaseID == "" {
		c.CaseID = NewCaseID(c.CaseNumber, now)
	}
	if c.Urgency == "" {
		c.Urgency = DefaultUrgency
	}
	if c.LocationTitles == nil {
		c.LocationTitles = []string{}
	}
	if c.SelectedForReport == nil {
		c.SelectedForReport = []int{}
	}
}

var (
	_ Repository = (*PostgresStore)(nil)
	_ Repository = (*MemoryStore)(nil)
)
