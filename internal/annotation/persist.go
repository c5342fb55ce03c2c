package annotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"trackx/sync/internal/store"
)

const persistConcurrency = 8

// Meta is the report-level annotation merged into the case on save.
type Meta struct {
	ReportIntro       string `json:"reportIntro"`
	ReportConclusion  string `json:"reportConclusion"`
	SelectedForReport []int  `json:"selectedForReport"`
}

func MetaFromCase(c store.CaseRecord) Meta {
	return Meta{ReportIntro: c.ReportIntro, ReportConclusion: c.ReportConclusion, SelectedForReport: c.SelectedForReport}
}

type LocationError struct {
	Order int   `json:"order"`
	Err   error `json:"-"`
}

func (e LocationError) Error() string {
	return fmt.Sprintf("%s: %v", store.LocationID(e.Order), e.Err)
}

func (e LocationError) Unwrap() error { return e.Err }

type SaveResult struct {
	CaseID           string          `json:"caseId,omitempty"`
	Created          bool            `json:"created,omitempty"`
	CloudUnavailable bool            `json:"cloudUnavailable,omitempty"`
	Saved            int             `json:"saved"`
	CaseError        error           `json:"-"`
	LocationErrors   []LocationError `json:"-"`
}

// OK reports whether every write of the save succeeded.
func (r SaveResult) OK() bool {
	return r.CaseError == nil && len(r.LocationErrors) == 0
}

// Err joins the failures of the save, or returns nil.
func (r SaveResult) Err() error {
	errs := make([]error, 0, len(r.LocationErrors)+1)
	if r.CaseError != nil {
		errs = append(errs, r.CaseError)
	}
	for _, le := range r.LocationErrors {
		errs = append(errs, le)
	}
	return errors.Join(errs...)
}

// Persist merges the case metadata and every location's title and
// description into the cloud record. All writes are attempted; failures are
// reported per write.
func (s *Store) Persist(ctx context.Context, caseID string, c store.CaseRecord, locations []store.LocationRecord, meta Meta) SaveResult {
	titles := make([]string, len(locations))
	for i, loc := range locations {
		titles[i] = loc.Title
		if titles[i] == "" && i < len(c.LocationTitles) {
			titles[i] = c.LocationTitles[i]
		}
	}
	selected := append([]int{}, meta.SelectedForReport...)
	casePatch := store.CasePatch{
		CaseTitle:         &c.CaseTitle,
		LocationTitles:    &titles,
		ReportIntro:       &meta.ReportIntro,
		ReportConclusion:  &meta.ReportConclusion,
		SelectedForReport: &selected,
	}

	var (
		mu     sync.Mutex
		result = SaveResult{CaseID: caseID}
		g      errgroup.Group
	)
	g.SetLimit(persistConcurrency)
	g.Go(func() error {
		if err := s.repo.UpdateCase(ctx, caseID, casePatch); err != nil {
			mu.Lock()
			result.CaseError = fmt.Errorf("update case %s: %w", caseID, err)
			mu.Unlock()
		}
		return nil
	})
	for i, loc := range locations {
		title, description, order := titles[i], loc.Description, loc.Order
		g.Go(func() error {
			err := s.repo.UpdateLocation(ctx, caseID, order, store.LocationPatch{Title: &title, Description: &description})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.LocationErrors = append(result.LocationErrors, LocationError{Order: order, Err: err})
				return nil
			}
			result.Saved++
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.LocationErrors, func(i, j int) bool {
		return result.LocationErrors[i].Order < result.LocationErrors[j].Order
	})
	if !result.OK() {
		s.logger.Printf("annotation: save %s: %d of %d locations failed: %v",
			caseID, len(result.LocationErrors), len(locations), result.Err())
	}
	return result
}
