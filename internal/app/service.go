package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"trackx/sync/internal/annotation"
	"trackx/sync/internal/blob"
	"trackx/sync/internal/cache"
	"trackx/sync/internal/points"
	"trackx/sync/internal/search"
	"trackx/sync/internal/snapshot"
	"trackx/sync/internal/store"
)

const defaultRecentLimit = 500

// PointsSource is the remote points service.
type PointsSource interface {
	points.PageSource
	Recent(ctx context.Context, limit int) ([]points.Record, error)
	LatestPerCase(ctx context.Context) ([]points.Record, error)
}

// Deps are the collaborators a Service is built from. Ping may be nil.
type Deps struct {
	Points    PointsSource
	Cache     *cache.Manager
	Repo      store.Repository
	Blobs     blob.Store
	Session   *annotation.Store
	Snapshots *snapshot.Pipeline
	Search    *search.Service
	Ping      func(ctx context.Context) error
	Logger    *log.Logger
	CacheTTL  time.Duration
	PageSize  int
}

type Service struct {
	deps    Deps
	heatmap *points.ProgressiveFetcher
	logger  *log.Logger
}

func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = points.DefaultTTL
	}
	if deps.PageSize <= 0 {
		deps.PageSize = points.DefaultPageSize
	}
	return &Service{
		deps:    deps,
		heatmap: points.NewProgressiveFetcher(deps.Points, deps.Cache, points.DatasetHeatmap, deps.CacheTTL, deps.Logger),
		logger:  deps.Logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.deps.Ping == nil {
		return nil
	}
	return s.deps.Ping(ctx)
}

// Heatmap streams the full point set page by page. The fetch stops between
// pages once ctx is done.
func (s *Service) Heatmap(ctx context.Context, pageSize int, onChunk points.ChunkFunc) ([]points.Record, error) {
	if pageSize <= 0 {
		pageSize = s.deps.PageSize
	}
	cancel := points.NewCancelSignal()
	stop := context.AfterFunc(ctx, cancel.Cancel)
	defer stop()
	return s.heatmap.Fetch(ctx, points.ProgressiveOptions{PageSize: pageSize, OnChunk: onChunk, Cancel: cancel})
}

// Globe returns the latest point of every case.
func (s *Service) Globe(ctx context.Context) ([]points.Record, error) {
	return s.deps.Cache.Get(ctx, points.DatasetGlobe, s.deps.Points.LatestPerCase, s.deps.CacheTTL)
}

// Recent returns the most recent points for the mini heatmap.
func (s *Service) Recent(ctx context.Context, limit int) ([]points.Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	return s.deps.Cache.Get(ctx, points.DatasetRecentMini, func(ctx context.Context) ([]points.Record, error) {
		return s.deps.Points.Recent(ctx, limit)
	}, s.deps.CacheTTL)
}

func (s *Service) InvalidateDataset(ctx context.Context, dataset string) error {
	switch dataset {
	case points.DatasetHeatmap, points.DatasetGlobe, points.DatasetRecentMini:
		return s.deps.Cache.Invalidate(ctx, dataset)
	}
	return domainError(http.StatusNotFound, "UNKNOWN_DATASET", fmt.Sprintf("Unknown dataset %q", dataset), nil)
}

func (s *Service) BeginSession(ctx context.Context, draft annotation.Draft) (annotation.Status, error) {
	if strings.TrimSpace(draft.Case.CaseNumber) == "" {
		return annotation.Status{}, validationError("case.caseNumber is required")
	}
	return s.deps.Session.Begin(ctx, draft)
}

func (s *Service) LoadSession(ctx context.Context) (annotation.LoadResult, error) {
	return s.deps.Session.Load(ctx)
}

func (s *Service) SessionStatus(ctx context.Context) (map[string]any, error) {
	status := s.deps.Session.Status()
	order, ok, err := s.deps.Session.CurrentLocation(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.deps.Session.PendingSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	response := map[string]any{
		"state":            status.State,
		"caseId":           status.CaseID,
		"draft":            status.Draft,
		"pendingSnapshots": len(pending),
	}
	if ok {
		response["currentLocation"] = order
	}
	return response, nil
}

func (s *Service) EditCase(ctx context.Context, edit annotation.CaseEdit) error {
	if edit.Empty() {
		return validationError("no case fields to update")
	}
	return s.deps.Session.EditCase(ctx, edit)
}

func (s *Service) EditLocation(ctx context.Context, order int, edit annotation.LocationEdit) error {
	if edit.Title == nil && edit.Description == nil {
		return validationError("no location fields to update")
	}
	return s.deps.Session.EditLocation(ctx, order, edit)
}

func (s *Service) SetCurrentLocation(ctx context.Context, order int) error {
	return s.deps.Session.SetCurrentLocation(ctx, order)
}

// SaveSession flushes the draft to the cloud and refreshes the search index.
func (s *Service) SaveSession(ctx context.Context) (annotation.SaveResult, error) {
	result, err := s.deps.Session.Save(ctx)
	if err != nil {
		return result, err
	}
	if s.deps.Search != nil && result.CaseError == nil {
		if saved, err := s.deps.Repo.LoadCase(ctx, result.CaseID); err == nil {
			s.deps.Search.IndexCase(saved.Case)
		} else {
			s.logger.Printf("app: reload %s for indexing: %v", result.CaseID, err)
		}
	}
	return result, nil
}

func (s *Service) CaptureSnapshot(ctx context.Context, item snapshot.Captured) error {
	if item.MapImage == "" && item.StreetViewImage == "" && item.Title == "" && item.Description == "" {
		return validationError("snapshot carries no image or annotation")
	}
	return s.deps.Session.CaptureSnapshot(ctx, item)
}

// PersistSnapshots uploads the pending captures of the session's case. Items
// that failed stay pending for the next attempt.
func (s *Service) PersistSnapshots(ctx context.Context) (snapshot.Result, error) {
	caseID := s.deps.Session.CaseID()
	pending, err := s.deps.Session.PendingSnapshots(ctx)
	if err != nil {
		return snapshot.Result{}, err
	}
	result, err := s.deps.Snapshots.PersistSnapshots(ctx, caseID, pending)
	if err != nil {
		return snapshot.Result{}, err
	}
	if err := s.deps.Session.RecordUploads(ctx, result.Uploaded); err != nil {
		s.logger.Printf("app: record uploads for %s: %v", caseID, err)
	}

	failed := make(map[int]bool, len(result.Errors))
	for _, itemErr := range result.Errors {
		failed[itemErr.Order] = true
	}
	if err := s.deps.Session.ClearSnapshots(ctx); err != nil {
		return result, err
	}
	for _, item := range pending {
		if failed[item.Order] {
			if err := s.deps.Session.CaptureSnapshot(ctx, item); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (s *Service) CloseSession(ctx context.Context) error {
	return s.deps.Session.Close(ctx)
}

func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return validationError("owner is required")
	}
	return nil
}

func (s *Service) ListCases(ctx context.Context, owner string) ([]store.CaseRecord, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	return s.deps.Repo.ListCasesForOwner(ctx, owner)
}

func (s *Service) SearchCases(ctx context.Context, q search.Query) search.Response {
	return s.deps.Search.Search(ctx, q)
}

func (s *Service) CaseStats(ctx context.Context, owner string) (store.CaseStats, error) {
	if err := requireOwner(owner); err != nil {
		return store.CaseStats{}, err
	}
	return s.deps.Repo.CaseStatistics(ctx, owner)
}

func (s *Service) GetCase(ctx context.Context, caseID string) (store.CaseWithLocations, error) {
	return s.deps.Repo.LoadCase(ctx, caseID)
}

// DeleteCase removes the case with its locations, reports and snapshot blobs.
func (s *Service) DeleteCase(ctx context.Context, caseID string) error {
	if err := s.deps.Repo.DeleteCase(ctx, caseID); err != nil {
		return err
	}
	if s.deps.Blobs != nil {
		if n, err := blob.DeletePrefix(ctx, s.deps.Blobs, "snapshots/"+caseID+"/"); err != nil {
			s.logger.Printf("app: delete snapshots of %s: %v", caseID, err)
		} else if n > 0 {
			s.logger.Printf("app: deleted %d snapshots of %s", n, caseID)
		}
	}
	if s.deps.Search != nil {
		s.deps.Search.DeleteCase(caseID)
	}
	return nil
}

func (s *Service) ListReports(ctx context.Context, caseID string) ([]store.Report, error) {
	if _, err := s.deps.Repo.LoadCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.deps.Repo.ListReports(ctx, caseID)
}

func (s *Service) CreateReport(ctx context.Context, caseID string, report store.Report) (store.Report, error) {
	if report.ReportID != "" {
		return store.Report{}, validationError("reportId is assigned by the server")
	}
	if _, err := s.deps.Repo.LoadCase(ctx, caseID); err != nil {
		return store.Report{}, err
	}
	report.CaseID = caseID
	id, err := s.deps.Repo.CreateReport(ctx, report)
	if err != nil {
		return store.Report{}, err
	}
	reports, err := s.deps.Repo.ListReports(ctx, caseID)
	if err != nil {
		return store.Report{}, err
	}
	for _, r := range reports {
		if r.ReportID == id {
			return r, nil
		}
	}
	return store.Report{}, errors.New("created report not found")
}

func (s *Service) CaseSnapshots(ctx context.Context, caseID string) ([]snapshot.Stored, error) {
	if _, err := s.deps.Repo.LoadCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.deps.Snapshots.LoadSnapshots(ctx, caseID)
}
