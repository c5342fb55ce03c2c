// Package annotation keeps one case's annotation draft consistent between the
// device-local store and the cloud case repository.
package annotation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"trackx/sync/internal/localstore"
	"trackx/sync/internal/snapshot"
	"trackx/sync/internal/store"
)

var (
	ErrNoCaseContext    = errors.New("annotation: no local draft and no remembered case")
	ErrSessionNotLoaded = errors.New("annotation: session not loaded")
	ErrStaleReference   = errors.New("annotation: remembered case id belongs to another case")
	ErrEmptyDraft       = errors.New("annotation: draft has no locations")
	ErrUnknownLocation  = errors.New("annotation: no location at order")
)

type State string

const (
	StateUninitialized      State = "uninitialized"
	StateLocalAuthoritative State = "local-authoritative"
	StateCloudAuthoritative State = "cloud-authoritative"
	StateSynced             State = "synced"
	StateClosed             State = "closed"
)

// markDirty records that the draft has diverged from the cloud record.
func (s *Store) markDirty() {
	s.rev++
	if s.state == StateSynced || s.state == StateCloudAuthoritative {
		s.state = StateLocalAuthoritative
	}
}

func (s State) accepting() bool {
	return s == StateLocalAuthoritative || s == StateCloudAuthoritative || s == StateSynced
}

// Draft is the device-local working copy of a case.
type Draft struct {
	Case      store.CaseRecord       `json:"case"`
	Locations []store.LocationRecord `json:"locations"`
}

func (d Draft) clone() Draft {
	out := Draft{Case: d.Case, Locations: make([]store.LocationRecord, len(d.Locations))}
	out.Case.OwnerIDs = append([]string(nil), d.Case.OwnerIDs...)
	out.Case.LocationTitles = append([]string{}, d.Case.LocationTitles...)
	out.Case.SelectedForReport = append([]int{}, d.Case.SelectedForReport...)
	copy(out.Locations, d.Locations)
	return out
}

type LoadResult struct {
	State                   State  `json:"state"`
	CaseID                  string `json:"caseId,omitempty"`
	Draft                   Draft  `json:"draft"`
	StaleReferenceDiscarded bool   `json:"staleReferenceDiscarded,omitempty"`
	CloudUnavailable        bool   `json:"cloudUnavailable,omitempty"`
	// Warning carries the recovered problem, if any, for callers that want
	// to surface it.
	Warning error `json:"-"`
}

// Status is a read-only view of the session.
type Status struct {
	State  State  `json:"state"`
	CaseID string `json:"caseId,omitempty"`
	Draft  Draft  `json:"draft"`
}

// CaseEdit merges into the draft's case metadata.
type CaseEdit = store.CasePatch

type LocationEdit struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// CaseRepository is the part of store.Repository the session syncs against.
type CaseRepository interface {
	SaveCase(ctx context.Context, c store.CaseRecord, locations []store.LocationRecord) (string, error)
	LoadCase(ctx context.Context, caseID string) (store.CaseWithLocations, error)
	UpdateCase(ctx context.Context, caseID string, patch store.CasePatch) error
	UpdateLocation(ctx context.Context, caseID string, order int, patch store.LocationPatch) error
}

// Store owns the annotation session. Durable holds the draft, the remembered
// cloud id and the current location; session holds captured snapshots.
type Store struct {
	durable localstore.Store
	session localstore.Store
	repo    CaseRepository
	logger  *log.Logger

	// syncMu serialises cloud round trips; mu guards the fields below and is
	// never held across a repository call.
	syncMu sync.Mutex
	mu     sync.Mutex
	state  State
	draft  Draft
	caseID string
	gen    uint64 // bumped when the session is replaced
	rev    uint64 // bumped on every local edit
}

func New(durable, session localstore.Store, repo CaseRepository, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{durable: durable, session: session, repo: repo, logger: logger, state: StateUninitialized}
}

func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, CaseID: s.caseID, Draft: s.draft.clone()}
}

// CaseID returns the cloud id of the session's case, or "" before the first
// successful save.
func (s *Store) CaseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caseID
}

func (s *Store) readDraft(ctx context.Context) (Draft, bool, error) {
	var d Draft
	err := localstore.GetJSON(ctx, s.durable, localstore.KeyCaseDraft, &d)
	if errors.Is(err, localstore.ErrNotFound) {
		return Draft{}, false, nil
	}
	if err != nil {
		return Draft{}, false, fmt.Errorf("read draft: %w", err)
	}
	return d, true, nil
}

func (s *Store) writeDraft(ctx context.Context, d Draft) error {
	if err := localstore.SetJSON(ctx, s.durable, localstore.KeyCaseDraft, d, 0); err != nil {
		return fmt.Errorf("write draft: %w", err)
	}
	return nil
}

func (s *Store) readCaseID(ctx context.Context) (string, error) {
	raw, err := s.durable.Get(ctx, localstore.KeyCloudCaseID)
	if errors.Is(err, localstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read case id: %w", err)
	}
	return string(raw), nil
}

func (s *Store) rememberCaseID(ctx context.Context, id string) error {
	if err := s.durable.Set(ctx, localstore.KeyCloudCaseID, []byte(id), 0); err != nil {
		return fmt.Errorf("remember case id: %w", err)
	}
	return nil
}

// Load resolves the working copy from the local draft and the remembered
// cloud id.
func (s *Store) Load(ctx context.Context) (LoadResult, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	draft, hasDraft, err := s.readDraft(ctx)
	if err != nil {
		return LoadResult{}, err
	}
	id, err := s.readCaseID(ctx)
	if err != nil {
		return LoadResult{}, err
	}
	hasDraft = hasDraft && len(draft.Locations) > 0

	var result LoadResult
	switch {
	case hasDraft && id != "":
		result, err = s.reconcile(ctx, draft, id)
	case hasDraft:
		result, err = s.createFromDraft(ctx, draft)
	case id != "":
		result, err = s.pullCloud(ctx, id)
	default:
		return LoadResult{}, ErrNoCaseContext
	}
	if err != nil {
		return LoadResult{}, err
	}

	s.mu.Lock()
	s.gen++
	s.state = result.State
	s.draft = result.Draft.clone()
	s.caseID = result.CaseID
	s.mu.Unlock()
	return result, nil
}

// reconcile checks a remembered cloud id against the local draft. The local
// draft stays authoritative unless the id points at a different case, in
// which case the id is dropped.
func (s *Store) reconcile(ctx context.Context, draft Draft, id string) (LoadResult, error) {
	cloud, err := s.repo.LoadCase(ctx, id)
	if err != nil {
		s.logger.Printf("annotation: pull %s failed, keeping local draft: %v", id, err)
		return LoadResult{State: StateLocalAuthoritative, CaseID: id, Draft: draft}, nil
	}
	if cloud.Case.CaseNumber == draft.Case.CaseNumber {
		return LoadResult{State: StateLocalAuthoritative, CaseID: id, Draft: draft}, nil
	}

	warning := fmt.Errorf("%w: %s holds case %q, draft is case %q", ErrStaleReference, id, cloud.Case.CaseNumber, draft.Case.CaseNumber)
	s.logger.Printf("annotation: %v; discarding reference", warning)
	if err := s.durable.Delete(ctx, localstore.KeyCloudCaseID); err != nil {
		return LoadResult{}, fmt.Errorf("forget case id: %w", err)
	}
	if err := s.session.Delete(ctx, localstore.KeySnapshots); err != nil {
		s.logger.Printf("annotation: clear snapshots: %v", err)
	}
	if draft.Case.CaseID == id {
		draft.Case.CaseID = ""
		if err := s.writeDraft(ctx, draft); err != nil {
			return LoadResult{}, err
		}
	}
	return LoadResult{
		State:                   StateLocalAuthoritative,
		Draft:                   draft,
		StaleReferenceDiscarded: true,
		Warning:                 warning,
	}, nil
}

func (s *Store) createFromDraft(ctx context.Context, draft Draft) (LoadResult, error) {
	id, err := s.create(ctx, draft)
	if err != nil {
		s.logger.Printf("annotation: create case %q failed, continuing locally: %v", draft.Case.CaseNumber, err)
		return LoadResult{State: StateLocalAuthoritative, Draft: draft, CloudUnavailable: true, Warning: err}, nil
	}
	draft.Case.CaseID = id
	if err := s.writeDraft(ctx, draft); err != nil {
		return LoadResult{}, err
	}
	return LoadResult{State: StateSynced, CaseID: id, Draft: draft}, nil
}

// create writes a new cloud record from draft and remembers its id.
func (s *Store) create(ctx context.Context, draft Draft) (string, error) {
	c := draft.Case
	c.CaseID = ""
	id, err := s.repo.SaveCase(ctx, c, draft.Locations)
	if err != nil {
		return "", err
	}
	if err := s.rememberCaseID(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) pullCloud(ctx context.Context, id string) (LoadResult, error) {
	cloud, err := s.repo.LoadCase(ctx, id)
	if err != nil {
		return LoadResult{}, fmt.Errorf("pull case %s: %w", id, err)
	}
	draft := Draft{Case: cloud.Case, Locations: cloud.Locations}
	if err := s.writeDraft(ctx, draft); err != nil {
		return LoadResult{}, err
	}
	return LoadResult{State: StateCloudAuthoritative, CaseID: id, Draft: draft}, nil
}

// Begin starts a new session from draft, superseding any older case. A draft
// that already carries a case id continues that cloud record.
func (s *Store) Begin(ctx context.Context, draft Draft) (Status, error) {
	if len(draft.Locations) == 0 {
		return Status{}, ErrEmptyDraft
	}
	for i := range draft.Locations {
		draft.Locations[i].Order = i
		draft.Locations[i].Lat, draft.Locations[i].Lng = store.NormalizeCoordinates(draft.Locations[i].Lat, draft.Locations[i].Lng)
	}
	if draft.Case.LocationTitles == nil {
		draft.Case.LocationTitles = []string{}
	}
	if draft.Case.SelectedForReport == nil {
		draft.Case.SelectedForReport = []int{}
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.clearLocked(ctx); err != nil {
		return Status{}, err
	}
	if err := s.writeDraft(ctx, draft); err != nil {
		return Status{}, err
	}
	if draft.Case.CaseID != "" {
		if err := s.rememberCaseID(ctx, draft.Case.CaseID); err != nil {
			return Status{}, err
		}
	}
	s.gen++
	s.state = StateLocalAuthoritative
	s.draft = draft.clone()
	s.caseID = draft.Case.CaseID
	return Status{State: s.state, CaseID: s.caseID, Draft: draft.clone()}, nil
}

func (s *Store) EditCase(ctx context.Context, edit CaseEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.accepting() {
		return ErrSessionNotLoaded
	}
	next := s.draft.clone()
	edit.Apply(&next.Case)
	if err := s.writeDraft(ctx, next); err != nil {
		return err
	}
	s.draft = next
	s.markDirty()
	return nil
}

func (s *Store) EditLocation(ctx context.Context, order int, edit LocationEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.accepting() {
		return ErrSessionNotLoaded
	}
	if order < 0 || order >= len(s.draft.Locations) {
		return fmt.Errorf("%w %d", ErrUnknownLocation, order)
	}
	next := s.draft.clone()
	loc := &next.Locations[order]
	if edit.Title != nil {
		loc.Title = *edit.Title
		for len(next.Case.LocationTitles) <= order {
			next.Case.LocationTitles = append(next.Case.LocationTitles, "")
		}
		next.Case.LocationTitles[order] = *edit.Title
	}
	if edit.Description != nil {
		loc.Description = *edit.Description
	}
	if err := s.writeDraft(ctx, next); err != nil {
		return err
	}
	s.draft = next
	s.markDirty()
	return nil
}

// RecordUploads writes snapshot URLs produced by the pipeline into the draft.
func (s *Store) RecordUploads(ctx context.Context, uploads []snapshot.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.accepting() {
		return ErrSessionNotLoaded
	}
	next := s.draft.clone()
	for _, u := range uploads {
		if u.Order < 0 || u.Order >= len(next.Locations) {
			continue
		}
		switch u.Role {
		case snapshot.RoleMap:
			next.Locations[u.Order].MapSnapshotURL = u.URL
		case snapshot.RoleStreetView:
			next.Locations[u.Order].StreetViewSnapshotURL = u.URL
		}
	}
	if err := s.writeDraft(ctx, next); err != nil {
		return err
	}
	s.draft = next
	s.markDirty()
	return nil
}

// Save flushes the draft to the cloud: the first save creates the record,
// later ones merge through Persist.
func (s *Store) Save(ctx context.Context) (SaveResult, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	if !s.state.accepting() {
		s.mu.Unlock()
		return SaveResult{}, ErrSessionNotLoaded
	}
	draft, id, gen, rev := s.draft.clone(), s.caseID, s.gen, s.rev
	s.mu.Unlock()

	if id == "" {
		newID, err := s.create(ctx, draft)
		if err != nil {
			return SaveResult{CloudUnavailable: true}, fmt.Errorf("create case %q: %w", draft.Case.CaseNumber, err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return SaveResult{CaseID: newID, Created: true, Saved: len(draft.Locations)}, nil
		}
		s.caseID = newID
		s.draft.Case.CaseID = newID
		if s.rev == rev {
			s.state = StateSynced
		}
		if err := s.writeDraft(ctx, s.draft); err != nil {
			return SaveResult{CaseID: newID, Created: true, Saved: len(draft.Locations)}, err
		}
		return SaveResult{CaseID: newID, Created: true, Saved: len(draft.Locations)}, nil
	}

	result := s.Persist(ctx, id, draft.Case, draft.Locations, MetaFromCase(draft.Case))
	if result.OK() {
		s.mu.Lock()
		if s.gen == gen && s.rev == rev {
			s.state = StateSynced
		}
		s.mu.Unlock()
	}
	return result, nil
}

// Close ends the session and clears every local key it owns.
func (s *Store) Close(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.clearLocked(ctx)
	s.gen++
	s.state = StateClosed
	s.draft = Draft{}
	s.caseID = ""
	return err
}

func (s *Store) clearLocked(ctx context.Context) error {
	var errs []error
	if err := s.durable.Delete(ctx, localstore.KeyCaseDraft, localstore.KeyCloudCaseID, localstore.KeyCurrentLocation); err != nil {
		errs = append(errs, fmt.Errorf("clear draft: %w", err))
	}
	if err := s.session.Delete(ctx, localstore.KeySnapshots); err != nil {
		errs = append(errs, fmt.Errorf("clear snapshots: %w", err))
	}
	return errors.Join(errs...)
}

// SetCurrentLocation remembers the location being annotated.
func (s *Store) SetCurrentLocation(ctx context.Context, order int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.accepting() {
		return ErrSessionNotLoaded
	}
	if order < 0 || order >= len(s.draft.Locations) {
		return fmt.Errorf("%w %d", ErrUnknownLocation, order)
	}
	if err := s.durable.Set(ctx, localstore.KeyCurrentLocation, []byte(strconv.Itoa(order)), 0); err != nil {
		return fmt.Errorf("write current location: %w", err)
	}
	return nil
}

// CurrentLocation reports the remembered location index, if any.
func (s *Store) CurrentLocation(ctx context.Context) (int, bool, error) {
	raw, err := s.durable.Get(ctx, localstore.KeyCurrentLocation)
	if errors.Is(err, localstore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read current location: %w", err)
	}
	order, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false, fmt.Errorf("parse current location %q: %w", raw, err)
	}
	return order, true, nil
}

// CaptureSnapshot adds item to the pending list, replacing an earlier capture
// of the same location.
func (s *Store) CaptureSnapshot(ctx context.Context, item snapshot.Captured) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.accepting() {
		return ErrSessionNotLoaded
	}
	pending, err := s.pendingLocked(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range pending {
		if pending[i].Order == item.Order {
			pending[i] = item
			replaced = true
		}
	}
	if !replaced {
		pending = append(pending, item)
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Order < pending[j].Order })
	if err := localstore.SetJSON(ctx, s.session, localstore.KeySnapshots, pending, 0); err != nil {
		return fmt.Errorf("write snapshots: %w", err)
	}
	return nil
}

func (s *Store) PendingSnapshots(ctx context.Context) ([]snapshot.Captured, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(ctx)
}

func (s *Store) pendingLocked(ctx context.Context) ([]snapshot.Captured, error) {
	pending := []snapshot.Captured{}
	err := localstore.GetJSON(ctx, s.session, localstore.KeySnapshots, &pending)
	if errors.Is(err, localstore.ErrNotFound) {
		return []snapshot.Captured{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	return pending, nil
}

func (s *Store) ClearSnapshots(ctx context.Context) error {
	if err := s.session.Delete(ctx, localstore.KeySnapshots); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}
