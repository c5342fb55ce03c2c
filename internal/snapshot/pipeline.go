// Package snapshot persists the map and street view images captured while
// annotating a case, together with each location's title and description.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"trackx/sync/internal/blob"
	"trackx/sync/internal/store"
)

const DefaultConcurrency = 4

var ErrNoCaseID = errors.New("snapshot: no case id")

// Role names the kind of image attached to a location.
type Role string

const (
	RoleMap        Role = "map"
	RoleStreetView Role = "streetview"
)

// Operation names used in ItemError.Op.
const (
	OpMapUpload        = "map-upload"
	OpStreetViewUpload = "streetview-upload"
	OpAnnotation       = "annotation"
)

// Captured is one location's pending snapshot. Images are data: URLs or
// http(s) URLs to re-fetch; empty means none was captured.
type Captured struct {
	Order           int    `json:"order"`
	MapImage        string `json:"mapImage,omitempty"`
	StreetViewImage string `json:"streetViewImage,omitempty"`
	Title           string `json:"title,omitempty"`
	Description     string `json:"description,omitempty"`
}

// Stored is a location's persisted snapshot state.
type Stored struct {
	Order                 int    `json:"order"`
	Title                 string `json:"title"`
	Description           string `json:"description"`
	MapSnapshotURL        string `json:"mapSnapshotUrl,omitempty"`
	StreetViewSnapshotURL string `json:"streetViewSnapshotUrl,omitempty"`
}

type ItemError struct {
	Order int    `json:"order"`
	Op    string `json:"op"`
	Err   error  `json:"-"`
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", store.LocationID(e.Order), e.Op, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

type Upload struct {
	Order int    `json:"order"`
	Role  Role   `json:"role"`
	URL   string `json:"url"`
}

// Result summarises a PersistSnapshots run. Counts are per operation: each
// image upload and each annotation merge succeeds or fails on its own.
type Result struct {
	SuccessCount int         `json:"successCount"`
	FailureCount int         `json:"failureCount"`
	Skipped      []int       `json:"skipped,omitempty"`
	Errors       []ItemError `json:"errors,omitempty"`
	Uploaded     []Upload    `json:"uploaded,omitempty"`
}

// LocationStore is the part of the case repository the pipeline writes to.
type LocationStore interface {
	LocationCount(ctx context.Context, caseID string) (int, error)
	UpdateLocation(ctx context.Context, caseID string, order int, patch store.LocationPatch) error
	ListLocations(ctx context.Context, caseID string) ([]store.LocationRecord, error)
}

type Config struct {
	Concurrency   int
	MaxImageBytes int64
	HTTPClient    *http.Client
}

type Pipeline struct {
	locations LocationStore
	blobs     blob.Store
	cfg       Config
	logger    *log.Logger
	metrics   *Metrics
	now       func() time.Time
}

func NewPipeline(locations LocationStore, blobs blob.Store, cfg Config, logger *log.Logger, metrics *Metrics) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Pipeline{locations: locations, blobs: blobs, cfg: cfg, logger: logger, metrics: metrics, now: time.Now}
}

// SnapshotKey is the blob key an image is uploaded under.
func SnapshotKey(caseID string, order int, role Role, at time.Time, ext string) string {
	return "snapshots/" + caseID + "/location_" + strconv.Itoa(order) + "_" + string(role) + "_" +
		strconv.FormatInt(at.UnixMilli(), 10) + "." + ext
}

// collector gathers per-operation outcomes from concurrent workers.
type collector struct {
	mu       sync.Mutex
	errs     []ItemError
	uploaded []Upload
	ok       int
}

func (c *collector) fail(order int, op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, ItemError{Order: order, Op: op, Err: err})
}

func (c *collector) upload(u Upload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ok++
	c.uploaded = append(c.uploaded, u)
}

func (c *collector) succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ok++
}

// PersistSnapshots uploads every captured image and merges titles and
// descriptions into the case's locations. Items whose order matches no
// location are skipped. Per-item failures are reported in the Result; the
// returned error is reserved for a missing case id or an unreachable store.
func (p *Pipeline) PersistSnapshots(ctx context.Context, caseID string, items []Captured) (Result, error) {
	if caseID == "" {
		return Result{}, ErrNoCaseID
	}
	count, err := p.locations.LocationCount(ctx, caseID)
	if err != nil {
		return Result{}, fmt.Errorf("count locations of %s: %w", caseID, err)
	}

	var (
		result Result
		valid  []Captured
		seen   = make(map[int]bool)
	)
	for _, item := range items {
		if item.Order < 0 || item.Order >= count {
			p.logger.Printf("snapshot: skipping order %d of %s: case has %d locations", item.Order, caseID, count)
			p.metrics.Skipped.Inc()
			result.Skipped = append(result.Skipped, item.Order)
			continue
		}
		if seen[item.Order] {
			p.logger.Printf("snapshot: duplicate order %d of %s, last capture wins", item.Order, caseID)
			for i := range valid {
				if valid[i].Order == item.Order {
					valid[i] = item
				}
			}
			continue
		}
		seen[item.Order] = true
		valid = append(valid, item)
	}

	col := &collector{}
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, item := range valid {
		if item.MapImage != "" {
			g.Go(func() error {
				p.uploadImage(ctx, caseID, item.Order, RoleMap, item.MapImage, col)
				return nil
			})
		}
		if item.StreetViewImage != "" {
			g.Go(func() error {
				p.uploadImage(ctx, caseID, item.Order, RoleStreetView, item.StreetViewImage, col)
				return nil
			})
		}
		if item.Title != "" || item.Description != "" {
			g.Go(func() error {
				p.mergeAnnotation(ctx, caseID, item, col)
				return nil
			})
		}
	}
	_ = g.Wait()

	result.SuccessCount = col.ok
	result.FailureCount = len(col.errs)
	result.Errors = col.errs
	sort.Slice(result.Errors, func(i, j int) bool {
		if result.Errors[i].Order != result.Errors[j].Order {
			return result.Errors[i].Order < result.Errors[j].Order
		}
		return result.Errors[i].Op < result.Errors[j].Op
	})
	result.Uploaded = col.uploaded
	sort.Slice(result.Uploaded, func(i, j int) bool {
		if result.Uploaded[i].Order != result.Uploaded[j].Order {
			return result.Uploaded[i].Order < result.Uploaded[j].Order
		}
		return result.Uploaded[i].Role < result.Uploaded[j].Role
	})
	sort.Ints(result.Skipped)

	if result.FailureCount > 0 {
		p.logger.Printf("snapshot: %s %d operations succeeded, %d failed", caseID, result.SuccessCount, result.FailureCount)
	}
	return result, nil
}

func (p *Pipeline) uploadImage(ctx context.Context, caseID string, order int, role Role, src string, col *collector) {
	op := OpMapUpload
	if role == RoleStreetView {
		op = OpStreetViewUpload
	}

	img, err := loadImage(ctx, p.cfg.HTTPClient, src, p.cfg.MaxImageBytes)
	if err != nil {
		p.record(op, err)
		col.fail(order, op, err)
		return
	}
	key := SnapshotKey(caseID, order, role, p.now(), img.extension())
	obj, err := p.blobs.Put(ctx, key, img.data, blob.PutOptions{
		ContentType:  img.contentType,
		CacheControl: "public, max-age=31536000",
		Metadata: map[string]string{
			"caseId":        caseID,
			"locationIndex": strconv.Itoa(order),
			"imageType":     string(role),
		},
	})
	if err != nil {
		p.record(op, err)
		col.fail(order, op, err)
		return
	}

	patch := store.LocationPatch{}
	if role == RoleMap {
		patch.MapSnapshotURL = &obj.URL
	} else {
		patch.StreetViewSnapshotURL = &obj.URL
	}
	if err := p.locations.UpdateLocation(ctx, caseID, order, patch); err != nil {
		err = fmt.Errorf("record url: %w", err)
		p.record(op, err)
		col.fail(order, op, err)
		return
	}
	p.record(op, nil)
	col.upload(Upload{Order: order, Role: role, URL: obj.URL})
}

func (p *Pipeline) mergeAnnotation(ctx context.Context, caseID string, item Captured, col *collector) {
	var patch store.LocationPatch
	if item.Title != "" {
		patch.Title = &item.Title
	}
	if item.Description != "" {
		patch.Description = &item.Description
	}
	err := p.locations.UpdateLocation(ctx, caseID, item.Order, patch)
	p.record(OpAnnotation, err)
	if err != nil {
		col.fail(item.Order, OpAnnotation, err)
		return
	}
	col.succeed()
}

func (p *Pipeline) record(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.metrics.Operations.WithLabelValues(op, result).Inc()
}

// LoadSnapshots returns the persisted snapshot state of every location that
// has an image or a description, ordered by location.
func (p *Pipeline) LoadSnapshots(ctx context.Context, caseID string) ([]Stored, error) {
	if caseID == "" {
		return nil, ErrNoCaseID
	}
	locations, err := p.locations.ListLocations(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list locations of %s: %w", caseID, err)
	}
	out := make([]Stored, 0)
	for _, loc := range locations {
		if !loc.HasSnapshot() && loc.Description == "" {
			continue
		}
		out = append(out, Stored{
			Order:                 loc.Order,
			Title:                 loc.Title,
			Description:           loc.Description,
			MapSnapshotURL:        loc.MapSnapshotURL,
			StreetViewSnapshotURL: loc.StreetViewSnapshotURL,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}
