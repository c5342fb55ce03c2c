package snapshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"trackx/sync/internal/blob"
	"trackx/sync/internal/store"
)

func dataURL(contentType, payload string) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString([]byte(payload))
}

type failingBlobs struct {
	*blob.MemoryStore
	failOn string
}

func (f failingBlobs) Put(ctx context.Context, key string, data []byte, opts blob.PutOptions) (blob.Object, error) {
	if f.failOn != "" && strings.Contains(key, f.failOn) {
		return blob.Object{}, errors.New("bucket unavailable")
	}
	return f.MemoryStore.Put(ctx, key, data, opts)
}

func seedCase(t *testing.T, n int) (*store.MemoryStore, string) {
	t.Helper()
	repo := store.NewMemoryStore()
	locs := make([]store.LocationRecord, n)
	for i := range locs {
		locs[i] = store.LocationRecord{Lat: -26, Lng: 28}
	}
	caseID, err := repo.SaveCase(context.Background(), store.CaseRecord{CaseNumber: "SNAP-1"}, locs)
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return repo, caseID
}

func newTestPipeline(repo LocationStore, blobs blob.Store, buf *bytes.Buffer) *Pipeline {
	var out io.Writer = io.Discard
	if buf != nil {
		out = buf
	}
	p := NewPipeline(repo, blobs, Config{Concurrency: 2}, log.New(out, "", 0), nil)
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return p
}

func TestPersistSnapshotsToleratesPartialFailure(t *testing.T) {
	repo, caseID := seedCase(t, 3)
	blobs := failingBlobs{MemoryStore: blob.NewMemoryStore("https://cdn.test"), failOn: "location_1_map"}
	p := newTestPipeline(repo, blobs, nil)

	items := []Captured{
		{Order: 0, MapImage: dataURL("image/png", "m0"), StreetViewImage: dataURL("image/jpeg", "s0"), Title: "Depot"},
		{Order: 1, MapImage: dataURL("image/png", "m1"), Description: "Parked overnight"},
		{Order: 2, MapImage: dataURL("image/png", "m2")},
	}
	result, err := p.PersistSnapshots(context.Background(), caseID, items)
	if err != nil {
		t.Fatalf("PersistSnapshots failed: %v", err)
	}
	// order 0: map, street view, title; order 1: description; order 2: map
	if result.SuccessCount != 5 || result.FailureCount != 1 {
		t.Errorf("expected 5 successful operations and 1 failure, got %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].Order != 1 || result.Errors[0].Op != OpMapUpload {
		t.Fatalf("expected map upload failure for order 1, got %+v", result.Errors)
	}

	locs, err := repo.ListLocations(context.Background(), caseID)
	if err != nil {
		t.Fatalf("ListLocations failed: %v", err)
	}
	wantMap0 := "https://cdn.test/snapshots/" + caseID + "/location_0_map_1700000000000.png"
	if locs[0].MapSnapshotURL != wantMap0 {
		t.Errorf("expected map url %q, got %q", wantMap0, locs[0].MapSnapshotURL)
	}
	if !strings.HasSuffix(locs[0].StreetViewSnapshotURL, "location_0_streetview_1700000000000.jpg") {
		t.Errorf("unexpected street view url %q", locs[0].StreetViewSnapshotURL)
	}
	if locs[0].Title != "Depot" || locs[1].Description != "Parked overnight" {
		t.Errorf("annotations not merged: %+v", locs[:2])
	}
	if locs[1].MapSnapshotURL != "" {
		t.Errorf("expected no url for failed upload, got %q", locs[1].MapSnapshotURL)
	}
	if len(result.Uploaded) != 3 {
		t.Errorf("expected 3 uploads, got %+v", result.Uploaded)
	}

	opts, ok := blobs.Options("snapshots/" + caseID + "/location_2_map_1700000000000.png")
	if !ok {
		t.Fatal("expected uploaded blob for order 2")
	}
	want := map[string]string{"caseId": caseID, "locationIndex": "2", "imageType": "map"}
	if diff := cmp.Diff(want, opts.Metadata); diff != "" {
		t.Errorf("metadata mismatch:\n%s", diff)
	}
	if opts.CacheControl != "public, max-age=31536000" {
		t.Errorf("unexpected cache control %q", opts.CacheControl)
	}
}

func TestPersistSnapshotsSkipsUnknownOrders(t *testing.T) {
	repo, caseID := seedCase(t, 2)
	var buf bytes.Buffer
	p := newTestPipeline(repo, blob.NewMemoryStore(""), &buf)

	result, err := p.PersistSnapshots(context.Background(), caseID, []Captured{
		{Order: 5, MapImage: dataURL("image/png", "x")},
		{Order: -1, Title: "nope"},
		{Order: 1, Title: "kept"},
	})
	if err != nil {
		t.Fatalf("PersistSnapshots failed: %v", err)
	}
	if diff := cmp.Diff([]int{-1, 5}, result.Skipped); diff != "" {
		t.Errorf("skipped mismatch:\n%s", diff)
	}
	if result.SuccessCount != 1 {
		t.Errorf("expected 1 success, got %d", result.SuccessCount)
	}
	if n, _ := repo.LocationCount(context.Background(), caseID); n != 2 {
		t.Errorf("skipped items must not create locations, count=%d", n)
	}
	if !strings.Contains(buf.String(), "skipping order 5") {
		t.Errorf("expected skip warning logged, got %q", buf.String())
	}
}

func TestPersistSnapshotsRequiresCaseID(t *testing.T) {
	p := newTestPipeline(store.NewMemoryStore(), blob.NewMemoryStore(""), nil)
	if _, err := p.PersistSnapshots(context.Background(), "", []Captured{{Order: 0}}); !errors.Is(err, ErrNoCaseID) {
		t.Fatalf("expected ErrNoCaseID, got %v", err)
	}
	if _, err := p.LoadSnapshots(context.Background(), ""); !errors.Is(err, ErrNoCaseID) {
		t.Fatalf("expected ErrNoCaseID from LoadSnapshots, got %v", err)
	}
}

type countFailStore struct{ LocationStore }

func (countFailStore) LocationCount(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestPersistSnapshotsUnreachableStore(t *testing.T) {
	p := newTestPipeline(countFailStore{}, blob.NewMemoryStore(""), nil)
	if _, err := p.PersistSnapshots(context.Background(), "case_1", nil); err == nil {
		t.Fatal("expected error when locations cannot be counted")
	}
}

func TestPersistSnapshotsRefetchesRemoteImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("webp-bytes"))
	}))
	defer srv.Close()

	repo, caseID := seedCase(t, 2)
	blobs := blob.NewMemoryStore("")
	p := newTestPipeline(repo, blobs, nil)

	result, err := p.PersistSnapshots(context.Background(), caseID, []Captured{
		{Order: 0, StreetViewImage: srv.URL + "/sv.webp"},
		{Order: 1, MapImage: srv.URL + "/missing.png"},
	})
	if err != nil {
		t.Fatalf("PersistSnapshots failed: %v", err)
	}
	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Errorf("unexpected counts %+v", result)
	}
	key := "snapshots/" + caseID + "/location_0_streetview_1700000000000.webp"
	data, err := blobs.Get(context.Background(), key)
	if err != nil || string(data) != "webp-bytes" {
		t.Errorf("expected re-uploaded image at %s, got %q (%v)", key, data, err)
	}
}

func TestPersistSnapshotsRespectsConcurrencyLimit(t *testing.T) {
	repo, caseID := seedCase(t, 6)
	var inFlight, peak int32
	slow := &slowLocations{LocationStore: repo, inFlight: &inFlight, peak: &peak}
	p := newTestPipeline(slow, blob.NewMemoryStore(""), nil)

	items := make([]Captured, 6)
	for i := range items {
		items[i] = Captured{Order: i, Title: "t"}
	}
	if _, err := p.PersistSnapshots(context.Background(), caseID, items); err != nil {
		t.Fatalf("PersistSnapshots failed: %v", err)
	}
	if atomic.LoadInt32(&peak) > 2 {
		t.Errorf("expected at most 2 concurrent writes, saw %d", peak)
	}
}

type slowLocations struct {
	LocationStore
	mu       sync.Mutex
	inFlight *int32
	peak     *int32
}

func (s *slowLocations) UpdateLocation(ctx context.Context, caseID string, order int, patch store.LocationPatch) error {
	n := atomic.AddInt32(s.inFlight, 1)
	s.mu.Lock()
	if n > *s.peak {
		*s.peak = n
	}
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(s.inFlight, -1)
	return s.LocationStore.UpdateLocation(ctx, caseID, order, patch)
}

func TestLoadSnapshots(t *testing.T) {
	repo, caseID := seedCase(t, 3)
	ctx := context.Background()
	url := "https://cdn.test/a.png"
	desc := "left at 09:00"
	_ = repo.UpdateLocation(ctx, caseID, 2, store.LocationPatch{MapSnapshotURL: &url})
	_ = repo.UpdateLocation(ctx, caseID, 0, store.LocationPatch{Description: &desc})

	p := newTestPipeline(repo, blob.NewMemoryStore(""), nil)
	got, err := p.LoadSnapshots(ctx, caseID)
	if err != nil {
		t.Fatalf("LoadSnapshots failed: %v", err)
	}
	want := []Stored{
		{Order: 0, Description: desc},
		{Order: 2, MapSnapshotURL: url},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeDataURL(t *testing.T) {
	img, err := decodeDataURL(dataURL("image/jpeg", "abc"), 1024)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(img.data) != "abc" || img.extension() != "jpg" {
		t.Errorf("unexpected image %+v", img)
	}
	if _, err := decodeDataURL("data:image/png,plain", 1024); err == nil {
		t.Error("expected error for non-base64 payload")
	}
	if _, err := decodeDataURL(dataURL("image/png", strings.Repeat("x", 100)), 10); err == nil {
		t.Error("expected error for oversized image")
	}
	if _, err := loadImage(context.Background(), http.DefaultClient, "ftp://x", 10); !errors.Is(err, errUnsupportedSource) {
		t.Errorf("expected unsupported source, got %v", err)
	}
}
