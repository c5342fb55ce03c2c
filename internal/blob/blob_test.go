package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	obj, err := s.Put(ctx, "snapshots/case_1/location_0_map_1.png", []byte("png-bytes"), PutOptions{
		ContentType:  "image/png",
		CacheControl: "public, max-age=31536000",
		Metadata:     map[string]string{"caseId": "case_1"},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if obj.URL != s.URL(obj.Key) || obj.Size != int64(len("png-bytes")) {
		t.Errorf("unexpected object %+v", obj)
	}
	if _, err := s.Put(ctx, "snapshots/case_1/location_1_streetview_1.jpg", []byte("jpg"), PutOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Put(ctx, "snapshots/case_2/location_0_map_1.png", []byte("other"), PutOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, err := s.Get(ctx, obj.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("expected stored bytes, got %q", data)
	}

	keys, err := s.List(ctx, "snapshots/case_1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"snapshots/case_1/location_0_map_1.png", "snapshots/case_1/location_1_streetview_1.jpg"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	n, err := DeletePrefix(ctx, s, "snapshots/case_1/")
	if err != nil || n != 2 {
		t.Fatalf("DeletePrefix removed %d: %v", n, err)
	}
	if _, err := s.Get(ctx, obj.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if keys, _ := s.List(ctx, "snapshots/"); len(keys) != 1 {
		t.Errorf("expected unrelated case kept, got %v", keys)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore("https://cdn.example/blobs/")
	exerciseStore(t, s)
	if got := s.URL("a/b.png"); got != "https://cdn.example/blobs/a/b.png" {
		t.Errorf("unexpected url %q", got)
	}
}

func TestMemoryStoreKeepsOptions(t *testing.T) {
	s := NewMemoryStore("")
	opts := PutOptions{ContentType: "image/jpeg", Metadata: map[string]string{"imageType": "streetview"}}
	if _, err := s.Put(context.Background(), "k", []byte("x"), opts); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, ok := s.Options("k")
	if !ok {
		t.Fatal("expected options stored")
	}
	if diff := cmp.Diff(opts, got); diff != "" {
		t.Errorf("options mismatch:\n%s", diff)
	}
	if s.URL("k") != "memory://blobs/k" {
		t.Errorf("unexpected default url %q", s.URL("k"))
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Driver() != DriverMemory {
		t.Errorf("expected memory default, got %s", s.Driver())
	}
	if _, err := Open(context.Background(), Options{Driver: "ftp"}); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Options{Driver: DriverS3}); err == nil {
		t.Error("expected error for s3 without bucket")
	}
}
