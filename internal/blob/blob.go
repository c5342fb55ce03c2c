// Package blob stores binary assets such as captured map and street view
// snapshots, and hands back a URL the UI can load them from.
package blob

import (
	"context"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("blob: not found")

// Driver identifies a concrete Store backend.
type Driver string

const (
	DriverMinIO  Driver = "minio"
	DriverS3     Driver = "s3"
	DriverMemory Driver = "memory"
)

// PutOptions carries object metadata.
type PutOptions struct {
	ContentType  string
	CacheControl string
	Metadata     map[string]string
}

// Object describes a stored blob.
type Object struct {
	Key  string
	URL  string
	Size int64
}

type Store interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	URL(key string) string
	Driver() Driver
}

// DeletePrefix removes every object under prefix and returns how many were
// removed. It stops at the first failure.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// publicURL joins base and key without escaping; keys are built from
// sanitised ids.
func publicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
