// Package localstore provides the device-local key/value storage that backs
// the points cache mirror and the annotation draft.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("localstore: key not found")

// Driver identifies a concrete Store backend.
type Driver string

const (
	DriverRedis  Driver = "redis"
	DriverSQLite Driver = "sqlite"
	DriverMemory Driver = "memory"
)

// Keys used by the sync layer. Session-scoped keys live in the short-lived
// store, the rest in the durable one.
const (
	KeyCaseDraft       = "case-draft"
	KeyCloudCaseID     = "current-case-id"
	KeyCurrentLocation = "current-location-index"
	KeySnapshots       = "location-snapshots"
)

// CacheKey returns the durable key holding the cached points of a dataset.
func CacheKey(dataset string) string {
	return "points-cache:" + dataset + ":v1"
}

// Store is a last-writer-wins key/value store. A ttl of zero means the value
// never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Driver() Driver
}

// GetJSON loads key and decodes it into target.
func GetJSON(ctx context.Context, s Store, key string, target any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
