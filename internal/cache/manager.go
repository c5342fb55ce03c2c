// Package cache keeps dataset point collections in memory with a durable
// local mirror, so a restart within the TTL does not refetch.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"trackx/sync/internal/localstore"
	"trackx/sync/internal/points"
)

// Entry is one cached dataset. Entries are replaced wholesale, never mutated.
type Entry struct {
	DatasetKey string          `json:"datasetKey"`
	Points     []points.Record `json:"points"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

func (e Entry) fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// FetchFunc loads a dataset from the remote service.
type FetchFunc func(ctx context.Context) ([]points.Record, error)

// Manager is the keyed cache. The zero value is not usable; call NewManager.
type Manager struct {
	mu      sync.Mutex
	entries map[string]Entry
	known   map[string]struct{}
	// gens is bumped per key by Invalidate and Clear. Results of fetches
	// that started under an older generation are not stored.
	gens map[string]uint64
	// writeMu orders stores against invalidation in both tiers.
	writeMu sync.Mutex

	durable localstore.Store
	group   singleflight.Group
	now     func() time.Time
	logger  *log.Logger
	metrics *Metrics
}

// NewManager creates a cache mirrored into durable. durable and metrics may be
// nil; a nil logger uses log.Default().
func NewManager(durable localstore.Store, logger *log.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	m := &Manager{
		durable: durable,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
	m.Init()
	return m
}

// SetClock replaces the time source used for expiry checks.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Init resets the in-memory table. Durable entries are kept and hydrate on
// the next lookup.
func (m *Manager) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
	if m.gens == nil {
		m.gens = make(map[string]uint64)
	}
	m.known = map[string]struct{}{
		points.DatasetHeatmap:    {},
		points.DatasetGlobe:      {},
		points.DatasetRecentMini: {},
	}
}

// Clear drops every known dataset from memory and from the durable mirror.
func (m *Manager) Clear(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	keys := make([]string, 0, len(m.known))
	for key := range m.known {
		keys = append(keys, localstore.CacheKey(key))
		m.gens[key]++
		m.group.Forget(key)
	}
	m.entries = make(map[string]Entry)
	m.mu.Unlock()

	if m.durable == nil {
		return nil
	}
	if err := m.durable.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("clear durable cache: %w", err)
	}
	return nil
}

// Keys lists the datasets currently held in memory.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the dataset stored under key, fetching it when neither tier
// holds a fresh copy. Concurrent misses for the same key share one fetch.
// A caller whose ctx ends stops waiting; the shared fetch carries on for the
// other waiters.
func (m *Manager) Get(ctx context.Context, key string, fetch FetchFunc, ttl time.Duration) ([]points.Record, error) {
	if records, ok := m.Lookup(ctx, key); ok {
		return records, nil
	}
	if ttl <= 0 {
		ttl = points.DefaultTTL
	}

	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		gen := m.Generation(key)
		if records, ok := m.memory(key); ok {
			return records, nil
		}
		m.metrics.Fetches.WithLabelValues(key).Inc()
		records, err := fetch(detached)
		if err != nil {
			m.metrics.FetchErrors.WithLabelValues(key).Inc()
			return nil, fmt.Errorf("fetch %s: %w", key, err)
		}
		if records == nil {
			records = []points.Record{}
		}
		stored, err := m.StoreAt(detached, key, gen, records, ttl)
		switch {
		case err != nil:
			m.logger.Printf("cache: %v", err)
		case !stored:
			m.logger.Printf("cache: %s invalidated during fetch, result not stored", key)
		}
		return records, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return points.Clone(res.Val.([]points.Record)), nil
	}
}

// Lookup returns a fresh copy of key without fetching. A fresh durable entry
// is hydrated into memory.
func (m *Manager) Lookup(ctx context.Context, key string) ([]points.Record, bool) {
	if records, ok := m.memory(key); ok {
		m.metrics.Hits.WithLabelValues(key, "memory").Inc()
		return records, true
	}
	if m.durable == nil {
		m.metrics.Misses.WithLabelValues(key).Inc()
		return nil, false
	}

	gen := m.Generation(key)
	var entry Entry
	err := localstore.GetJSON(ctx, m.durable, localstore.CacheKey(key), &entry)
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		m.metrics.Misses.WithLabelValues(key).Inc()
		return nil, false
	case err != nil:
		m.logger.Printf("cache: read durable %s: %v", key, err)
		m.metrics.Misses.WithLabelValues(key).Inc()
		return nil, false
	}

	m.mu.Lock()
	now := m.now()
	if !entry.fresh(now) {
		m.mu.Unlock()
		if err := m.durable.Delete(ctx, localstore.CacheKey(key)); err != nil {
			m.logger.Printf("cache: drop expired %s: %v", key, err)
		}
		m.metrics.Misses.WithLabelValues(key).Inc()
		return nil, false
	}
	if m.gens[key] != gen {
		m.mu.Unlock()
		m.metrics.Misses.WithLabelValues(key).Inc()
		return nil, false
	}
	if entry.Points == nil {
		entry.Points = []points.Record{}
	}
	entry.DatasetKey = key
	m.entries[key] = entry
	m.known[key] = struct{}{}
	m.mu.Unlock()

	m.metrics.Hits.WithLabelValues(key, "durable").Inc()
	return points.Clone(entry.Points), true
}

// Store replaces the entry for key in both tiers. The memory tier is always
// updated; a durable write failure is returned for the caller to log.
func (m *Manager) Store(ctx context.Context, key string, records []points.Record, ttl time.Duration) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.store(ctx, key, records, ttl)
}

// Generation returns the invalidation generation of key. Pass it to StoreAt
// once a fetch started under it completes.
func (m *Manager) Generation(key string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[key]
}

// StoreAt stores records only if key has not been invalidated since gen was
// read, and reports whether it did.
func (m *Manager) StoreAt(ctx context.Context, key string, gen uint64, records []points.Record, ttl time.Duration) (bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	current := m.gens[key] == gen
	m.mu.Unlock()
	if !current {
		return false, nil
	}
	return true, m.store(ctx, key, records, ttl)
}

func (m *Manager) store(ctx context.Context, key string, records []points.Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = points.DefaultTTL
	}
	m.mu.Lock()
	entry := Entry{DatasetKey: key, Points: points.Clone(records), ExpiresAt: m.now().Add(ttl)}
	if entry.Points == nil {
		entry.Points = []points.Record{}
	}
	m.entries[key] = entry
	m.known[key] = struct{}{}
	m.mu.Unlock()

	if m.durable == nil {
		return nil
	}
	if err := localstore.SetJSON(ctx, m.durable, localstore.CacheKey(key), entry, ttl); err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	return nil
}

// Invalidate removes key from both tiers so the next Get fetches. A fetch
// already in flight still answers its waiters but its result is not stored.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	delete(m.entries, key)
	m.gens[key]++
	m.mu.Unlock()
	m.group.Forget(key)

	if m.durable == nil {
		return nil
	}
	if err := m.durable.Delete(ctx, localstore.CacheKey(key)); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

func (m *Manager) memory(key string) ([]points.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.fresh(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return points.Clone(entry.Points), true
}
