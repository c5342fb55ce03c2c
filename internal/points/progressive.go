package points

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultPageSize = 200
	DefaultTTL      = 5 * time.Minute
)

// ErrCancelled is returned with the partial accumulation when a progressive
// fetch is stopped through its CancelSignal.
var ErrCancelled = errors.New("points: progressive fetch cancelled")

// PageSource is the remote side of a progressive fetch.
type PageSource interface {
	Paginated(ctx context.Context, limit int, cursor string) (Page, error)
	AllWithCaseIDs(ctx context.Context) ([]Record, error)
}

// ResultCache receives the complete result of a successful fetch. StoreAt
// drops a result when the key was invalidated after gen was read.
type ResultCache interface {
	Lookup(ctx context.Context, key string) ([]Record, bool)
	Generation(key string) uint64
	StoreAt(ctx context.Context, key string, gen uint64, records []Record, ttl time.Duration) (bool, error)
}

// ChunkMeta describes a chunk handed to a ChunkFunc.
type ChunkMeta struct {
	Done       bool `json:"done"`
	TotalSoFar int  `json:"totalSoFar"`
	FromCache  bool `json:"fromCache,omitempty"`
	Fallback   bool `json:"fallback,omitempty"`
}

// ChunkFunc is invoked synchronously, in page order, as points arrive.
type ChunkFunc func(records []Record, meta ChunkMeta)

// CancelSignal stops a progressive fetch between pages. A page already in
// flight completes first. Cancel may be called any number of times.
type CancelSignal struct {
	once sync.Once
	done chan struct{}
}

func NewCancelSignal() *CancelSignal {
	return &CancelSignal{done: make(chan struct{})}
}

func (c *CancelSignal) Cancel() {
	c.once.Do(func() { close(c.done) })
}

func (c *CancelSignal) Done() <-chan struct{} {
	return c.done
}

// Cancelled reports whether Cancel was called. A nil signal is never cancelled.
func (c *CancelSignal) Cancelled() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ProgressiveOptions configures one Fetch call.
type ProgressiveOptions struct {
	PageSize int
	OnChunk  ChunkFunc
	Cancel   *CancelSignal
}

func (o ProgressiveOptions) emit(records []Record, meta ChunkMeta) {
	if o.OnChunk != nil {
		o.OnChunk(records, meta)
	}
}

// chunkGate drops chunks once the Fetch that owns the callback has returned.
// A shared run outlives a caller whose ctx ended, and its in-flight page must
// not reach that caller's callback.
type chunkGate struct {
	mu     sync.Mutex
	closed bool
	fn     ChunkFunc
}

func (g *chunkGate) emit(records []Record, meta ChunkMeta) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.fn(records, meta)
}

// close waits for a chunk being delivered to finish.
func (g *chunkGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// ProgressiveFetcher walks the paginated endpoint with a cursor, streaming
// each page to the caller and caching the combined result.
type ProgressiveFetcher struct {
	source  PageSource
	cache   ResultCache
	dataset string
	ttl     time.Duration
	logger  *log.Logger
	group   singleflight.Group
}

// NewProgressiveFetcher creates a fetcher for dataset. cache may be nil.
func NewProgressiveFetcher(source PageSource, cache ResultCache, dataset string, ttl time.Duration, logger *log.Logger) *ProgressiveFetcher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ProgressiveFetcher{source: source, cache: cache, dataset: dataset, ttl: ttl, logger: logger}
}

// Fetch returns the complete dataset. A live cache entry is served at once as
// a single done chunk. Concurrent calls share one run; callers that joined a
// run started by someone else receive the result as one done chunk.
func (f *ProgressiveFetcher) Fetch(ctx context.Context, opts ProgressiveOptions) ([]Record, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.OnChunk != nil {
		gate := &chunkGate{fn: opts.OnChunk}
		defer gate.close()
		opts.OnChunk = gate.emit
	}
	if f.cache != nil {
		if cached, ok := f.cache.Lookup(ctx, f.dataset); ok {
			opts.emit(Clone(cached), ChunkMeta{Done: true, TotalSoFar: len(cached), FromCache: true})
			return cached, nil
		}
	}

	leader := false
	ch := f.group.DoChan(f.dataset, func() (any, error) {
		leader = true
		return f.run(ctx, opts)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		records, _ := res.Val.([]Record)
		if !leader && res.Err == nil {
			opts.emit(Clone(records), ChunkMeta{Done: true, TotalSoFar: len(records)})
		}
		return Clone(records), res.Err
	}
}

func (f *ProgressiveFetcher) run(ctx context.Context, opts ProgressiveOptions) ([]Record, error) {
	var gen uint64
	if f.cache != nil {
		gen = f.cache.Generation(f.dataset)
	}
	var (
		all    []Record
		cursor string
		pages  int
	)
	for {
		if opts.Cancel.Cancelled() {
			f.logger.Printf("points: %s fetch cancelled after %d pages (%d points)", f.dataset, pages, len(all))
			return all, ErrCancelled
		}

		page, err := f.source.Paginated(ctx, opts.PageSize, cursor)
		if err != nil {
			if pages == 0 {
				return f.fallback(ctx, err, opts, gen)
			}
			return all, fmt.Errorf("fetch %s page %d: %w", f.dataset, pages+1, err)
		}
		pages++

		if len(page.Points) > 0 {
			all = append(all, page.Points...)
			opts.emit(Clone(page.Points), ChunkMeta{Done: page.NextCursor == "", TotalSoFar: len(all)})
		}
		if page.NextCursor == "" {
			if len(page.Points) == 0 {
				opts.emit(nil, ChunkMeta{Done: true, TotalSoFar: len(all)})
			}
			break
		}
		if page.NextCursor == cursor {
			return all, fmt.Errorf("fetch %s: server repeated cursor %q", f.dataset, cursor)
		}
		cursor = page.NextCursor
	}

	if all == nil {
		all = []Record{}
	}
	f.store(ctx, gen, all)
	return all, nil
}

// fallback is only reached when the very first page failed.
func (f *ProgressiveFetcher) fallback(ctx context.Context, cause error, opts ProgressiveOptions, gen uint64) ([]Record, error) {
	f.logger.Printf("points: paginated %s fetch failed, trying legacy endpoint: %v", f.dataset, cause)
	legacy, err := f.source.AllWithCaseIDs(ctx)
	if err != nil {
		return nil, errors.Join(cause, fmt.Errorf("legacy fallback: %w", err))
	}
	records := make([]Record, len(legacy))
	for i, p := range legacy {
		records[i] = Record{Lat: p.Lat, Lng: p.Lng, Timestamp: p.Timestamp, CaseID: p.CaseID}
	}
	opts.emit(Clone(records), ChunkMeta{Done: true, TotalSoFar: len(records), Fallback: true})
	f.store(ctx, gen, records)
	return records, nil
}

func (f *ProgressiveFetcher) store(ctx context.Context, gen uint64, records []Record) {
	if f.cache == nil {
		return
	}
	stored, err := f.cache.StoreAt(ctx, f.dataset, gen, records, f.ttl)
	switch {
	case err != nil:
		f.logger.Printf("points: cache %s: %v", f.dataset, err)
	case !stored:
		f.logger.Printf("points: %s invalidated during fetch, result not cached", f.dataset)
	}
}
