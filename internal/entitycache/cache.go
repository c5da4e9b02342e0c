// Package entitycache keeps recently fetched storage entities so the
// monitor can check data availability without blocking.
//
// A Cache is owned by a single goroutine. Fetches run in the background and
// report through Results; the owner hands each Batch back to Process.
package entitycache

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("entity cache closed")

// Fetcher loads entities by id. Ids missing from the returned map do not
// exist any more.
type Fetcher[T any] interface {
	Fetch(ctx context.Context, ids []int64) (map[int64]T, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc[T any] func(ctx context.Context, ids []int64) (map[int64]T, error)

func (f FetcherFunc[T]) Fetch(ctx context.Context, ids []int64) (map[int64]T, error) {
	return f(ctx, ids)
}

// Batch is the outcome of one background fetch.
type Batch[T any] struct {
	generations map[int64]uint64
	values      map[int64]T
	err         error
}

// Err is the fetch error, if any.
func (b Batch[T]) Err() error { return b.err }

type node[T any] struct {
	value      T
	generation uint64
	pending    bool
	invalid    bool
}

// Cache is a bounded id -> entity cache with request coalescing.
type Cache[T any] struct {
	name     string
	capacity int
	fetcher  Fetcher[T]
	logger   *zap.Logger

	nodes      map[int64]*node[T]
	order      []int64
	generation uint64

	results chan Batch[T]
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a cache holding about capacity entities.
func New[T any](name string, capacity int, fetcher Fetcher[T], logger *zap.Logger) *Cache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity < 1 {
		capacity = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache[T]{
		name:     name,
		capacity: capacity,
		fetcher:  fetcher,
		logger:   logger.With(zap.String("cache", name)),
		nodes:    make(map[int64]*node[T]),
		results:  make(chan Batch[T], 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Results delivers finished fetches.
func (c *Cache[T]) Results() <-chan Batch[T] { return c.results }

func (c *Cache[T]) Capacity() int { return c.capacity }

// SetCapacity resizes the cache, evicting the oldest settled entries.
func (c *Cache[T]) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	c.capacity = capacity
	c.shrink(nil)
}

// Len is the number of tracked ids, pending ones included.
func (c *Cache[T]) Len() int { return len(c.nodes) }

// IsCached reports whether id has been fetched, valid or not.
func (c *Cache[T]) IsCached(id int64) bool {
	n, ok := c.nodes[id]
	return ok && !n.pending
}

// IsRequested reports whether a node exists for id.
func (c *Cache[T]) IsRequested(id int64) bool {
	_, ok := c.nodes[id]
	return ok
}

// EnsureCached returns true when id is available. Otherwise it makes sure a
// fetch is in flight and returns false.
func (c *Cache[T]) EnsureCached(id int64) bool {
	n, ok := c.nodes[id]
	if !ok {
		c.request([]int64{id})
		return false
	}
	return !n.pending
}

// EnsureCachedAll is EnsureCached for a list; missing ids share one fetch.
func (c *Cache[T]) EnsureCachedAll(ids []int64) bool {
	var missing []int64
	ready := true
	for _, id := range ids {
		n, ok := c.nodes[id]
		switch {
		case !ok:
			if !slices.Contains(missing, id) {
				missing = append(missing, id)
			}
			ready = false
		case n.pending:
			ready = false
		}
	}
	if len(missing) > 0 {
		c.request(missing)
	}
	return ready
}

// Retrieve returns the cached entity. ok is false for unknown, pending and
// invalid ids.
func (c *Cache[T]) Retrieve(id int64) (value T, ok bool) {
	n, found := c.nodes[id]
	if !found || n.pending || n.invalid {
		return value, false
	}
	return n.value, true
}

// RetrieveAll returns the valid cached entities among ids, in order.
func (c *Cache[T]) RetrieveAll(ids []int64) []T {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if v, ok := c.Retrieve(id); ok {
			out = append(out, v)
		}
	}
	return out
}

// Invalidate forgets id. An in-flight fetch for it is ignored when it lands.
func (c *Cache[T]) Invalidate(id int64) {
	if _, ok := c.nodes[id]; !ok {
		return
	}
	delete(c.nodes, id)
	c.order = slices.DeleteFunc(c.order, func(v int64) bool { return v == id })
}

// Update refetches id if it is cached.
func (c *Cache[T]) Update(id int64) {
	if _, ok := c.nodes[id]; !ok {
		return
	}
	c.Invalidate(id)
	c.request([]int64{id})
}

// Process applies a finished fetch. It reports whether any node settled.
func (c *Cache[T]) Process(b Batch[T]) bool {
	if b.err != nil && !errors.Is(b.err, context.Canceled) {
		c.logger.Warn("fetch failed", zap.Error(b.err), zap.Int("ids", len(b.generations)))
	}

	settled := false
	for id, gen := range b.generations {
		n, ok := c.nodes[id]
		if !ok || n.generation != gen || !n.pending {
			continue
		}
		n.pending = false
		settled = true
		if v, found := b.values[id]; found && b.err == nil {
			n.value = v
			continue
		}
		n.invalid = true
	}
	return settled
}

// Close cancels outstanding fetches and waits for them to return.
func (c *Cache[T]) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache[T]) request(ids []int64) {
	c.shrink(ids)

	gens := make(map[int64]uint64, len(ids))
	for _, id := range ids {
		c.generation++
		c.nodes[id] = &node[T]{generation: c.generation, pending: true}
		c.order = append(c.order, id)
		gens[id] = c.generation
	}

	c.logger.Debug("fetching", zap.Int64s("ids", ids))

	fetchIDs := slices.Clone(ids)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		values, err := c.fetcher.Fetch(c.ctx, fetchIDs)
		select {
		case c.results <- Batch[T]{generations: gens, values: values, err: err}:
		case <-c.ctx.Done():
		}
	}()
}

// shrink evicts the oldest settled nodes until incoming fits. Pending nodes
// stay, so the cache may briefly exceed its capacity.
func (c *Cache[T]) shrink(incoming []int64) {
	excess := len(c.nodes) + len(incoming) - c.capacity
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		n := c.nodes[id]
		if excess > 0 && !n.pending {
			delete(c.nodes, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}
