package entitycache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingFetcher struct {
	mu      sync.Mutex
	calls   [][]int64
	missing map[int64]bool
	err     error
}

func (f *countingFetcher) Fetch(_ context.Context, ids []int64) (map[int64]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ids)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int64]string)
	for _, id := range ids {
		if !f.missing[id] {
			out[id] = "entity"
		}
	}
	return out, nil
}

func (f *countingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func drain[T any](t *testing.T, c *Cache[T]) {
	t.Helper()
	select {
	case b := <-c.Results():
		c.Process(b)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch result")
	}
}

func TestEnsureCachedCoalescesRequests(t *testing.T) {
	f := &countingFetcher{}
	c := New[string]("items", 10, f, nil)
	defer c.Close()

	assert.False(t, c.EnsureCached(1))
	assert.False(t, c.EnsureCached(1), "pending id is not refetched")
	assert.True(t, c.IsRequested(1))
	assert.False(t, c.IsCached(1))

	drain(t, c)

	assert.True(t, c.EnsureCached(1))
	v, ok := c.Retrieve(1)
	require.True(t, ok)
	assert.Equal(t, "entity", v)
	assert.Equal(t, 1, f.callCount())
}

func TestMissingEntitiesAreInvalid(t *testing.T) {
	f := &countingFetcher{missing: map[int64]bool{2: true}}
	c := New[string]("items", 10, f, nil)
	defer c.Close()

	assert.False(t, c.EnsureCachedAll([]int64{1, 2, 1}))
	drain(t, c)

	assert.True(t, c.EnsureCachedAll([]int64{1, 2}), "invalid entries still count as settled")
	_, ok := c.Retrieve(2)
	assert.False(t, ok)
	assert.Equal(t, []string{"entity"}, c.RetrieveAll([]int64{1, 2}))
	assert.Equal(t, [][]int64{{1, 2}}, f.calls)
}

func TestFetchErrorMarksInvalid(t *testing.T) {
	f := &countingFetcher{err: errors.New("storage unavailable")}
	c := New[string]("tags", 10, f, nil)
	defer c.Close()

	c.EnsureCached(7)
	drain(t, c)

	assert.True(t, c.IsCached(7))
	_, ok := c.Retrieve(7)
	assert.False(t, ok)
}

func TestInvalidatedFetchIgnored(t *testing.T) {
	f := &countingFetcher{}
	c := New[string]("items", 10, f, nil)
	defer c.Close()

	c.EnsureCached(1)
	var stale Batch[string]
	select {
	case stale = <-c.Results():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	c.Update(1)
	c.Invalidate(1)
	c.EnsureCached(1)

	assert.False(t, c.Process(stale), "a result for an older request must not settle the node")
	assert.False(t, c.IsCached(1))

	for c.IsRequested(1) && !c.IsCached(1) {
		drain(t, c)
	}
	assert.True(t, c.IsCached(1))
}

func TestShrinkEvictsOldestSettled(t *testing.T) {
	f := &countingFetcher{}
	c := New[string]("collections", 2, f, nil)
	defer c.Close()

	c.EnsureCached(1)
	drain(t, c)
	c.EnsureCached(2)
	drain(t, c)
	c.EnsureCached(3)

	assert.False(t, c.IsRequested(1), "oldest entry evicted")
	assert.True(t, c.IsCached(2))
	assert.Equal(t, 2, c.Len())

	c.EnsureCached(4)
	assert.True(t, c.IsRequested(3), "pending entries survive eviction")
	assert.False(t, c.IsRequested(2))

	drain(t, c)
	drain(t, c)
	c.SetCapacity(1)
	assert.Equal(t, 1, c.Len())
}

func TestCloseCancelsFetches(t *testing.T) {
	block := make(chan struct{})
	f := FetcherFunc[string](func(ctx context.Context, ids []int64) (map[int64]string, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
			return nil, nil
		}
	})
	c := New[string]("items", 4, f, nil)
	c.EnsureCached(1)
	c.Close()
	close(block)
}
