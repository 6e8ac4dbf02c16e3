package repocache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/intermail/internal/archive"
	"github.com/mistakeknot/intermail/internal/core"
)

type counter struct {
	mu     sync.Mutex
	events map[string]int
}

func (c *counter) CacheEvent(e string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		c.events = map[string]int{}
	}
	c.events[e]++
}

func (c *counter) get(e string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[e]
}

func newTestCache(t *testing.T, capacity int) (*Cache, *counter, *atomic.Int32) {
	t.Helper()
	var opens atomic.Int32
	obs := &counter{}
	c, err := New(capacity, func(p string, lock *sync.Mutex) (*archive.Repo, error) {
		opens.Add(1)
		return archive.Open(p, archive.Options{Logger: zerolog.Nop(), Lock: lock})
	}, obs, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Clear)
	return c, obs, &opens
}

func dirs(t *testing.T, n int) []string {
	t.Helper()
	root := t.TempDir()
	out := make([]string, n)
	for i := range out {
		out[i] = filepath.Join(root, string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(out[i], 0o755))
	}
	return out
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0, nil, nil, zerolog.Nop())
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))
}

func TestGetHitSharesHandle(t *testing.T) {
	c, obs, opens := newTestCache(t, 2)
	ctx := context.Background()
	d := dirs(t, 1)[0]

	l1, err := c.Get(ctx, d)
	require.NoError(t, err)
	defer l1.Release()
	l2, err := c.Get(ctx, d+string(filepath.Separator)+".")
	require.NoError(t, err)
	defer l2.Release()

	assert.Same(t, l1.Repo(), l2.Repo())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, 1, obs.get("hit"))
	assert.Equal(t, 1, obs.get("miss"))
}

func TestSymlinkSharesEntry(t *testing.T) {
	c, _, _ := newTestCache(t, 2)
	d := dirs(t, 1)[0]
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(d, link))

	l1, err := c.Get(context.Background(), d)
	require.NoError(t, err)
	defer l1.Release()
	l2, err := c.Get(context.Background(), link)
	require.NoError(t, err)
	defer l2.Release()

	assert.Same(t, l1.Repo(), l2.Repo())
	assert.Equal(t, 1, c.Len())
}

func TestSymlinkToMissingRepoKeepsOneEntry(t *testing.T) {
	c, _, opens := newTestCache(t, 2)
	base := t.TempDir()
	realDir := filepath.Join(base, "real")
	require.NoError(t, os.Mkdir(realDir, 0o755))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(realDir, link))
	target := filepath.Join(link, "archive") // created by the first open

	l1, err := c.Get(context.Background(), target)
	require.NoError(t, err)
	defer l1.Release()
	l2, err := c.Get(context.Background(), target)
	require.NoError(t, err)
	defer l2.Release()

	resolvedReal, err := filepath.EvalSymlinks(realDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resolvedReal, "archive"), l1.Path())
	assert.Same(t, l1.Repo(), l2.Repo())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int32(1), opens.Load())
}

func TestReplacementSharesLockWithLeasedHandle(t *testing.T) {
	c, _, _ := newTestCache(t, 1)
	ctx := context.Background()
	d := dirs(t, 2)

	held, err := c.Get(ctx, d[0])
	require.NoError(t, err)
	other, err := c.Get(ctx, d[1]) // evicts d[0] while it is leased
	require.NoError(t, err)
	other.Release()
	again, err := c.Get(ctx, d[0])
	require.NoError(t, err)

	require.NotSame(t, held.Repo(), again.Repo())
	c.mu.Lock()
	lk := c.locks[held.Path()]
	c.mu.Unlock()
	require.NotNil(t, lk)
	assert.Equal(t, 2, lk.handles)

	held.Release()
	again.Release()
	c.Clear()
	assert.Empty(t, c.locks)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, obs, _ := newTestCache(t, 2)
	ctx := context.Background()
	d := dirs(t, 3)

	for _, p := range []string{d[0], d[1], d[0], d[2]} {
		l, err := c.Get(ctx, p)
		require.NoError(t, err)
		l.Release()
	}

	assert.Equal(t, 2, c.Len())
	cached, ok := c.Peek(d[1])
	assert.True(t, ok)
	assert.False(t, cached, "b was least recently used")
	cached, _ = c.Peek(d[0])
	assert.True(t, cached)
	cached, _ = c.Peek(d[2])
	assert.True(t, cached)
	assert.Equal(t, 1, obs.get("evict"))
}

func TestGetIfCachedDoesNotPromote(t *testing.T) {
	c, _, opens := newTestCache(t, 2)
	ctx := context.Background()
	d := dirs(t, 3)

	_, ok := c.GetIfCached(d[0])
	assert.False(t, ok)
	assert.Equal(t, int32(0), opens.Load())

	for _, p := range d[:2] {
		l, err := c.Get(ctx, p)
		require.NoError(t, err)
		l.Release()
	}
	l, ok := c.GetIfCached(d[0])
	require.True(t, ok)
	l.Release()

	l, err := c.Get(ctx, d[2])
	require.NoError(t, err)
	l.Release()

	cached, _ := c.Peek(d[0])
	assert.False(t, cached, "a should still be the eviction candidate")
}

func TestEvictedHandleStaysOpenWhileLeased(t *testing.T) {
	c, _, _ := newTestCache(t, 1)
	ctx := context.Background()
	d := dirs(t, 2)

	held, err := c.Get(ctx, d[0])
	require.NoError(t, err)

	other, err := c.Get(ctx, d[1])
	require.NoError(t, err)
	other.Release()

	cached, _ := c.Peek(d[0])
	require.False(t, cached)
	assert.Equal(t, 1, held.h.refs)

	_, err = held.Repo().CommitFiles(ctx, "still usable", []archive.File{{Path: "x.md", Content: []byte("x")}})
	require.NoError(t, err)

	held.Release()
	assert.Equal(t, 0, held.h.refs)
	held.Release() // idempotent
	assert.Equal(t, 0, held.h.refs)
}

func TestPeekIsNonBlocking(t *testing.T) {
	c, _, _ := newTestCache(t, 1)
	d := dirs(t, 1)[0]

	c.mu.Lock()
	_, ok := c.Peek(d)
	c.mu.Unlock()
	assert.False(t, ok)

	cached, ok := c.Peek(d)
	assert.True(t, ok)
	assert.False(t, cached)
}

func TestConcurrentGetOpensOneEntry(t *testing.T) {
	c, _, _ := newTestCache(t, 4)
	d := dirs(t, 1)[0]

	const workers = 16
	repos := make([]*archive.Repo, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := c.Get(context.Background(), d)
			if !assert.NoError(t, err) {
				return
			}
			repos[i] = l.Repo()
			l.Release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, c.Len())
	l, ok := c.GetIfCached(d)
	require.True(t, ok)
	defer l.Release()
	for _, r := range repos {
		assert.Same(t, l.Repo(), r)
	}
}

func TestClear(t *testing.T) {
	c, _, _ := newTestCache(t, 3)
	for _, p := range dirs(t, 3) {
		l, err := c.Get(context.Background(), p)
		require.NoError(t, err)
		l.Release()
	}
	assert.Equal(t, 3, c.Len())
	c.Clear()
	assert.True(t, c.IsEmpty())
	assert.Empty(t, c.locks)
}
