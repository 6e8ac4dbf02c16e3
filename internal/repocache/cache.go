// Package repocache bounds the number of open archive repositories. Handles
// are shared and reference counted, so evicting one never closes it under a
// caller that is still using it.
package repocache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/archive"
	"github.com/mistakeknot/intermail/internal/core"
)

const DefaultCapacity = 8

// Opener opens the repository at an already canonical path. lock is shared by
// every handle the cache holds for that path and must be passed to
// archive.Options.Lock.
type Opener func(path string, lock *sync.Mutex) (*archive.Repo, error)

// Observer receives cache events: "hit", "miss", "evict".
type Observer interface {
	CacheEvent(event string)
}

type handle struct {
	path string
	repo *archive.Repo
	refs int // guarded by Cache.mu; the cache's own entry counts as one
}

// rootLock is the write lock for one repository path. It lives as long as
// any handle for the path is open, so an evicted but leased handle and its
// replacement share it.
type rootLock struct {
	mu      sync.Mutex
	handles int
}

type Cache struct {
	capacity int
	open     Opener
	obs      Observer
	log      zerolog.Logger

	mu      sync.Mutex
	lru     *simplelru.LRU[string, *handle]
	locks   map[string]*rootLock
	pending []*handle // dropped to zero refs while mu was held; closed after unlock
}

// New returns a cache holding at most capacity open repositories.
func New(capacity int, open Opener, obs Observer, logger zerolog.Logger) (*Cache, error) {
	if capacity <= 0 {
		return nil, core.InvalidInput("cache capacity must be positive, got %d", capacity)
	}
	c := &Cache{
		capacity: capacity,
		open:     open,
		obs:      obs,
		log:      logger.With().Str("component", "repocache").Logger(),
		locks:    make(map[string]*rootLock),
	}
	lru, err := simplelru.NewLRU[string, *handle](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvict runs with c.mu held.
func (c *Cache) onEvict(key string, h *handle) {
	c.event("evict")
	c.log.Debug().Str("path", key).Int("refs", h.refs-1).Msg("evicted")
	c.unrefLocked(h)
}

func (c *Cache) unrefLocked(h *handle) {
	h.refs--
	if h.refs == 0 {
		c.releaseLockLocked(h.path)
		c.pending = append(c.pending, h)
	}
}

func (c *Cache) acquireLockLocked(key string) *rootLock {
	lk, ok := c.locks[key]
	if !ok {
		lk = &rootLock{}
		c.locks[key] = lk
	}
	lk.handles++
	return lk
}

func (c *Cache) releaseLockLocked(key string) {
	lk, ok := c.locks[key]
	if !ok {
		return
	}
	lk.handles--
	if lk.handles <= 0 {
		delete(c.locks, key)
	}
}

// unlock releases c.mu and then closes every handle that reached zero refs.
func (c *Cache) unlock() {
	closing := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, h := range closing {
		if err := h.repo.Close(); err != nil {
			c.log.Warn().Err(err).Str("path", h.path).Msg("close repository")
		}
	}
}

// Get returns a lease on the repository at path, opening it on a miss. The
// map lock is not held while the repository is opened.
func (c *Cache) Get(ctx context.Context, path string) (*Lease, error) {
	key, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if h, ok := c.lru.Get(key); ok {
		h.refs++
		c.mu.Unlock()
		c.event("hit")
		return &Lease{c: c, h: h}, nil
	}
	c.mu.Unlock()
	c.event("miss")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	lk := c.acquireLockLocked(key)
	c.mu.Unlock()
	repo, err := c.open(key, &lk.mu)
	if err != nil {
		c.mu.Lock()
		c.releaseLockLocked(key)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	if h, ok := c.lru.Get(key); ok {
		// another caller opened it first
		h.refs++
		c.releaseLockLocked(key)
		c.unlock()
		if err := repo.Close(); err != nil {
			c.log.Warn().Err(err).Str("path", key).Msg("close duplicate repository")
		}
		return &Lease{c: c, h: h}, nil
	}
	if c.lru.Len() >= c.capacity {
		c.lru.RemoveOldest()
	}
	h := &handle{path: key, repo: repo, refs: 2}
	c.lru.Add(key, h)
	c.unlock()
	return &Lease{c: c, h: h}, nil
}

// Peek reports whether path is cached without blocking. ok is false when the
// cache is busy and the answer is unknown.
func (c *Cache) Peek(path string) (cached, ok bool) {
	key, err := Canonicalize(path)
	if err != nil {
		return false, true
	}
	if !c.mu.TryLock() {
		return false, false
	}
	defer c.mu.Unlock()
	return c.lru.Contains(key), true
}

// GetIfCached returns a lease only if path is already open. It neither opens
// the repository nor changes its recency.
func (c *Cache) GetIfCached(path string) (*Lease, bool) {
	key, err := Canonicalize(path)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.lru.Peek(key)
	if !ok {
		return nil, false
	}
	h.refs++
	return &Lease{c: c, h: h}, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) IsEmpty() bool { return c.Len() == 0 }

func (c *Cache) Capacity() int { return c.capacity }

// Clear drops every entry. Repositories still leased stay open until their
// last lease is released.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.unlock()
}

func (c *Cache) event(name string) {
	if c.obs != nil {
		c.obs.CacheEvent(name)
	}
}

// Lease is one reference to a cached repository. Release it when done.
type Lease struct {
	c    *Cache
	h    *handle
	once sync.Once
}

func (l *Lease) Repo() *archive.Repo { return l.h.repo }

func (l *Lease) Path() string { return l.h.path }

// Release drops the reference. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.c.mu.Lock()
		l.c.unrefLocked(l.h)
		l.c.unlock()
	})
}

// Canonicalize makes path absolute and resolves symlinks, so two spellings of
// one directory share a cache entry. For a path that does not exist yet the
// longest existing prefix is resolved, so the key does not change once the
// repository is created.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", core.InvalidInput("repository path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", core.InvalidInput("repository path %q: %v", path, err)
	}
	prefix, rest := abs, ""
	for {
		resolved, err := filepath.EvalSymlinks(prefix)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", core.Backend("resolve repository path", err)
		}
		parent := filepath.Dir(prefix)
		if parent == prefix {
			return filepath.Clean(abs), nil
		}
		rest = filepath.Join(filepath.Base(prefix), rest)
		prefix = parent
	}
}
