package cache

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCacheNotFound error.
	ErrCacheNotFound = errors.New("cache not found")
	// ErrCacheExpired error.
	ErrCacheExpired = errors.New("cache expired")
)

// WallClock is the clock entries age against.
var WallClock Clock = realClock{}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const shardSize = 256

// Cache is a sharded map with random eviction, bounded by size.
type Cache[V any] struct {
	shards [shardSize]*shard[V]
}

// New returns a cache holding about size elements.
func New[V any](size int) *Cache[V] {
	ssize := size / shardSize
	if ssize < 4 {
		ssize = 4
	}

	c := &Cache[V]{}
	for i := range c.shards {
		c.shards[i] = newShard[V](ssize)
	}

	return c
}

// Get looks up the element under key.
func (c *Cache[V]) Get(key uint64) (V, bool) {
	return c.shards[key&(shardSize-1)].get(key)
}

// Add stores el under key, evicting a random element of a full shard.
func (c *Cache[V]) Add(key uint64, el V) {
	c.shards[key&(shardSize-1)].add(key, el)
}

// Remove deletes the element under key.
func (c *Cache[V]) Remove(key uint64) {
	c.shards[key&(shardSize-1)].remove(key)
}

// Len returns the number of elements.
func (c *Cache[V]) Len() int {
	l := 0
	for _, s := range c.shards {
		l += s.len()
	}
	return l
}

type shard[V any] struct {
	sync.RWMutex

	items map[uint64]V
	size  int
}

func newShard[V any](size int) *shard[V] {
	return &shard[V]{items: make(map[uint64]V), size: size}
}

func (s *shard[V]) add(key uint64, el V) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.items[key]; !ok && len(s.items) >= s.size {
		// map iteration order is random enough
		for k := range s.items {
			delete(s.items, k)
			break
		}
	}

	s.items[key] = el
}

func (s *shard[V]) remove(key uint64) {
	s.Lock()
	delete(s.items, key)
	s.Unlock()
}

func (s *shard[V]) get(key uint64) (V, bool) {
	s.RLock()
	el, ok := s.items[key]
	s.RUnlock()
	return el, ok
}

func (s *shard[V]) len() int {
	s.RLock()
	l := len(s.items)
	s.RUnlock()
	return l
}
