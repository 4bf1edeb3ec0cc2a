package resource

import (
	"fmt"
	"sync"
	"time"

	"perp-sync/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long an unused resource survives before destruction
const DefaultDebounce = time.Second

// Options configures a Cache
type Options[K any, R any] struct {
	// Name labels the cache in logs and metrics
	Name          string
	Construct     func(key K) R
	Destroy       func(resource R)
	KeySerializer func(key K) string
	Debounce      time.Duration
}

type entry[R any] struct {
	resource R
	count    int
	timer    *time.Timer
	// epoch invalidates timers that fired after being replaced
	epoch uint64
}

// Cache is a refcounted cache of lazily constructed resources. A resource is
// destroyed only after its count has stayed at zero for the debounce window.
type Cache[K any, R any] struct {
	opts Options[K, R]

	mu      sync.Mutex
	entries map[string]*entry[R]
}

// New creates a cache; Construct is required
func New[K any, R any](opts Options[K, R]) *Cache[K, R] {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.KeySerializer == nil {
		opts.KeySerializer = serializeJSON[K]
	}
	if opts.Name == "" {
		opts.Name = "resource"
	}
	return &Cache[K, R]{
		opts:    opts,
		entries: make(map[string]*entry[R]),
	}
}

func serializeJSON[K any](key K) string {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Sprintf("%#v", key)
	}
	return string(data)
}

// Use returns the resource for key, constructing it on first use
func (c *Cache[K, R]) Use(key K) R {
	id := c.opts.KeySerializer(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		e.count++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			e.epoch++
		}
		return e.resource
	}

	e := &entry[R]{resource: c.opts.Construct(key), count: 1}
	c.entries[id] = e
	metrics.ResourcesLive.WithLabelValues(c.opts.Name).Set(float64(len(c.entries)))
	log.Debug().Str("cache", c.opts.Name).Str("key", id).Msg("Resource constructed")
	return e.resource
}

// MarkDone releases one use of key. When the count reaches zero a single
// destroy timer is armed, replacing any earlier one.
func (c *Cache[K, R]) MarkDone(key K) {
	id := c.opts.KeySerializer(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		log.Warn().Str("cache", c.opts.Name).Str("key", id).Msg("MarkDone on unknown resource")
		return
	}
	if e.count == 0 {
		log.Warn().Str("cache", c.opts.Name).Str("key", id).Msg("MarkDone on unused resource")
		return
	}

	e.count--
	if e.count > 0 {
		return
	}

	if e.timer != nil {
		e.timer.Stop()
	}
	e.epoch++
	epoch := e.epoch
	e.timer = time.AfterFunc(c.opts.Debounce, func() {
		c.expire(id, epoch)
	})
}

func (c *Cache[K, R]) expire(id string, epoch uint64) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.epoch != epoch || e.count > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.entries, id)
	live := len(c.entries)
	c.mu.Unlock()

	metrics.ResourcesLive.WithLabelValues(c.opts.Name).Set(float64(live))
	log.Debug().Str("cache", c.opts.Name).Str("key", id).Msg("Resource destroyed")
	if c.opts.Destroy != nil {
		c.opts.Destroy(e.resource)
	}
}

// Len returns the number of live resources, pending destruction included
func (c *Cache[K, R]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Count returns the refcount of key, or 0 if it is not live
func (c *Cache[K, R]) Count(key K) int {
	id := c.opts.KeySerializer(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.count
	}
	return 0
}

// Close destroys every resource immediately, regardless of refcounts
func (c *Cache[K, R]) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry[R])
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.epoch++
	}
	c.mu.Unlock()

	metrics.ResourcesLive.WithLabelValues(c.opts.Name).Set(0)
	if c.opts.Destroy == nil {
		return
	}
	for _, e := range entries {
		c.opts.Destroy(e.resource)
	}
}
