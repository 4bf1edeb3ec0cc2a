package loader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"perp-sync/internal/connection"
	"perp-sync/internal/metrics"
	"perp-sync/internal/state"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// FetchFunc performs one idempotent read
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Options controls polling and retry for one query
type Options struct {
	PollInterval time.Duration
	// StaleTime is how long a result is served without refetching when an
	// observer subscribes
	StaleTime time.Duration
	// Retry is the number of extra attempts after a failed fetch
	Retry   int
	Backoff connection.Backoff
}

// DefaultOptions returns the standard polling policy
func DefaultOptions() Options {
	return Options{
		PollInterval: 60 * time.Second,
		StaleTime:    30 * time.Second,
		Retry:        3,
		Backoff: connection.Backoff{
			Initial:    time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
		},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.StaleTime < 0 {
		o.StaleTime = 0
	}
	if o.Retry < 0 {
		o.Retry = 0
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff = d.Backoff
	}
	return o
}

// QueryCache shares REST queries by key. A query polls while it has at least
// one observer.
type QueryCache struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queries map[string]any

	wg conc.WaitGroup
}

// NewQueryCache creates a cache whose pollers stop when ctx is done
func NewQueryCache(ctx context.Context) *QueryCache {
	ctx, cancel := context.WithCancel(ctx)
	return &QueryCache{
		ctx:     ctx,
		cancel:  cancel,
		queries: make(map[string]any),
	}
}

// Close stops every poller and waits for them to exit
func (c *QueryCache) Close() {
	c.cancel()
	c.wg.Wait()
}

// Fetch returns the observable for key, creating it on first use. Later calls
// with the same key share the first call's fetch function and options.
func Fetch[T any](c *QueryCache, key string, fn FetchFunc[T], opts Options) *Observable[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.queries[key]; ok {
		obs, ok := existing.(*Observable[T])
		if !ok {
			panic(fmt.Sprintf("loader: query %q already registered with type %T", key, existing))
		}
		return obs
	}

	obs := &Observable[T]{
		cache:     c,
		key:       key,
		fn:        fn,
		opts:      opts.withDefaults(),
		result:    state.Idle[T](),
		observers: make(map[uint64]func(state.Loadable[T])),
	}
	c.queries[key] = obs
	return obs
}

// Observable is one shared query
type Observable[T any] struct {
	cache *QueryCache
	key   string
	fn    FetchFunc[T]
	opts  Options

	mu        sync.Mutex
	result    state.Loadable[T]
	fetchedAt time.Time
	observers map[uint64]func(state.Loadable[T])
	nextID    uint64

	// set while polling
	stop    chan struct{}
	refetch chan struct{}
}

// Key returns the query key
func (o *Observable[T]) Key() string {
	return o.key
}

// Current returns the latest result
func (o *Observable[T]) Current() state.Loadable[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Subscribe registers fn for every result change and hands it the current
// result unless the query has never run. The first observer starts polling;
// the returned function is idempotent and the last one stops it.
func (o *Observable[T]) Subscribe(fn func(state.Loadable[T])) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.observers[id] = fn
	current := o.result
	if o.stop == nil {
		stop := make(chan struct{})
		refetch := make(chan struct{}, 1)
		o.stop, o.refetch = stop, refetch
		o.cache.wg.Go(func() { o.poll(stop, refetch) })
	}
	o.mu.Unlock()

	if current.Status != state.StatusIdle {
		fn(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.observers, id)
			if len(o.observers) == 0 && o.stop != nil {
				close(o.stop)
				o.stop, o.refetch = nil, nil
			}
		})
	}
}

// Refetch asks the poller to fetch now. It does nothing without observers.
func (o *Observable[T]) Refetch() {
	o.mu.Lock()
	refetch := o.refetch
	o.mu.Unlock()
	if refetch == nil {
		return
	}
	select {
	case refetch <- struct{}{}:
	default:
	}
}

func (o *Observable[T]) stale() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetchedAt.IsZero() || time.Since(o.fetchedAt) >= o.opts.StaleTime
}

func (o *Observable[T]) poll(stop, refetch chan struct{}) {
	ctx := o.cache.ctx
	force := false
	for {
		if force || o.stale() {
			o.fetch(ctx, stop)
		}

		timer := time.NewTimer(o.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stop:
			timer.Stop()
			return
		case <-refetch:
			timer.Stop()
		case <-timer.C:
		}
		force = true
	}
}

// fetch runs fn with retries, publishing pending, success or error
func (o *Observable[T]) fetch(ctx context.Context, stop chan struct{}) {
	o.set(func(r state.Loadable[T]) state.Loadable[T] { return state.Pending(r) }, false)

	label := metricLabel(o.key)
	var lastErr error
	for attempt := 0; attempt <= o.opts.Retry; attempt++ {
		if attempt > 0 {
			delay := o.opts.Backoff.Delay(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		timer := metrics.NewTimer()
		data, err := o.fn(ctx)
		timer.ObserveDuration(metrics.RestFetchDuration, label)
		if err == nil {
			o.set(func(state.Loadable[T]) state.Loadable[T] { return state.Loaded(data) }, true)
			return
		}

		lastErr = err
		metrics.RestFetchErrors.WithLabelValues(label).Inc()
		log.Warn().
			Err(err).
			Str("query", o.key).
			Int("attempt", attempt+1).
			Msg("Query fetch failed")
	}

	o.set(func(r state.Loadable[T]) state.Loadable[T] { return state.Failed(r, lastErr) }, false)
}

func (o *Observable[T]) set(fn func(state.Loadable[T]) state.Loadable[T], fetched bool) {
	o.mu.Lock()
	o.result = fn(o.result)
	if fetched {
		o.fetchedAt = time.Now()
	}
	result := o.result
	observers := make([]func(state.Loadable[T]), 0, len(o.observers))
	for _, obs := range o.observers {
		observers = append(observers, obs)
	}
	o.mu.Unlock()

	for _, obs := range observers {
		obs(result)
	}
}

// metricLabel keeps addresses out of metric labels
func metricLabel(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}
