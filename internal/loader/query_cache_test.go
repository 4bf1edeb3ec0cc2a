package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perp-sync/internal/connection"
	"perp-sync/internal/indexer"
	"perp-sync/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		PollInterval: time.Hour,
		StaleTime:    time.Hour,
		Retry:        3,
		Backoff:      connection.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
}

func newCache(t *testing.T) *QueryCache {
	c := NewQueryCache(context.Background())
	t.Cleanup(c.Close)
	return c
}

type recorder[T any] struct {
	mu      sync.Mutex
	results []state.Loadable[T]
}

func (r *recorder[T]) observe(res state.Loadable[T]) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *recorder[T]) statuses() []state.LoadStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]state.LoadStatus, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res.Status)
	}
	return out
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 60*time.Second, opts.PollInterval)
	assert.Equal(t, 30*time.Second, opts.StaleTime)
	assert.Equal(t, 3, opts.Retry)

	filled := Options{}.withDefaults()
	assert.Equal(t, opts.PollInterval, filled.PollInterval)
	assert.Equal(t, opts.Backoff, filled.Backoff)
}

func TestFetch_IdleUntilSubscribed(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	obs := Fetch(c, "height", func(context.Context) (int, error) {
		calls.Add(1)
		return 7, nil
	}, fastOptions())

	assert.Equal(t, state.StatusIdle, obs.Current().Status)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestFetch_LoadsOnSubscribe(t *testing.T) {
	c := newCache(t)
	obs := Fetch(c, "height", func(context.Context) (int, error) { return 7, nil }, fastOptions())

	rec := &recorder[int]{}
	unsubscribe := obs.Subscribe(rec.observe)
	defer unsubscribe()

	require.Eventually(t, func() bool { return obs.Current().IsLoaded() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, obs.Current().Data)
	assert.Equal(t, []state.LoadStatus{state.StatusPending, state.StatusSuccess}, rec.statuses())
}

func TestFetch_SharesQueryByKey(t *testing.T) {
	c := newCache(t)
	a := Fetch(c, "markets", func(context.Context) (int, error) { return 1, nil }, fastOptions())
	b := Fetch(c, "markets", func(context.Context) (int, error) { return 2, nil }, fastOptions())
	assert.Same(t, a, b)

	assert.Panics(t, func() {
		Fetch(c, "markets", func(context.Context) (string, error) { return "", nil }, fastOptions())
	})
}

func TestFetch_Polls(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	opts := fastOptions()
	opts.PollInterval = 10 * time.Millisecond

	obs := Fetch(c, "height", func(context.Context) (int32, error) {
		return calls.Add(1), nil
	}, opts)
	unsubscribe := obs.Subscribe(func(state.Loadable[int32]) {})
	defer unsubscribe()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestFetch_FreshResultIsNotRefetched(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	obs := Fetch(c, "markets", func(context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	}, fastOptions())

	unsubscribe := obs.Subscribe(func(state.Loadable[int]) {})
	require.Eventually(t, func() bool { return obs.Current().IsLoaded() }, time.Second, 5*time.Millisecond)
	unsubscribe()

	unsubscribe = obs.Subscribe(func(state.Loadable[int]) {})
	defer unsubscribe()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_NewObserverReceivesCachedResult(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	obs := Fetch(c, "orders/dydx1abc/0", func(context.Context) (int, error) {
		calls.Add(1)
		return 7, nil
	}, fastOptions())

	unsubscribe := obs.Subscribe(func(state.Loadable[int]) {})
	require.Eventually(t, func() bool { return obs.Current().IsLoaded() }, time.Second, 5*time.Millisecond)
	unsubscribe()

	rec := &recorder[int]{}
	unsubscribe = obs.Subscribe(rec.observe)
	defer unsubscribe()

	assert.Equal(t, []state.LoadStatus{state.StatusSuccess}, rec.statuses())
	rec.mu.Lock()
	assert.Equal(t, 7, rec.results[0].Data)
	rec.mu.Unlock()
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_StaleResultIsRefetched(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	opts := fastOptions()
	opts.StaleTime = 0

	obs := Fetch(c, "markets", func(context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	}, opts)

	unsubscribe := obs.Subscribe(func(state.Loadable[int]) {})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	unsubscribe()

	unsubscribe = obs.Subscribe(func(state.Loadable[int]) {})
	defer unsubscribe()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	obs := Fetch(c, "account/dydx1abc/0", func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("boom")
		}
		return "ok", nil
	}, fastOptions())

	unsubscribe := obs.Subscribe(func(state.Loadable[string]) {})
	defer unsubscribe()

	require.Eventually(t, func() bool { return obs.Current().IsLoaded() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ok", obs.Current().Data)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_FailsAfterRetries(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	boom := errors.New("boom")
	opts := fastOptions()
	opts.Retry = 2

	obs := Fetch(c, "height", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, boom
	}, opts)

	unsubscribe := obs.Subscribe(func(state.Loadable[int]) {})
	defer unsubscribe()

	require.Eventually(t, func() bool { return obs.Current().Status == state.StatusError }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, obs.Current().Err, boom)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_LastUnsubscribeStopsPolling(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	opts := fastOptions()
	opts.PollInterval = 10 * time.Millisecond

	obs := Fetch(c, "height", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}, opts)

	first := obs.Subscribe(func(state.Loadable[int]) {})
	second := obs.Subscribe(func(state.Loadable[int]) {})

	first()
	first()
	before := calls.Load()
	require.Eventually(t, func() bool { return calls.Load() > before+1 }, time.Second, 5*time.Millisecond)

	second()
	time.Sleep(20 * time.Millisecond)
	stopped := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}

func TestRefetch(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	obs := Fetch(c, "orders/dydx1abc/0", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}, fastOptions())

	obs.Refetch()
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, calls.Load())

	unsubscribe := obs.Subscribe(func(state.Loadable[int]) {})
	defer unsubscribe()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	obs.Refetch()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMetricLabel(t *testing.T) {
	assert.Equal(t, "account", metricLabel("account/dydx1abc/0"))
	assert.Equal(t, "markets", metricLabel("markets"))
}

type fakeIndexer struct {
	orders []indexer.Order
}

func (f *fakeIndexer) FetchMarkets(context.Context) (map[string]indexer.PerpetualMarket, error) {
	return map[string]indexer.PerpetualMarket{"ETH-USD": {Ticker: "ETH-USD"}}, nil
}

func (f *fakeIndexer) FetchParentSubaccount(_ context.Context, address string, parent int) (*indexer.ParentSubaccountResponse, error) {
	return &indexer.ParentSubaccountResponse{
		Subaccount: indexer.ParentSubaccount{Address: address, ParentSubaccountNumber: parent},
	}, nil
}

func (f *fakeIndexer) FetchParentSubaccountOrders(context.Context, string, int) ([]indexer.Order, error) {
	return f.orders, nil
}

func (f *fakeIndexer) FetchHeight(context.Context) (*indexer.Height, error) {
	return &indexer.Height{Height: "100", Time: "2024-01-01T00:00:00Z"}, nil
}

func TestRestLoader(t *testing.T) {
	api := &fakeIndexer{orders: []indexer.Order{{ID: "a"}, {ID: "b"}}}
	l := NewRestLoader(api, newCache(t), fastOptions())

	orders := l.Orders("dydx1abc", 0)
	assert.Equal(t, "orders/dydx1abc/0", orders.Key())
	assert.Same(t, orders, l.Orders("dydx1abc", 0))

	unsubscribe := orders.Subscribe(func(state.Loadable[map[string]indexer.Order]) {})
	defer unsubscribe()
	require.Eventually(t, func() bool { return orders.Current().IsLoaded() }, time.Second, 5*time.Millisecond)
	assert.Len(t, orders.Current().Data, 2)
	assert.Contains(t, orders.Current().Data, "a")

	account := l.Account("dydx1abc", 0)
	unsubscribe = account.Subscribe(func(state.Loadable[*indexer.ParentSubaccountResponse]) {})
	defer unsubscribe()
	require.Eventually(t, func() bool { return account.Current().IsLoaded() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "dydx1abc", account.Current().Data.Subaccount.Address)

	height := l.Height()
	unsubscribe = height.Subscribe(func(state.Loadable[indexer.Height]) {})
	defer unsubscribe()
	require.Eventually(t, func() bool { return height.Current().IsLoaded() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "100", height.Current().Data.Height)

	markets := l.Markets()
	assert.Equal(t, "markets", markets.Key())

	l.RefetchAll()
}
