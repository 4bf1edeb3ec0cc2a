package loader

import (
	"context"
	"fmt"
	"sync"

	"perp-sync/internal/indexer"

	"github.com/rs/zerolog/log"
)

// IndexerAPI is the subset of the indexer REST surface the loader reads
type IndexerAPI interface {
	FetchMarkets(ctx context.Context) (map[string]indexer.PerpetualMarket, error)
	FetchParentSubaccount(ctx context.Context, address string, parentNumber int) (*indexer.ParentSubaccountResponse, error)
	FetchParentSubaccountOrders(ctx context.Context, address string, parentNumber int) ([]indexer.Order, error)
	FetchHeight(ctx context.Context) (*indexer.Height, error)
}

// RestLoader exposes the indexer REST endpoints as shared polling queries
type RestLoader struct {
	api   IndexerAPI
	cache *QueryCache
	opts  Options

	mu      sync.Mutex
	refetch map[string]func()
}

// NewRestLoader creates a loader that registers its queries in cache
func NewRestLoader(api IndexerAPI, cache *QueryCache, opts Options) *RestLoader {
	return &RestLoader{
		api:     api,
		cache:   cache,
		opts:    opts,
		refetch: make(map[string]func()),
	}
}

// Markets polls every perpetual market
func (l *RestLoader) Markets() *Observable[map[string]indexer.PerpetualMarket] {
	obs := Fetch(l.cache, "markets", l.api.FetchMarkets, l.opts)
	l.track(obs.Key(), obs.Refetch)
	return obs
}

// Height polls the latest block height
func (l *RestLoader) Height() *Observable[indexer.Height] {
	obs := Fetch(l.cache, "height", func(ctx context.Context) (indexer.Height, error) {
		h, err := l.api.FetchHeight(ctx)
		if err != nil {
			return indexer.Height{}, err
		}
		return *h, nil
	}, l.opts)
	l.track(obs.Key(), obs.Refetch)
	return obs
}

// Account polls a parent subaccount with all of its children
func (l *RestLoader) Account(address string, parent int) *Observable[*indexer.ParentSubaccountResponse] {
	key := fmt.Sprintf("account/%s/%d", address, parent)
	obs := Fetch(l.cache, key, func(ctx context.Context) (*indexer.ParentSubaccountResponse, error) {
		return l.api.FetchParentSubaccount(ctx, address, parent)
	}, l.opts)
	l.track(key, obs.Refetch)
	return obs
}

// Orders polls the orders of every child of a parent subaccount, keyed by id
func (l *RestLoader) Orders(address string, parent int) *Observable[map[string]indexer.Order] {
	key := fmt.Sprintf("orders/%s/%d", address, parent)
	obs := Fetch(l.cache, key, func(ctx context.Context) (map[string]indexer.Order, error) {
		list, err := l.api.FetchParentSubaccountOrders(ctx, address, parent)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]indexer.Order, len(list))
		for _, o := range list {
			byID[o.ID] = o
		}
		return byID, nil
	}, l.opts)
	l.track(key, obs.Refetch)
	return obs
}

// RefetchAll asks every query with observers to fetch now. It is called
// after the stream reconnects so REST state catches up.
func (l *RestLoader) RefetchAll() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.refetch))
	for _, fn := range l.refetch {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	log.Debug().Int("queries", len(fns)).Msg("Refetching REST queries")
	for _, fn := range fns {
		fn()
	}
}

func (l *RestLoader) track(key string, refetch func()) {
	l.mu.Lock()
	l.refetch[key] = refetch
	l.mu.Unlock()
}
