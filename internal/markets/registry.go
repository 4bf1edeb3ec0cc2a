package markets

import (
	"sort"
	"sync"

	"perp-sync/internal/indexer"
)

// Registry indexes derived markets by ticker, clob pair id and asset
type Registry struct {
	mu sync.RWMutex

	// byTicker: ticker -> Info
	byTicker map[string]Info

	// byClobPair: clob pair id -> ticker
	byClobPair map[string]string

	// byAsset: displayable asset -> tickers
	byAsset map[string][]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byTicker:   make(map[string]Info),
		byClobPair: make(map[string]string),
		byAsset:    make(map[string][]string),
	}
}

// Replace swaps the registry contents for the given raw markets
func (r *Registry) Replace(raw map[string]indexer.PerpetualMarket) {
	byTicker := make(map[string]Info, len(raw))
	byClobPair := make(map[string]string, len(raw))
	byAsset := make(map[string][]string)

	for ticker, m := range raw {
		info := Calculate(m)
		if info.Ticker == "" {
			info.Ticker = ticker
		}
		byTicker[info.Ticker] = info
		if info.ClobPairID != "" {
			byClobPair[info.ClobPairID] = info.Ticker
		}
		byAsset[info.DisplayableAsset] = append(byAsset[info.DisplayableAsset], info.Ticker)
	}
	for _, tickers := range byAsset {
		sort.Strings(tickers)
	}

	r.mu.Lock()
	r.byTicker = byTicker
	r.byClobPair = byClobPair
	r.byAsset = byAsset
	r.mu.Unlock()
}

// Get returns the market for a ticker
func (r *Registry) Get(ticker string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byTicker[ticker]
	return info, ok
}

// TickerForClobPair resolves a clob pair id to its ticker
func (r *Registry) TickerForClobPair(clobPairID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ticker, ok := r.byClobPair[clobPairID]
	return ticker, ok
}

// TickersForAsset returns every ticker whose displayable asset matches
func (r *Registry) TickersForAsset(asset string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.byAsset[asset]...)
}

// Tickers returns all tickers in sorted order
func (r *Registry) Tickers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tickers := make([]string, 0, len(r.byTicker))
	for ticker := range r.byTicker {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	return tickers
}

// Len returns the number of registered markets
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTicker)
}
