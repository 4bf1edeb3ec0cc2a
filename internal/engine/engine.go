// Package engine is the application context: it owns the sockets, the
// store, the REST queries and the publishing loop, and binds subscriptions
// to the selected wallet and markets.
package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"perp-sync/internal/binder"
	"perp-sync/internal/channel"
	"perp-sync/internal/config"
	"perp-sync/internal/connection"
	"perp-sync/internal/indexer"
	"perp-sync/internal/loader"
	"perp-sync/internal/markets"
	"perp-sync/internal/metrics"
	"perp-sync/internal/numbers"
	"perp-sync/internal/orderbook"
	"perp-sync/internal/publisher"
	"perp-sync/internal/resource"
	"perp-sync/internal/simulator"
	"perp-sync/internal/state"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Publisher receives derived snapshots
type Publisher interface {
	PublishAccount(ctx context.Context, payload publisher.AccountPayload) error
	PublishOrderbook(ctx context.Context, payload publisher.OrderbookPayload) (bool, error)
	PublishMarkets(ctx context.Context, payload map[string]publisher.MarketPayload) error
}

type orderbookForgetter interface {
	ForgetOrderbook(market string)
}

// Options wires an Engine to its collaborators
type Options struct {
	Config *config.Config
	API    loader.IndexerAPI
	// Publisher may be nil, in which case nothing is published
	Publisher  Publisher
	InstanceID string
}

// Engine is the explicit context object of the service
type Engine struct {
	cfg    *config.Config
	api    loader.IndexerAPI
	pub    Publisher
	logger zerolog.Logger

	store    *state.Store
	registry *markets.Registry
	sockets  *resource.Cache[string, *channel.Socket]
	queries  *loader.QueryCache
	rest     *loader.RestLoader

	// socket is the stream held for the engine's lifetime
	socket *channel.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	dirty  chan struct{}

	mu       sync.Mutex
	cleanups []func()
	started  bool
	stopped  bool

	// last published inputs; only the publish loop touches them
	last published
}

type published struct {
	markets state.Markets
	account accountInputs
	books   map[string]*orderbook.RawBook
}

type accountInputs struct {
	account *state.ParentSubaccount
	orders  map[string]indexer.Order
	markets state.Markets
	height  indexer.Height
}

func (a accountInputs) same(b accountInputs) bool {
	return channel.SameIdentity(a.account, b.account) &&
		channel.SameIdentity(a.orders, b.orders) &&
		channel.SameIdentity(a.markets, b.markets) &&
		a.height == b.height
}

// New creates an engine. Nothing connects until Start.
func New(opts Options) *Engine {
	logger := log.With().Str("component", "engine").Logger()
	if opts.InstanceID != "" {
		logger = logger.With().Str("instance", opts.InstanceID).Logger()
	}
	return &Engine{
		cfg:      opts.Config,
		api:      opts.API,
		pub:      opts.Publisher,
		logger:   logger,
		store:    state.NewStore(),
		registry: markets.NewRegistry(),
		dirty:    make(chan struct{}, 1),
		last:     published{books: make(map[string]*orderbook.RawBook)},
	}
}

// Store exposes the raw state store
func (e *Engine) Store() *state.Store {
	return e.store
}

// Start opens the stream, binds every subscription and starts publishing
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	cfg := e.cfg
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.queries = loader.NewQueryCache(e.ctx)
	e.rest = loader.NewRestLoader(e.api, e.queries, loader.Options{
		PollInterval: cfg.Query.PollInterval,
		StaleTime:    cfg.Query.StaleTime,
		Retry:        cfg.Query.Retry,
		Backoff:      e.backoff(),
	})

	e.sockets = resource.New(resource.Options[string, *channel.Socket]{
		Name:          "sockets",
		Construct:     e.newSocket,
		Destroy:       func(s *channel.Socket) { s.Teardown() },
		KeySerializer: func(url string) string { return url },
		Debounce:      cfg.Connection.ResourceDebounce,
	})
	socket := e.sockets.Use(cfg.Indexer.WSURL)
	e.mu.Lock()
	e.socket = socket
	e.mu.Unlock()

	e.store.SetWallet(state.Wallet{
		Address:          cfg.Account.Address,
		ParentSubaccount: cfg.Account.ParentSubaccount,
	})

	cleanup, err := e.watchMarkets()
	if err != nil {
		e.Stop()
		return err
	}
	e.addCleanup(cleanup)
	e.addCleanup(e.watchHeight())
	e.addCleanup(binder.Bind[state.Snapshot, state.Wallet](e.store,
		func(s state.Snapshot) state.Wallet { return s.Wallet },
		nil,
		e.setupAccount,
	))
	for _, market := range cfg.Markets {
		e.addCleanup(binder.Bind[state.Snapshot, bool](e.store,
			func(s state.Snapshot) bool {
				_, ok := s.Markets.Data[market]
				return ok
			},
			nil,
			func(known bool) func() {
				if !known {
					return nil
				}
				return e.setupOrderbook(market)
			},
		))
	}

	e.addCleanup(e.store.Subscribe(e.markDirty))
	e.wg.Go(e.publishLoop)

	e.logger.Info().
		Str("ws", cfg.Indexer.WSURL).
		Str("address", cfg.Account.Address).
		Int("parent", cfg.Account.ParentSubaccount).
		Strs("markets", cfg.Markets).
		Msg("Engine started")
	return nil
}

// Stop unbinds everything, closes the stream and waits for the publish loop.
// It is safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped || !e.started {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cleanups := e.cleanups
	e.cleanups = nil
	e.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	e.cancel()
	e.wg.Wait()
	e.queries.Close()
	e.sockets.MarkDone(e.cfg.Indexer.WSURL)
	e.sockets.Close()
	e.logger.Info().Msg("Engine stopped")
}

// Healthy reports whether the stream is open
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	socket := e.socket
	e.mu.Unlock()
	return socket != nil && socket.IsOpen()
}

// SetWallet selects another account. An empty address stops account sync.
func (e *Engine) SetWallet(w state.Wallet) {
	e.store.SetWallet(w)
}

// Account computes the current account view
func (e *Engine) Account() (*AccountView, error) {
	return ComputeAccount(e.store.GetState())
}

// Orderbook computes a market's processed book, grouped when multiplier > 1
func (e *Engine) Orderbook(market string, multiplier int64) (*orderbook.Book, error) {
	return ComputeOrderbook(e.store.GetState(), market, multiplier)
}

// Market returns the derived market for a ticker, as of the last publish pass
func (e *Engine) Market(ticker string) (markets.Info, bool) {
	return e.registry.Get(ticker)
}

// TickerForClobPair resolves a clob pair id to its ticker
func (e *Engine) TickerForClobPair(clobPairID string) (string, bool) {
	return e.registry.TickerForClobPair(clobPairID)
}

// Simulate estimates a market order against the current state
func (e *Engine) Simulate(req SimulationRequest) (simulator.Result, error) {
	return Simulate(e.store.GetState(), req)
}

// InjectFakeMessage routes a synthetic update to a live subscription. It does
// nothing before Start.
func (e *Engine) InjectFakeMessage(key channel.Key, contents json.RawMessage) {
	e.mu.Lock()
	socket := e.socket
	e.mu.Unlock()
	if socket == nil {
		return
	}
	socket.InjectFakeMessage(key, contents)
}

func (e *Engine) backoff() connection.Backoff {
	return connection.Backoff{
		Initial:    e.cfg.Connection.BackoffInitial,
		Max:        e.cfg.Connection.BackoffMax,
		Multiplier: e.cfg.Connection.BackoffMultiplier,
	}
}

func (e *Engine) newSocket(url string) *channel.Socket {
	s := channel.NewSocket(connection.Config{
		URL:            url,
		Backoff:        e.backoff(),
		OnFreshConnect: e.rest.RefetchAll,
	}, channel.Options{
		RetryCooldown:           e.cfg.Connection.RetryCooldown,
		MissingMessageThreshold: e.cfg.Connection.MissingMessageThreshold,
	})
	if err := s.Start(e.ctx); err != nil {
		e.logger.Error().Err(err).Str("url", url).Msg("Failed to start socket")
	}
	return s
}

func (e *Engine) addCleanup(fn func()) {
	e.mu.Lock()
	e.cleanups = append(e.cleanups, fn)
	e.mu.Unlock()
}

// watch subscribes a derived value on the engine's stream and forwards every
// new value to onValue
func watch[V any](e *Engine, key channel.Key, base channel.BaseReducer[V], update channel.UpdateReducer[V], onValue func(V)) (func(), error) {
	url := e.cfg.Indexer.WSURL
	socket := e.sockets.Use(url)

	var zero V
	dv, err := channel.NewDerivedValue(socket, key, base, update, zero)
	if err != nil {
		e.sockets.MarkDone(url)
		return nil, err
	}
	unsubscribe := dv.Subscribe(onValue)

	return func() {
		unsubscribe()
		dv.Teardown()
		e.sockets.MarkDone(url)
	}, nil
}

func (e *Engine) watchMarkets() (func(), error) {
	e.store.SetMarkets(state.Pending(state.Idle[state.Markets]()))

	stop, err := watch(e, state.MarketsKey(), state.MarketsBase, state.MarketsUpdate, func(m state.Markets) {
		if m != nil {
			e.store.SetMarkets(state.Loaded(m))
		}
	})
	if err != nil {
		return nil, err
	}

	unsubscribe := e.rest.Markets().Subscribe(func(r state.Loadable[map[string]indexer.PerpetualMarket]) {
		e.store.Update(func(st state.Snapshot) state.Snapshot {
			switch {
			case r.Status == state.StatusSuccess && e.preferRest(st.Markets.IsLoaded()):
				st.Markets = state.Loaded(r.Data)
			case r.Status == state.StatusError && !st.Markets.IsLoaded():
				st.Markets = state.Failed(st.Markets, r.Err)
			}
			return st
		})
	})

	return func() {
		unsubscribe()
		stop()
	}, nil
}

func (e *Engine) watchHeight() func() {
	return e.rest.Height().Subscribe(func(r state.Loadable[indexer.Height]) {
		e.store.Update(func(st state.Snapshot) state.Snapshot {
			if r.Status == state.StatusSuccess || !st.Height.IsLoaded() {
				st.Height = r
			}
			return st
		})
	})
}

// preferRest reports whether a REST snapshot should replace stream state:
// only while the stream is down or has not delivered yet
func (e *Engine) preferRest(streamLoaded bool) bool {
	return !streamLoaded || !e.socket.IsOpen()
}

func (e *Engine) setupAccount(w state.Wallet) func() {
	if w.Address == "" {
		return nil
	}

	e.store.Update(func(st state.Snapshot) state.Snapshot {
		if st.Wallet == w && st.Account.Status == state.StatusIdle {
			st.Account = state.Pending(st.Account)
		}
		return st
	})

	stop, err := watch(e, state.AccountKey(w.Address, w.ParentSubaccount), state.AccountBase, state.AccountUpdate,
		func(p *state.ParentSubaccount) {
			if p == nil {
				return
			}
			e.store.Update(func(st state.Snapshot) state.Snapshot {
				if st.Wallet == w {
					st.Account = state.Loaded(p)
				}
				return st
			})
		})
	if err != nil {
		e.logger.Error().Err(err).Str("address", w.Address).Msg("Failed to subscribe account")
		return nil
	}

	unsubscribeAccount := e.rest.Account(w.Address, w.ParentSubaccount).Subscribe(
		func(r state.Loadable[*indexer.ParentSubaccountResponse]) {
			e.store.Update(func(st state.Snapshot) state.Snapshot {
				if st.Wallet != w {
					return st
				}
				switch {
				case r.Status == state.StatusSuccess && r.Data != nil && e.preferRest(st.Account.IsLoaded()):
					st.Account = state.Loaded(state.FromResponse(w.Address, w.ParentSubaccount, *r.Data))
				case r.Status == state.StatusError && !st.Account.IsLoaded():
					st.Account = state.Failed(st.Account, r.Err)
				}
				return st
			})
		})

	unsubscribeOrders := e.rest.Orders(w.Address, w.ParentSubaccount).Subscribe(
		func(r state.Loadable[map[string]indexer.Order]) {
			e.store.Update(func(st state.Snapshot) state.Snapshot {
				if st.Wallet == w {
					st.AccountOrders = r
				}
				return st
			})
		})

	e.logger.Info().Str("address", w.Address).Int("parent", w.ParentSubaccount).Msg("Account bound")
	return func() {
		unsubscribeOrders()
		unsubscribeAccount()
		stop()
		e.logger.Info().Str("address", w.Address).Int("parent", w.ParentSubaccount).Msg("Account unbound")
	}
}

func (e *Engine) setupOrderbook(market string) func() {
	e.store.SetOrderbook(market, state.Pending(state.Idle[*orderbook.RawBook]()))

	stop, err := watch(e, state.OrderbookKey(market), state.OrderbookBase, state.OrderbookUpdate,
		func(b *orderbook.RawBook) {
			if b != nil {
				e.store.SetOrderbook(market, state.Loaded(b))
			}
		})
	if err != nil {
		e.logger.Error().Err(err).Str("market", market).Msg("Failed to subscribe orderbook")
		e.store.RemoveOrderbook(market)
		return nil
	}

	return func() {
		stop()
		e.store.RemoveOrderbook(market)
	}
}

func (e *Engine) markDirty() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

func (e *Engine) publishLoop() {
	var retry <-chan time.Time
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.dirty:
		case <-retry:
		}
		retry = nil
		if throttled := e.publish(e.ctx); throttled {
			retry = time.After(e.cfg.Redis.OrderbookInterval)
		}
	}
}

// publish recomputes whatever changed since the last pass. It reports
// whether an orderbook publish was throttled and needs another pass.
func (e *Engine) publish(ctx context.Context) bool {
	st := e.store.GetState()

	if st.Markets.IsLoaded() && !channel.SameIdentity(st.Markets.Data, e.last.markets) {
		e.last.markets = st.Markets.Data
		e.registry.Replace(st.Markets.Data)
		if e.pub != nil {
			payload := publisher.BuildMarketsPayload(markets.CalculateAll(st.Markets.Data))
			if err := e.pub.PublishMarkets(ctx, payload); err != nil {
				e.logger.Error().Err(err).Msg("Failed to publish markets")
			}
		}
	}

	inputs := accountInputs{
		account: st.Account.Data,
		orders:  st.AccountOrders.Data,
		markets: st.Markets.Data,
		height:  st.Height.Data,
	}
	if !inputs.same(e.last.account) {
		e.last.account = inputs
		e.publishAccount(ctx, st)
	}

	throttled := false
	for market, l := range st.Orderbooks {
		if l.Data == nil || e.last.books[market] == l.Data {
			continue
		}
		if e.publishOrderbook(ctx, st, market) {
			e.last.books[market] = l.Data
		} else {
			throttled = true
		}
	}
	for market := range e.last.books {
		if _, ok := st.Orderbooks[market]; !ok {
			delete(e.last.books, market)
			if f, ok := e.pub.(orderbookForgetter); ok {
				f.ForgetOrderbook(market)
			}
		}
	}
	return throttled
}

func (e *Engine) publishAccount(ctx context.Context, st state.Snapshot) {
	view, err := ComputeAccount(st)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Account not computed")
		return
	}

	metrics.RecordAccount(view.Address, strconv.Itoa(view.ParentSubaccount),
		view.Grouped.Equity.InexactFloat64(),
		numbers.Float(view.Grouped.MarginUsage), view.Grouped.MarginUsage != nil)

	if e.pub == nil {
		return
	}
	payload := publisher.BuildAccountPayload(publisher.AccountInput{
		Address:          view.Address,
		ParentSubaccount: view.ParentSubaccount,
		Grouped:          view.Grouped,
		Children:         view.Children,
		Positions:        view.Positions,
		Pending:          view.Pending,
		OpenOrders:       view.OpenOrders,
	})
	if err := e.pub.PublishAccount(ctx, payload); err != nil {
		e.logger.Error().Err(err).Str("address", view.Address).Msg("Failed to publish account")
	}
}

// publishOrderbook reports false only when the publish was throttled
func (e *Engine) publishOrderbook(ctx context.Context, st state.Snapshot, market string) bool {
	book, err := ComputeOrderbook(st, market, 1)
	if err != nil {
		return true
	}

	if book.Uncrossed > 0 {
		metrics.OrderbookUncrossed.WithLabelValues(market).Add(float64(book.Uncrossed))
	}
	metrics.RecordOrderbook(market, len(book.Bids), len(book.Asks),
		numbers.Float(book.SpreadPercent), book.SpreadPercent != nil)

	if e.pub == nil {
		return true
	}
	ok, err := e.pub.PublishOrderbook(ctx, publisher.BuildOrderbookPayload(market, book, e.cfg.Redis.BookDepth))
	if err != nil {
		e.logger.Error().Err(err).Str("market", market).Msg("Failed to publish orderbook")
		return true
	}
	return ok
}
