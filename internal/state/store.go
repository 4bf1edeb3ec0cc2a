package state

import (
	"sync"

	"perp-sync/internal/indexer"
	"perp-sync/internal/orderbook"
)

// Wallet selects the account to sync. An empty address means no account.
type Wallet struct {
	Address          string
	ParentSubaccount int
}

// Snapshot is an immutable view of the raw state. Reducers and setters
// replace the parts they change and never mutate a published snapshot.
type Snapshot struct {
	Wallet Wallet

	Markets Loadable[Markets]
	Height  Loadable[indexer.Height]

	// Account is the stream-fed account including its live overlay
	Account Loadable[*ParentSubaccount]

	// AccountOrders are the REST orders, merged with the live overlay by height
	AccountOrders Loadable[map[string]indexer.Order]

	Orderbooks map[string]Loadable[*orderbook.RawBook]
}

// Store is a minimal reactive store over Snapshot
type Store struct {
	mu    sync.Mutex
	state Snapshot

	listenersMu sync.Mutex
	listeners   map[uint64]func()
	nextID      uint64
}

// NewStore creates a store with everything idle
func NewStore() *Store {
	return &Store{
		state: Snapshot{
			Markets:       Idle[Markets](),
			Height:        Idle[indexer.Height](),
			Account:       Idle[*ParentSubaccount](),
			AccountOrders: Idle[map[string]indexer.Order](),
			Orderbooks:    map[string]Loadable[*orderbook.RawBook]{},
		},
		listeners: make(map[uint64]func()),
	}
}

// GetState returns the current snapshot
func (s *Store) GetState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to run after every update. The returned function
// is safe to call more than once.
func (s *Store) Subscribe(fn func()) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Update replaces the snapshot with fn's result and notifies listeners.
// Listeners run outside the lock and may update the store again.
func (s *Store) Update(fn func(Snapshot) Snapshot) {
	s.mu.Lock()
	s.state = fn(s.state)
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	s.listenersMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// SetWallet selects the account. Changing it resets all account state.
func (s *Store) SetWallet(w Wallet) {
	s.Update(func(st Snapshot) Snapshot {
		if st.Wallet == w {
			return st
		}
		st.Wallet = w
		st.Account = Idle[*ParentSubaccount]()
		st.AccountOrders = Idle[map[string]indexer.Order]()
		return st
	})
}

// ResetAccount returns the account state to idle
func (s *Store) ResetAccount() {
	s.Update(func(st Snapshot) Snapshot {
		st.Account = Idle[*ParentSubaccount]()
		st.AccountOrders = Idle[map[string]indexer.Order]()
		return st
	})
}

// SetMarkets stores the market set
func (s *Store) SetMarkets(l Loadable[Markets]) {
	s.Update(func(st Snapshot) Snapshot {
		st.Markets = l
		return st
	})
}

// SetHeight stores the latest block height
func (s *Store) SetHeight(l Loadable[indexer.Height]) {
	s.Update(func(st Snapshot) Snapshot {
		st.Height = l
		return st
	})
}

// SetAccount stores stream account data
func (s *Store) SetAccount(l Loadable[*ParentSubaccount]) {
	s.Update(func(st Snapshot) Snapshot {
		st.Account = l
		return st
	})
}

// SetAccountOrders stores REST orders
func (s *Store) SetAccountOrders(l Loadable[map[string]indexer.Order]) {
	s.Update(func(st Snapshot) Snapshot {
		st.AccountOrders = l
		return st
	})
}

// SetOrderbook stores one market's raw book
func (s *Store) SetOrderbook(market string, l Loadable[*orderbook.RawBook]) {
	s.Update(func(st Snapshot) Snapshot {
		books := copyMap(st.Orderbooks)
		books[market] = l
		st.Orderbooks = books
		return st
	})
}

// RemoveOrderbook drops a market's book
func (s *Store) RemoveOrderbook(market string) {
	s.Update(func(st Snapshot) Snapshot {
		if _, ok := st.Orderbooks[market]; !ok {
			return st
		}
		books := copyMap(st.Orderbooks)
		delete(books, market)
		st.Orderbooks = books
		return st
	})
}
