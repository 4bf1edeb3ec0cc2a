package engine

import (
	"testing"

	"perp-sync/internal/indexer"
	"perp-sync/internal/numbers"
	"perp-sync/internal/orderbook"
	"perp-sync/internal/simulator"
	"perp-sync/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMarkets() state.Markets {
	return state.Markets{
		"ETH-USD": {
			Ticker:                    "ETH-USD",
			ClobPairID:                "1",
			OraclePrice:               "2000",
			InitialMarginFraction:     "0.05",
			MaintenanceMarginFraction: "0.03",
			StepSize:                  "0.001",
			TickSize:                  "0.1",
		},
	}
}

func testAccount() *state.ParentSubaccount {
	return state.FromResponse("dydx1abc", 0, indexer.ParentSubaccountResponse{
		Subaccount: indexer.ParentSubaccount{
			Address: "dydx1abc",
			ChildSubaccounts: []indexer.ChildSubaccount{
				{
					Address:          "dydx1abc",
					SubaccountNumber: 0,
					OpenPerpetualPositions: map[string]indexer.PerpetualPosition{
						"ETH-USD": {Market: "ETH-USD", Status: indexer.PositionOpen, Side: indexer.SideLong, Size: "1", EntryPrice: "1900"},
					},
					AssetPositions: map[string]indexer.AssetPosition{
						"USDC": {Symbol: "USDC", Side: indexer.SideLong, Size: "1000"},
					},
				},
			},
		},
	})
}

func testRawBook() *orderbook.RawBook {
	return &orderbook.RawBook{
		Asks: map[string]orderbook.RawLevel{
			"2001.3": {Size: "1", Offset: 1},
			"2001.7": {Size: "2", Offset: 1},
		},
		Bids: map[string]orderbook.RawLevel{
			"1999.2": {Size: "1", Offset: 1},
			"1998.6": {Size: "3", Offset: 1},
		},
	}
}

func loadedSnapshot() state.Snapshot {
	return state.Snapshot{
		Wallet:        state.Wallet{Address: "dydx1abc"},
		Markets:       state.Loaded(testMarkets()),
		Height:        state.Loaded(indexer.Height{Height: "100", Time: "2024-01-01T00:00:00Z"}),
		Account:       state.Loaded(testAccount()),
		AccountOrders: state.Idle[map[string]indexer.Order](),
		Orderbooks: map[string]state.Loadable[*orderbook.RawBook]{
			"ETH-USD": state.Loaded(testRawBook()),
		},
	}
}

func TestComputeAccount(t *testing.T) {
	view, err := ComputeAccount(loadedSnapshot())
	require.NoError(t, err)

	assert.Equal(t, "dydx1abc", view.Address)
	// 1000 USDC + 1 ETH at 2000
	assert.Equal(t, "3000", view.Grouped.Equity.String())
	require.Contains(t, view.Children, 0)
	require.Len(t, view.Positions, 1)
	assert.Equal(t, "ETH-USD", view.Positions[0].Market)
	assert.Empty(t, view.OpenOrders)
}

func TestComputeAccount_NotReady(t *testing.T) {
	s := loadedSnapshot()
	s.Account = state.Idle[*state.ParentSubaccount]()
	_, err := ComputeAccount(s)
	assert.ErrorIs(t, err, ErrNotReady)

	s = loadedSnapshot()
	s.Markets = state.Idle[state.Markets]()
	_, err = ComputeAccount(s)
	assert.ErrorIs(t, err, ErrNotReady)

	s = loadedSnapshot()
	parent := testAccount()
	delete(parent.Children, 0)
	s.Account = state.Loaded(parent)
	_, err = ComputeAccount(s)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestComputeAccount_MergesRestOrders(t *testing.T) {
	s := loadedSnapshot()
	s.AccountOrders = state.Loaded(map[string]indexer.Order{
		"o1": {ID: "o1", Ticker: "ETH-USD", Status: indexer.OrderStatusOpen, Side: indexer.OrderBuy, Size: "1", Price: "1500"},
	})

	view, err := ComputeAccount(s)
	require.NoError(t, err)
	require.Len(t, view.Orders, 1)
	assert.Len(t, view.OpenOrders, 1)
}

func TestComputeOrderbook(t *testing.T) {
	s := loadedSnapshot()

	book, err := ComputeOrderbook(s, "ETH-USD", 1)
	require.NoError(t, err)
	assert.Len(t, book.Asks, 2)
	assert.Equal(t, "2001.3", book.Asks[0].Price.String())
	assert.Equal(t, "1999.2", book.Bids[0].Price.String())

	// tick 0.1 x 10 groups both asks into one whole-dollar level
	grouped, err := ComputeOrderbook(s, "ETH-USD", 10)
	require.NoError(t, err)
	require.Len(t, grouped.Asks, 1)
	assert.Equal(t, "3", grouped.Asks[0].Size.String())

	_, err = ComputeOrderbook(s, "BTC-USD", 1)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSimulate(t *testing.T) {
	s := loadedSnapshot()
	req := SimulationRequest{
		Market: "ETH-USD",
		Side:   indexer.OrderBuy,
		Target: simulator.Target{Kind: simulator.TargetSize, Value: numbers.Must("1.5")},
	}

	res, err := Simulate(s, req)
	require.NoError(t, err)
	assert.Equal(t, "1.5", res.Size.String())
	require.NotNil(t, res.WorstPrice)
	assert.Equal(t, "2001.7", res.WorstPrice.String())
	require.NotNil(t, res.Leverage)
	assert.True(t, res.Leverage.IsPositive())

	// without an account there is no equity to lever
	s.Account = state.Idle[*state.ParentSubaccount]()
	res, err = Simulate(s, req)
	require.NoError(t, err)
	assert.Equal(t, "1.5", res.Size.String())
	assert.Nil(t, res.Leverage)

	_, err = Simulate(s, SimulationRequest{Market: "BTC-USD"})
	assert.ErrorIs(t, err, ErrNotReady)
}
