package state

import (
	"errors"
	"testing"

	"perp-sync/internal/binder"
	"perp-sync/internal/channel"
	"perp-sync/internal/indexer"
	"perp-sync/internal/orderbook"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountID = "dydx1abc/0"

func subscribedAccount(contents string) *channel.Subscribed {
	return &channel.Subscribed{
		MessageID: 1,
		Channel:   indexer.ChannelParentSubaccounts,
		Key:       accountID,
		Contents:  json.RawMessage(contents),
	}
}

func accountMeta(number int) channel.UpdateMeta {
	return channel.UpdateMeta{
		Type:             channel.TypeChannelData,
		MessageID:        2,
		Channel:          indexer.ChannelParentSubaccounts,
		Key:              accountID,
		SubaccountNumber: &number,
	}
}

const accountSnapshot = `{
	"subaccount": {
		"address": "dydx1abc",
		"parentSubaccountNumber": 0,
		"childSubaccounts": [
			{
				"address": "dydx1abc",
				"subaccountNumber": 0,
				"openPerpetualPositions": {
					"ETH-USD": {"market": "ETH-USD", "status": "OPEN", "side": "LONG", "size": "1", "entryPrice": "2000", "subaccountNumber": 0}
				},
				"assetPositions": {
					"USDC": {"symbol": "USDC", "side": "LONG", "size": "1000", "subaccountNumber": 0}
				}
			},
			{
				"address": "dydx1abc",
				"subaccountNumber": 128,
				"openPerpetualPositions": {},
				"assetPositions": {}
			}
		]
	},
	"orders": [{"id": "o1", "status": "OPEN", "size": "1", "subaccountNumber": 0}]
}`

func TestParseAccountKey(t *testing.T) {
	addr, n, err := ParseAccountKey("dydx1abc/128")
	require.NoError(t, err)
	assert.Equal(t, "dydx1abc", addr)
	assert.Equal(t, 128, n)

	for _, bad := range []string{"", "dydx1abc", "/1", "dydx1abc/", "dydx1abc/x"} {
		_, _, err := ParseAccountKey(bad)
		assert.ErrorIs(t, err, ErrInvalidAccountKey, bad)
	}

	assert.Equal(t, channel.Key{Channel: indexer.ChannelParentSubaccounts, ID: "dydx1abc/3"}, AccountKey("dydx1abc", 3))
}

func TestAccountBase(t *testing.T) {
	acct := AccountBase(json.RawMessage(accountSnapshot), subscribedAccount(accountSnapshot), nil)
	require.NotNil(t, acct)

	assert.Equal(t, "dydx1abc", acct.Address)
	assert.Equal(t, 0, acct.ParentSubaccount)
	require.Len(t, acct.Children, 2)
	assert.Equal(t, "1", acct.Children[0].OpenPerpetualPositions["ETH-USD"].Size)
	assert.Equal(t, "1000", acct.Children[0].AssetPositions["USDC"].Size)
	assert.Contains(t, acct.Live.Orders, "o1")
}

func TestAccountBase_EmptySynthesizesParent(t *testing.T) {
	acct := AccountBase(nil, subscribedAccount(""), nil)
	require.NotNil(t, acct)

	child, ok := acct.Child(0)
	require.True(t, ok)
	assert.Empty(t, child.OpenPerpetualPositions)
	assert.Empty(t, child.AssetPositions)
	assert.Empty(t, acct.Live.Orders)
	assert.Equal(t, "dydx1abc", acct.Address)
}

func TestAccountBase_BadPayloadKeepsPrevious(t *testing.T) {
	prev := AccountBase(json.RawMessage(accountSnapshot), subscribedAccount(accountSnapshot), nil)
	got := AccountBase(json.RawMessage(`{"subaccount": 7}`), subscribedAccount(""), prev)
	assert.Same(t, prev, got)
}

func TestAccountUpdate_CopyOnWrite(t *testing.T) {
	prev := AccountBase(json.RawMessage(accountSnapshot), subscribedAccount(accountSnapshot), nil)
	untouched := prev.Children[128]

	update := `{
		"perpetualPositions": [{"market": "ETH-USD", "size": "2", "subaccountNumber": 0}],
		"orders": [{"id": "o1", "status": "FILLED", "totalFilled": "1"}, {"id": "o2", "status": "OPEN", "size": "3"}],
		"fills": [{"id": "f1", "side": "BUY", "price": "2000", "size": "1", "ticker": "ETH-USD"}],
		"tradingReward": {"tradingReward": "0.5"},
		"transfers": {"id": "t1"}
	}`
	next := AccountUpdate([]json.RawMessage{json.RawMessage(update)}, accountMeta(0), prev)

	require.NotSame(t, prev, next)
	assert.Equal(t, "1", prev.Children[0].OpenPerpetualPositions["ETH-USD"].Size)

	pos := next.Children[0].OpenPerpetualPositions["ETH-USD"]
	assert.Equal(t, "2", pos.Size)
	assert.Equal(t, "2000", pos.EntryPrice, "fields absent from the update are kept")
	assert.Equal(t, indexer.SideLong, pos.Side)

	assert.Same(t, untouched, next.Children[128])
	assert.Equal(t, indexer.OrderStatusOpen, prev.Live.Orders["o1"].Status)
	assert.Equal(t, indexer.OrderStatusFilled, next.Live.Orders["o1"].Status)
	assert.Equal(t, "1", next.Live.Orders["o1"].Size)
	assert.Equal(t, "3", next.Live.Orders["o2"].Size)

	require.Len(t, next.Live.Fills, 1)
	assert.Equal(t, "ETH-USD", next.Live.Fills[0].Market)
	require.Len(t, next.Live.TradingRewards, 1)
	require.Len(t, next.Live.Transfers, 1)
	assert.Empty(t, prev.Live.Fills)
}

func TestAccountUpdate_CreatesMissingChild(t *testing.T) {
	prev := AccountBase(json.RawMessage(accountSnapshot), subscribedAccount(accountSnapshot), nil)

	update := `{"assetPositions": [{"symbol": "USDC", "side": "LONG", "size": "50", "subaccountNumber": 256}]}`
	next := AccountUpdate([]json.RawMessage{json.RawMessage(update)}, accountMeta(256), prev)

	child, ok := next.Child(256)
	require.True(t, ok)
	assert.Equal(t, "50", child.AssetPositions["USDC"].Size)
	assert.Equal(t, "dydx1abc", child.Address)
	_, ok = prev.Child(256)
	assert.False(t, ok)
}

func TestAccountUpdate_NoOps(t *testing.T) {
	prev := AccountBase(json.RawMessage(accountSnapshot), subscribedAccount(accountSnapshot), nil)

	assert.Same(t, prev, AccountUpdate(nil, accountMeta(0), prev))
	assert.Same(t, prev, AccountUpdate([]json.RawMessage{json.RawMessage(`{}`)}, accountMeta(0), prev))
	assert.Same(t, prev, AccountUpdate([]json.RawMessage{json.RawMessage(`not json`)}, accountMeta(0), prev))

	meta := accountMeta(0)
	meta.SubaccountNumber = nil
	assert.Same(t, prev, AccountUpdate([]json.RawMessage{json.RawMessage(`{"fills": [{"id": "f"}]}`)}, meta, prev))

	assert.Nil(t, AccountUpdate([]json.RawMessage{json.RawMessage(`{"fills": [{"id": "f"}]}`)}, accountMeta(0), nil))
}

func TestMarketsReducers(t *testing.T) {
	base := MarketsBase(json.RawMessage(`{"markets": {
		"BTC-USD": {"ticker": "BTC-USD", "clobPairId": "0", "oraclePrice": "50000", "initialMarginFraction": "0.05"},
		"ETH-USD": {"ticker": "ETH-USD", "clobPairId": "1", "oraclePrice": "2000"}
	}}`), &channel.Subscribed{Channel: indexer.ChannelMarkets}, nil)
	require.Len(t, base, 2)

	meta := channel.UpdateMeta{Channel: indexer.ChannelMarkets}
	next := MarketsUpdate([]json.RawMessage{
		json.RawMessage(`{"trading": {"BTC-USD": {"openInterest": "12"}}}`),
		json.RawMessage(`{"oraclePrices": {"ETH-USD": {"oraclePrice": "2100"}, "SOL-USD": {"oraclePrice": "1"}}}`),
	}, meta, base)

	assert.Equal(t, "12", next["BTC-USD"].OpenInterest)
	assert.Equal(t, "0.05", next["BTC-USD"].InitialMarginFraction)
	assert.Equal(t, "2100", next["ETH-USD"].OraclePrice)
	assert.NotContains(t, next, "SOL-USD")
	assert.Equal(t, "2000", base["ETH-USD"].OraclePrice)

	same := MarketsUpdate([]json.RawMessage{json.RawMessage(`{"oraclePrices": {"ETH-USD": {"oraclePrice": "2100"}}}`)}, meta, next)
	assert.True(t, channel.SameIdentity(next, same))
}

func TestOrderbookReducers(t *testing.T) {
	base := OrderbookBase(json.RawMessage(`{"asks": [{"price": "101", "size": "1"}], "bids": [{"price": "99", "size": "2"}]}`),
		&channel.Subscribed{MessageID: 7, Channel: indexer.ChannelOrderbook, Key: "ETH-USD"}, nil)
	require.NotNil(t, base)
	assert.Equal(t, orderbook.RawLevel{Size: "1", Offset: 7 << 16}, base.Asks["101"])

	next := OrderbookUpdate([]json.RawMessage{
		json.RawMessage(`{"bids": [["99", "0"], ["100", "3"]]}`),
	}, channel.UpdateMeta{MessageID: 9, Key: "ETH-USD"}, base)

	assert.NotContains(t, next.Bids, "99")
	assert.Equal(t, orderbook.RawLevel{Size: "3", Offset: 9 << 16}, next.Bids["100"])
	assert.Contains(t, base.Bids, "99")

	assert.Nil(t, OrderbookUpdate([]json.RawMessage{json.RawMessage(`{}`)}, channel.UpdateMeta{}, nil))
}

func TestOrderbookUpdate_LaterUpdateInBatchWins(t *testing.T) {
	base := OrderbookBase(json.RawMessage(`{"asks": [{"price": "101", "size": "1"}], "bids": [{"price": "99", "size": "2"}]}`),
		&channel.Subscribed{MessageID: 7, Channel: indexer.ChannelOrderbook, Key: "ETH-USD"}, nil)
	require.NotNil(t, base)

	// a large ask at 100 is crossed by a smaller, newer bid at 100.5
	next := OrderbookUpdate([]json.RawMessage{
		json.RawMessage(`{"asks": [["100", "5"]]}`),
		json.RawMessage(`{"bids": [["100.5", "1"]]}`),
	}, channel.UpdateMeta{MessageID: 9, Key: "ETH-USD"}, base)

	assert.Less(t, next.Asks["100"].Offset, next.Bids["100.5"].Offset)

	book := orderbook.Process(next)
	require.NotEmpty(t, book.Bids)
	assert.Equal(t, "100.5", book.Bids[0].Price.String())
	for _, ask := range book.Asks {
		assert.NotEqual(t, "100", ask.Price.String())
	}
}

func TestLoadable(t *testing.T) {
	l := Idle[int]()
	assert.Equal(t, StatusIdle, l.Status)

	l = Loaded(5)
	assert.True(t, l.IsLoaded())

	l = Pending(l)
	assert.Equal(t, StatusPending, l.Status)
	assert.Equal(t, 5, l.Data)

	boom := errors.New("boom")
	l = Failed(l, boom)
	assert.Equal(t, StatusError, l.Status)
	assert.Equal(t, 5, l.Data)
	assert.ErrorIs(t, l.Err, boom)
}

func TestStore_BindsAndResets(t *testing.T) {
	s := NewStore()
	var _ binder.Store[Snapshot] = s

	var seen []LoadStatus
	unbind := binder.Bind(s, func(st Snapshot) LoadStatus { return st.Account.Status }, nil, func(status LoadStatus) func() {
		seen = append(seen, status)
		return nil
	})
	defer unbind()

	s.SetWallet(Wallet{Address: "dydx1abc"})
	s.SetAccount(Loaded(&ParentSubaccount{Address: "dydx1abc"}))
	s.SetWallet(Wallet{Address: "dydx1abc"})
	s.ResetAccount()

	assert.Equal(t, []LoadStatus{StatusIdle, StatusSuccess, StatusIdle}, seen)
}

func TestStore_SubscribeIsIdempotent(t *testing.T) {
	s := NewStore()
	calls := 0
	unsubscribe := s.Subscribe(func() { calls++ })

	s.SetOrderbook("ETH-USD", Loaded(&orderbook.RawBook{}))
	unsubscribe()
	unsubscribe()
	s.RemoveOrderbook("ETH-USD")

	assert.Equal(t, 1, calls)
	assert.NotContains(t, s.GetState().Orderbooks, "ETH-USD")
}
