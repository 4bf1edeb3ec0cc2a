package indexer

import (
	"strconv"

	"github.com/goccy/go-json"
)

// Channel names served by the indexer stream
const (
	ChannelMarkets           = "v4_markets"
	ChannelOrderbook         = "v4_orderbook"
	ChannelTrades            = "v4_trades"
	ChannelParentSubaccounts = "v4_parent_subaccounts"
	ChannelCandles           = "v4_candles"
	ChannelBlockHeight       = "v4_block_height"
	QuoteAssetSymbol         = "USDC"
	NumParentSubaccounts     = 128
)

// PositionSide is the side of a perpetual or asset position
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// PositionStatus is the lifecycle status of a perpetual position
type PositionStatus string

const (
	PositionOpen       PositionStatus = "OPEN"
	PositionClosed     PositionStatus = "CLOSED"
	PositionLiquidated PositionStatus = "LIQUIDATED"
)

// OrderSide is BUY or SELL
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderStatus is the raw status reported by the indexer
type OrderStatus string

const (
	OrderStatusOpen               OrderStatus = "OPEN"
	OrderStatusFilled             OrderStatus = "FILLED"
	OrderStatusCanceled           OrderStatus = "CANCELED"
	OrderStatusBestEffortCanceled OrderStatus = "BEST_EFFORT_CANCELED"
	OrderStatusUntriggered        OrderStatus = "UNTRIGGERED"
	OrderStatusBestEffortOpened   OrderStatus = "BEST_EFFORT_OPENED"
)

// MarginMode tells whether a subaccount shares the parent's collateral
type MarginMode string

const (
	MarginCross    MarginMode = "CROSS"
	MarginIsolated MarginMode = "ISOLATED"
)

// MarginModeFor returns CROSS for parent subaccount numbers and ISOLATED for
// the children above them
func MarginModeFor(subaccountNumber int) MarginMode {
	if subaccountNumber < NumParentSubaccounts {
		return MarginCross
	}
	return MarginIsolated
}

// ParentSubaccountNumber maps a child number to its parent
func ParentSubaccountNumber(subaccountNumber int) int {
	return subaccountNumber % NumParentSubaccounts
}

// PositionUniqueID identifies a position across child subaccounts
func PositionUniqueID(market string, subaccountNumber int) string {
	return market + "-" + strconv.Itoa(subaccountNumber)
}

// PerpetualMarket is a market as sent by the indexer. Numeric fields are
// decimal strings; an empty string means the field was absent.
type PerpetualMarket struct {
	Ticker                    string `json:"ticker"`
	ClobPairID                string `json:"clobPairId"`
	Status                    string `json:"status,omitempty"`
	OraclePrice               string `json:"oraclePrice,omitempty"`
	PriceChange24H            string `json:"priceChange24H,omitempty"`
	Volume24H                 string `json:"volume24H,omitempty"`
	Trades24H                 int64  `json:"trades24H,omitempty"`
	NextFundingRate           string `json:"nextFundingRate,omitempty"`
	InitialMarginFraction     string `json:"initialMarginFraction,omitempty"`
	MaintenanceMarginFraction string `json:"maintenanceMarginFraction,omitempty"`
	OpenInterest              string `json:"openInterest,omitempty"`
	OpenInterestLowerCap      string `json:"openInterestLowerCap,omitempty"`
	OpenInterestUpperCap      string `json:"openInterestUpperCap,omitempty"`
	StepSize                  string `json:"stepSize,omitempty"`
	TickSize                  string `json:"tickSize,omitempty"`
	MarketType                string `json:"marketType,omitempty"`
}

// PerpetualPosition is an open or historical perpetual position of a child subaccount
type PerpetualPosition struct {
	Market           string         `json:"market"`
	Status           PositionStatus `json:"status"`
	Side             PositionSide   `json:"side"`
	Size             string         `json:"size"`
	MaxSize          string         `json:"maxSize,omitempty"`
	EntryPrice       string         `json:"entryPrice"`
	ExitPrice        string         `json:"exitPrice,omitempty"`
	RealizedPnl      string         `json:"realizedPnl,omitempty"`
	UnrealizedPnl    string         `json:"unrealizedPnl,omitempty"`
	NetFunding       string         `json:"netFunding,omitempty"`
	SumOpen          string         `json:"sumOpen,omitempty"`
	SumClose         string         `json:"sumClose,omitempty"`
	CreatedAt        string         `json:"createdAt,omitempty"`
	CreatedAtHeight  string         `json:"createdAtHeight,omitempty"`
	ClosedAt         string         `json:"closedAt,omitempty"`
	SubaccountNumber int            `json:"subaccountNumber"`
}

// AssetPosition is a collateral balance of a child subaccount
type AssetPosition struct {
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Size             string       `json:"size"`
	AssetID          string       `json:"assetId,omitempty"`
	SubaccountNumber int          `json:"subaccountNumber"`
}

// Order is an order as sent by REST or by the account stream
type Order struct {
	ID               string      `json:"id"`
	SubaccountID     string      `json:"subaccountId,omitempty"`
	ClientID         string      `json:"clientId,omitempty"`
	ClientMetadata   string      `json:"clientMetadata,omitempty"`
	ClobPairID       string      `json:"clobPairId,omitempty"`
	Ticker           string      `json:"ticker,omitempty"`
	Side             OrderSide   `json:"side,omitempty"`
	Size             string      `json:"size,omitempty"`
	TotalFilled      string      `json:"totalFilled,omitempty"`
	Price            string      `json:"price,omitempty"`
	Type             string      `json:"type,omitempty"`
	Status           OrderStatus `json:"status,omitempty"`
	TimeInForce      string      `json:"timeInForce,omitempty"`
	PostOnly         bool        `json:"postOnly,omitempty"`
	ReduceOnly       bool        `json:"reduceOnly,omitempty"`
	OrderFlags       string      `json:"orderFlags,omitempty"`
	GoodTilBlock     string      `json:"goodTilBlock,omitempty"`
	GoodTilBlockTime string      `json:"goodTilBlockTime,omitempty"`
	TriggerPrice     string      `json:"triggerPrice,omitempty"`
	RemovalReason    string      `json:"removalReason,omitempty"`
	CreatedAtHeight  string      `json:"createdAtHeight,omitempty"`
	UpdatedAt        string      `json:"updatedAt,omitempty"`
	UpdatedAtHeight  string      `json:"updatedAtHeight,omitempty"`
	SubaccountNumber int         `json:"subaccountNumber"`
}

// Fill is a trade execution against one of the account's orders
type Fill struct {
	ID               string    `json:"id"`
	Side             OrderSide `json:"side"`
	Liquidity        string    `json:"liquidity,omitempty"`
	Type             string    `json:"type,omitempty"`
	Market           string    `json:"market,omitempty"`
	Ticker           string    `json:"ticker,omitempty"`
	Price            string    `json:"price"`
	Size             string    `json:"size"`
	Fee              string    `json:"fee,omitempty"`
	OrderID          string    `json:"orderId,omitempty"`
	CreatedAt        string    `json:"createdAt,omitempty"`
	CreatedAtHeight  string    `json:"createdAtHeight,omitempty"`
	SubaccountNumber int       `json:"subaccountNumber"`
}

// TradingReward is a reward credited for trading activity
type TradingReward struct {
	TradingReward   string `json:"tradingReward"`
	CreatedAt       string `json:"createdAt,omitempty"`
	CreatedAtHeight string `json:"createdAtHeight,omitempty"`
}

// ChildSubaccount is one numbered subaccount as returned by REST or the stream snapshot
type ChildSubaccount struct {
	Address                string                       `json:"address"`
	SubaccountNumber       int                          `json:"subaccountNumber"`
	Equity                 string                       `json:"equity,omitempty"`
	FreeCollateral         string                       `json:"freeCollateral,omitempty"`
	MarginEnabled          bool                         `json:"marginEnabled,omitempty"`
	OpenPerpetualPositions map[string]PerpetualPosition `json:"openPerpetualPositions"`
	AssetPositions         map[string]AssetPosition     `json:"assetPositions"`
}

// ParentSubaccount groups every child subaccount of a parent number
type ParentSubaccount struct {
	Address                string            `json:"address"`
	ParentSubaccountNumber int               `json:"parentSubaccountNumber"`
	Equity                 string            `json:"equity,omitempty"`
	FreeCollateral         string            `json:"freeCollateral,omitempty"`
	ChildSubaccounts       []ChildSubaccount `json:"childSubaccounts"`
}

// ParentSubaccountResponse is the REST response and the stream's base message for an account
type ParentSubaccountResponse struct {
	Subaccount ParentSubaccount `json:"subaccount"`
	Orders     []Order          `json:"orders,omitempty"`
}

// SubaccountUpdate is one entry of an account stream update batch. Position
// and order entries are partial; present fields overlay the existing entry.
type SubaccountUpdate struct {
	BlockHeight        string            `json:"blockHeight,omitempty"`
	PerpetualPositions []json.RawMessage `json:"perpetualPositions,omitempty"`
	AssetPositions     []json.RawMessage `json:"assetPositions,omitempty"`
	Orders             []json.RawMessage `json:"orders,omitempty"`
	Fills              []Fill            `json:"fills,omitempty"`
	Transfers          json.RawMessage   `json:"transfers,omitempty"`
	TradingReward      *TradingReward    `json:"tradingReward,omitempty"`
}

// MarketsResponse is the REST response and the stream's base message for markets
type MarketsResponse struct {
	Markets map[string]PerpetualMarket `json:"markets"`
}

// OraclePrice is a single oracle price update on the markets channel
type OraclePrice struct {
	OraclePrice       string `json:"oraclePrice"`
	EffectiveAt       string `json:"effectiveAt,omitempty"`
	EffectiveAtHeight string `json:"effectiveAtHeight,omitempty"`
	MarketID          int64  `json:"marketId,omitempty"`
}

// MarketsUpdate is one entry of a markets stream update batch. Trading
// entries are partial markets keyed by ticker.
type MarketsUpdate struct {
	Trading      map[string]json.RawMessage `json:"trading,omitempty"`
	OraclePrices map[string]OraclePrice     `json:"oraclePrices,omitempty"`
}

// OrderbookLevel is one price level of a snapshot
type OrderbookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderbookSnapshot is the REST response and the stream's base message for an orderbook
type OrderbookSnapshot struct {
	Bids []OrderbookLevel `json:"bids"`
	Asks []OrderbookLevel `json:"asks"`
}

// OrderbookUpdate is one orderbook delta; each level is a [price, size] pair
// and a size of zero removes the level
type OrderbookUpdate struct {
	Bids [][2]string `json:"bids,omitempty"`
	Asks [][2]string `json:"asks,omitempty"`
}

// Height is the latest block height known to the indexer
type Height struct {
	Height string `json:"height"`
	Time   string `json:"time"`
}
