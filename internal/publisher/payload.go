package publisher

import (
	"sort"

	"perp-sync/internal/indexer"
	"perp-sync/internal/markets"
	"perp-sync/internal/orderbook"
	"perp-sync/internal/orders"
	"perp-sync/internal/risk"

	"github.com/shopspring/decimal"
)

// Envelope wraps every payload written to Redis
type Envelope struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Timestamp int64  `json:"ts"`
	Data      any    `json:"data"`
}

// SubaccountPayload is one child subaccount summary
type SubaccountPayload struct {
	SubaccountNumber int                `json:"subaccountNumber"`
	MarginMode       indexer.MarginMode `json:"marginMode"`
	Equity           decimal.Decimal    `json:"equity"`
	FreeCollateral   decimal.Decimal    `json:"freeCollateral"`
	Leverage         *decimal.Decimal   `json:"leverage"`
	MarginUsage      *decimal.Decimal   `json:"marginUsage"`
}

// PositionPayload is one open position with its risk figures
type PositionPayload struct {
	ID                   string               `json:"id"`
	Market               string               `json:"market"`
	SubaccountNumber     int                  `json:"subaccountNumber"`
	MarginMode           indexer.MarginMode   `json:"marginMode"`
	Side                 indexer.PositionSide `json:"side"`
	Size                 decimal.Decimal      `json:"size"`
	EntryPrice           decimal.Decimal      `json:"entryPrice"`
	Value                decimal.Decimal      `json:"value"`
	Leverage             *decimal.Decimal     `json:"leverage"`
	MaxLeverage          *decimal.Decimal     `json:"maxLeverage"`
	LiquidationPrice     *decimal.Decimal     `json:"liquidationPrice"`
	UnrealizedPnl        decimal.Decimal      `json:"unrealizedPnl"`
	UnrealizedPnlPercent *decimal.Decimal     `json:"unrealizedPnlPercent"`
	MarginValue          decimal.Decimal      `json:"marginValue"`
}

// PendingPositionPayload is an isolated market with orders but no position
type PendingPositionPayload struct {
	Market           string          `json:"market"`
	SubaccountNumber int             `json:"subaccountNumber"`
	Equity           decimal.Decimal `json:"equity"`
	OrderCount       int             `json:"orderCount"`
}

// OrderPayload is one open order
type OrderPayload struct {
	ID               string            `json:"id"`
	Market           string            `json:"market"`
	SubaccountNumber int               `json:"subaccountNumber"`
	Side             indexer.OrderSide `json:"side"`
	Type             string            `json:"type"`
	Status           orders.Status     `json:"status"`
	Price            decimal.Decimal   `json:"price"`
	Size             decimal.Decimal   `json:"size"`
	RemainingSize    decimal.Decimal   `json:"remainingSize"`
	ReduceOnly       bool              `json:"reduceOnly"`
}

// AccountPayload is the grouped parent subaccount snapshot
type AccountPayload struct {
	Address          string                   `json:"address"`
	ParentSubaccount int                      `json:"parentSubaccount"`
	Equity           decimal.Decimal          `json:"equity"`
	ParentEquity     decimal.Decimal          `json:"parentEquity"`
	FreeCollateral   decimal.Decimal          `json:"freeCollateral"`
	Leverage         *decimal.Decimal         `json:"leverage"`
	MarginUsage      *decimal.Decimal         `json:"marginUsage"`
	Subaccounts      []SubaccountPayload      `json:"subaccounts"`
	Positions        []PositionPayload        `json:"positions"`
	PendingPositions []PendingPositionPayload `json:"pendingPositions"`
	OpenOrders       []OrderPayload           `json:"openOrders"`
}

// AccountInput collects the calculator outputs for one parent subaccount
type AccountInput struct {
	Address          string
	ParentSubaccount int
	Grouped          risk.GroupedSummary
	Children         map[int]risk.Summary
	Positions        []risk.Position
	Pending          []risk.PendingIsolatedPosition
	OpenOrders       []orders.Order
}

// BuildAccountPayload flattens calculator outputs into the published shape.
// Subaccounts are ordered by number.
func BuildAccountPayload(in AccountInput) AccountPayload {
	p := AccountPayload{
		Address:          in.Address,
		ParentSubaccount: in.ParentSubaccount,
		Equity:           in.Grouped.Equity,
		ParentEquity:     in.Grouped.ParentEquity,
		FreeCollateral:   in.Grouped.FreeCollateral,
		Leverage:         in.Grouped.Leverage,
		MarginUsage:      in.Grouped.MarginUsage,
		Subaccounts:      make([]SubaccountPayload, 0, len(in.Children)),
		Positions:        make([]PositionPayload, 0, len(in.Positions)),
		PendingPositions: make([]PendingPositionPayload, 0, len(in.Pending)),
		OpenOrders:       make([]OrderPayload, 0, len(in.OpenOrders)),
	}

	numbers := make([]int, 0, len(in.Children))
	for n := range in.Children {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		s := in.Children[n]
		p.Subaccounts = append(p.Subaccounts, SubaccountPayload{
			SubaccountNumber: n,
			MarginMode:       indexer.MarginModeFor(n),
			Equity:           s.Equity,
			FreeCollateral:   s.FreeCollateral,
			Leverage:         s.Leverage,
			MarginUsage:      s.MarginUsage,
		})
	}

	for _, pos := range in.Positions {
		p.Positions = append(p.Positions, PositionPayload{
			ID:                   pos.UniqueID,
			Market:               pos.Market,
			SubaccountNumber:     pos.SubaccountNumber,
			MarginMode:           pos.MarginMode,
			Side:                 pos.Side,
			Size:                 pos.SignedSize,
			EntryPrice:           pos.EntryPrice,
			Value:                pos.Value,
			Leverage:             pos.Leverage,
			MaxLeverage:          pos.MaxLeverage,
			LiquidationPrice:     pos.LiquidationPrice,
			UnrealizedPnl:        pos.UnrealizedPnl,
			UnrealizedPnlPercent: pos.UnrealizedPnlPercent,
			MarginValue:          pos.MarginValueInitial,
		})
	}

	for _, pending := range in.Pending {
		p.PendingPositions = append(p.PendingPositions, PendingPositionPayload{
			Market:           pending.MarketID,
			SubaccountNumber: pending.SubaccountNumber,
			Equity:           pending.Equity,
			OrderCount:       len(pending.Orders),
		})
	}

	for _, o := range in.OpenOrders {
		p.OpenOrders = append(p.OpenOrders, OrderPayload{
			ID:               o.ID,
			Market:           o.MarketID,
			SubaccountNumber: o.SubaccountNumber,
			Side:             o.Side,
			Type:             o.Type,
			Status:           o.Status,
			Price:            o.Price,
			Size:             o.Size,
			RemainingSize:    o.RemainingSize,
			ReduceOnly:       o.ReduceOnly,
		})
	}
	return p
}

// LevelPayload is one orderbook level
type LevelPayload struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Depth decimal.Decimal `json:"depth"`
}

// OrderbookPayload is a processed book, best levels first
type OrderbookPayload struct {
	Market        string           `json:"market"`
	Asks          []LevelPayload   `json:"asks"`
	Bids          []LevelPayload   `json:"bids"`
	MidPrice      *decimal.Decimal `json:"midPrice"`
	Spread        *decimal.Decimal `json:"spread"`
	SpreadPercent *decimal.Decimal `json:"spreadPercent"`
}

// BuildOrderbookPayload keeps at most depth levels per side; depth <= 0
// keeps every level
func BuildOrderbookPayload(market string, book *orderbook.Book, depth int) OrderbookPayload {
	p := OrderbookPayload{Market: market, Asks: []LevelPayload{}, Bids: []LevelPayload{}}
	if book == nil {
		return p
	}
	p.Asks = levels(book.Asks, depth)
	p.Bids = levels(book.Bids, depth)
	p.MidPrice = book.MidPrice
	p.Spread = book.Spread
	p.SpreadPercent = book.SpreadPercent
	return p
}

func levels(lines []orderbook.Line, depth int) []LevelPayload {
	if depth > 0 && len(lines) > depth {
		lines = lines[:depth]
	}
	out := make([]LevelPayload, 0, len(lines))
	for _, l := range lines {
		out = append(out, LevelPayload{Price: l.Price, Size: l.Size, Depth: l.Depth})
	}
	return out
}

// MarketPayload is one market with derived fields
type MarketPayload struct {
	Ticker                         string           `json:"ticker"`
	Status                         string           `json:"status"`
	OraclePrice                    *decimal.Decimal `json:"oraclePrice"`
	PercentChange24H               *decimal.Decimal `json:"percentChange24H"`
	Volume24H                      decimal.Decimal  `json:"volume24H"`
	OpenInterest                   decimal.Decimal  `json:"openInterest"`
	OpenInterestUSDC               decimal.Decimal  `json:"openInterestUSDC"`
	NextFundingRate                *decimal.Decimal `json:"nextFundingRate"`
	InitialMarginFraction          *decimal.Decimal `json:"initialMarginFraction"`
	EffectiveInitialMarginFraction *decimal.Decimal `json:"effectiveInitialMarginFraction"`
	MaintenanceMarginFraction      *decimal.Decimal `json:"maintenanceMarginFraction"`
	StepSize                       decimal.Decimal  `json:"stepSize"`
	TickSize                       decimal.Decimal  `json:"tickSize"`
}

// BuildMarketsPayload converts derived markets keyed by ticker
func BuildMarketsPayload(infos map[string]markets.Info) map[string]MarketPayload {
	out := make(map[string]MarketPayload, len(infos))
	for ticker, m := range infos {
		out[ticker] = MarketPayload{
			Ticker:                         m.Ticker,
			Status:                         m.Status,
			OraclePrice:                    m.OraclePrice,
			PercentChange24H:               m.PercentChange24H,
			Volume24H:                      m.Volume24H,
			OpenInterest:                   m.OpenInterest,
			OpenInterestUSDC:               m.OpenInterestUSDC,
			NextFundingRate:                m.NextFundingRate,
			InitialMarginFraction:          m.InitialMarginFraction,
			EffectiveInitialMarginFraction: m.EffectiveInitialMarginFraction,
			MaintenanceMarginFraction:      m.MaintenanceMarginFraction,
			StepSize:                       m.StepSize,
			TickSize:                       m.TickSize,
		}
	}
	return out
}
