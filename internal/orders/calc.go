package orders

import (
	"sort"
	"time"

	"perp-sync/internal/indexer"
	"perp-sync/internal/markets"
	"perp-sync/internal/numbers"

	"github.com/shopspring/decimal"
)

// Order is a classified order with parsed numbers
type Order struct {
	ID               string
	ClientID         string
	MarketID         string
	DisplayID        string
	SubaccountNumber int
	PositionUniqueID string
	MarginMode       indexer.MarginMode

	Side        indexer.OrderSide
	Type        string
	TimeInForce string
	OrderFlags  string
	PostOnly    bool
	ReduceOnly  bool

	Price         decimal.Decimal
	TriggerPrice  *decimal.Decimal
	Size          decimal.Decimal
	TotalFilled   decimal.Decimal
	RemainingSize decimal.Decimal

	Status        Status
	RawStatus     indexer.OrderStatus
	RemovalReason string

	GoodTilBlock     *int64
	GoodTilBlockTime *time.Time
	CreatedAtHeight  *int64
	UpdatedAt        *time.Time
	UpdatedAtHeight  *int64
}

var marketOrderTypes = map[string]string{
	"LIMIT":       "MARKET",
	"STOP_LIMIT":  "STOP_MARKET",
	"TAKE_PROFIT": "TAKE_PROFIT_MARKET",
}

// Calculate classifies a raw order at the given height and applies
// block-based expiry.
func Calculate(o indexer.Order, h Height) Order {
	size := numbers.Must(o.Size)
	filled := numbers.Must(o.TotalFilled)

	out := Order{
		ID:               o.ID,
		ClientID:         o.ClientID,
		MarketID:         o.Ticker,
		DisplayID:        displayID(o.Ticker),
		SubaccountNumber: o.SubaccountNumber,
		PositionUniqueID: indexer.PositionUniqueID(o.Ticker, o.SubaccountNumber),
		MarginMode:       indexer.MarginModeFor(o.SubaccountNumber),
		Side:             o.Side,
		Type:             orderType(o.Type, o.ClientMetadata),
		TimeInForce:      o.TimeInForce,
		OrderFlags:       o.OrderFlags,
		PostOnly:         o.PostOnly,
		ReduceOnly:       o.ReduceOnly,
		Price:            numbers.Must(o.Price),
		TriggerPrice:     numbers.Maybe(o.TriggerPrice),
		Size:             size,
		TotalFilled:      filled,
		RemainingSize:    size.Sub(filled),
		Status:           Classify(o, h.Height),
		RawStatus:        o.Status,
		RemovalReason:    o.RemovalReason,
		GoodTilBlock:     parseOptionalInt(o.GoodTilBlock),
		GoodTilBlockTime: parseOptionalTime(o.GoodTilBlockTime),
		CreatedAtHeight:  parseOptionalInt(o.CreatedAtHeight),
		UpdatedAt:        parseOptionalTime(o.UpdatedAt),
		UpdatedAtHeight:  parseOptionalInt(o.UpdatedAtHeight),
	}
	return expire(out, size, filled, h)
}

// expire cancels still-pending orders whose goodTilBlock has passed
func expire(o Order, size, filled decimal.Decimal, h Height) Order {
	switch o.Status {
	case StatusPending, StatusCanceling, StatusPartiallyFilled:
	default:
		return o
	}
	if o.GoodTilBlock == nil || *o.GoodTilBlock == 0 || h.Height < *o.GoodTilBlock {
		return o
	}

	o.Status = StatusCanceled
	if partiallyFilled(size, filled) {
		o.Status = StatusPartiallyCanceled
	}
	height := h.Height
	o.UpdatedAtHeight = &height
	if !h.Time.IsZero() {
		t := h.Time
		o.UpdatedAt = &t
	}
	return o
}

func orderType(raw, clientMetadata string) string {
	if clientMetadata == marketOrderMetadata {
		if mapped, ok := marketOrderTypes[raw]; ok {
			return mapped
		}
	}
	return raw
}

func displayID(ticker string) string {
	if ticker == "" {
		return ""
	}
	return markets.DisplayableTicker(ticker)
}

// MergeOrders merges the live overlay into REST orders. For an id present in
// both, the order with the higher updatedAtHeight (or createdAtHeight) wins;
// ties keep the live order.
func MergeOrders(live, rest map[string]indexer.Order) map[string]indexer.Order {
	out := make(map[string]indexer.Order, len(live)+len(rest))
	for id, o := range rest {
		out[id] = o
	}
	for id, o := range live {
		existing, ok := out[id]
		if !ok || orderHeight(o) >= orderHeight(existing) {
			out[id] = o
		}
	}
	return out
}

func orderHeight(o indexer.Order) int64 {
	if h := parseOptionalInt(o.UpdatedAtHeight); h != nil {
		return *h
	}
	if h := parseOptionalInt(o.CreatedAtHeight); h != nil {
		return *h
	}
	return 0
}

// AllOrders merges, classifies and sorts orders by updatedAtHeight, newest
// first. Orders without a height sort last.
func AllOrders(live, rest map[string]indexer.Order, h Height) []Order {
	merged := MergeOrders(live, rest)

	out := make([]Order, 0, len(merged))
	for _, o := range merged {
		out = append(out, Calculate(o, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].UpdatedAtHeight, out[j].UpdatedAtHeight
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return *a > *b
	})
	return out
}

// OpenOrders keeps orders whose status is unknown or simplifies to Open
func OpenOrders(all []Order) []Order {
	out := make([]Order, 0, len(all))
	for _, o := range all {
		if isOpen(o) {
			out = append(out, o)
		}
	}
	return out
}

// HistoricalOrders keeps every order OpenOrders drops
func HistoricalOrders(all []Order) []Order {
	out := make([]Order, 0, len(all))
	for _, o := range all {
		if !isOpen(o) {
			out = append(out, o)
		}
	}
	return out
}

func isOpen(o Order) bool {
	return o.Status == StatusUnknown || Simplify(o.Status) == StatusOpen
}
