package engine

import (
	"errors"
	"fmt"

	"perp-sync/internal/indexer"
	"perp-sync/internal/markets"
	"perp-sync/internal/numbers"
	"perp-sync/internal/orderbook"
	"perp-sync/internal/orders"
	"perp-sync/internal/risk"
	"perp-sync/internal/simulator"
	"perp-sync/internal/state"

	"github.com/shopspring/decimal"
)

// ErrNotReady is returned when the inputs of a computation have not loaded
var ErrNotReady = errors.New("engine: data not ready")

// AccountView is the derived state of the selected parent subaccount
type AccountView struct {
	Address          string
	ParentSubaccount int

	Grouped   risk.GroupedSummary
	Children  map[int]risk.Summary
	Positions []risk.Position
	Pending   []risk.PendingIsolatedPosition

	Orders           []orders.Order
	OpenOrders       []orders.Order
	HistoricalOrders []orders.Order
}

// ComputeAccount runs the risk and order calculators over a snapshot
func ComputeAccount(s state.Snapshot) (*AccountView, error) {
	parent := s.Account.Data
	if parent == nil {
		return nil, fmt.Errorf("%w: account", ErrNotReady)
	}
	if s.Markets.Data == nil {
		return nil, fmt.Errorf("%w: markets", ErrNotReady)
	}
	if _, ok := parent.Child(parent.ParentSubaccount); !ok {
		return nil, fmt.Errorf("%w: parent subaccount %d has no data", ErrNotReady, parent.ParentSubaccount)
	}

	height := currentHeight(s)
	children := risk.ChildSummaries(parent, s.Markets.Data)
	positions := risk.ParentSubaccountPositions(parent, s.Markets.Data)
	all := orders.AllOrders(parent.Live.Orders, s.AccountOrders.Data, height)

	return &AccountView{
		Address:          parent.Address,
		ParentSubaccount: parent.ParentSubaccount,
		Grouped:          risk.CalculateGroupedSummary(parent, s.Markets.Data),
		Children:         children,
		Positions:        positions,
		Pending:          risk.UnopenedIsolatedPositions(children, all, positions),
		Orders:           all,
		OpenOrders:       orders.OpenOrders(all),
		HistoricalOrders: orders.HistoricalOrders(all),
	}, nil
}

// currentHeight parses the latest height, or zero when unknown
func currentHeight(s state.Snapshot) orders.Height {
	if !s.Height.IsLoaded() {
		return orders.Height{}
	}
	h, err := orders.ParseHeight(s.Height.Data)
	if err != nil {
		return orders.Height{}
	}
	return h
}

// ComputeOrderbook processes a market's raw book. A multiplier above 1 groups
// levels into multiples of the market tick size.
func ComputeOrderbook(s state.Snapshot, market string, multiplier int64) (*orderbook.Book, error) {
	raw := s.Orderbooks[market].Data
	if raw == nil {
		return nil, fmt.Errorf("%w: orderbook %s", ErrNotReady, market)
	}

	book := orderbook.Process(raw)
	if multiplier <= 1 {
		return book, nil
	}

	m, ok := s.Markets.Data[market]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotReady, market)
	}
	info := markets.Calculate(m)
	if info.TickSize.Sign() <= 0 {
		return book, nil
	}
	return orderbook.Group(book, info.TickSize, multiplier), nil
}

// SimulationRequest describes a market order to simulate
type SimulationRequest struct {
	Market     string
	Side       indexer.OrderSide
	Target     simulator.Target
	ReduceOnly bool
	FeeRate    decimal.Decimal
	// SubaccountNumber selects the child to trade from; nil uses the parent
	SubaccountNumber *int
}

// Simulate walks the current book of the requested market against the
// selected subaccount. Without account data the order is simulated against
// zero equity.
func Simulate(s state.Snapshot, req SimulationRequest) (simulator.Result, error) {
	m, ok := s.Markets.Data[req.Market]
	if !ok {
		return simulator.Result{}, fmt.Errorf("%w: market %s", ErrNotReady, req.Market)
	}
	book := orderbook.Process(s.Orderbooks[req.Market].Data)
	info := markets.Calculate(m)

	in := simulator.Input{
		Side:         req.Side,
		Rows:         simulator.RowsForSide(book, req.Side),
		Target:       req.Target,
		ReduceOnly:   req.ReduceOnly,
		FeeRate:      req.FeeRate,
		OraclePrice:  numbers.OrZero(info.OraclePrice),
		StepSize:     info.StepSize,
		EffectiveIMF: numbers.OrZero(info.EffectiveInitialMarginFraction),
	}

	if parent := s.Account.Data; parent != nil {
		number := parent.ParentSubaccount
		if req.SubaccountNumber != nil {
			number = *req.SubaccountNumber
		}
		if child, ok := parent.Child(number); ok {
			summary := risk.CalculateSummary(child, s.Markets.Data)
			in.Equity = summary.Equity
			in.FreeCollateral = summary.FreeCollateral
			if pos, ok := child.OpenPerpetualPositions[req.Market]; ok {
				p := risk.CalculatePosition(summary, pos, &m)
				in.Position = &p
			}
		}
	}

	return simulator.Simulate(in), nil
}
