package risk

import (
	"sort"

	"perp-sync/internal/indexer"
	"perp-sync/internal/markets"
	"perp-sync/internal/numbers"
	"perp-sync/internal/orders"

	"github.com/shopspring/decimal"
)

// Position is a perpetual position with its margin figures
type Position struct {
	UniqueID         string
	Market           string
	AssetID          string
	DisplayableAsset string
	DisplayID        string
	SubaccountNumber int
	MarginMode       indexer.MarginMode
	Side             indexer.PositionSide
	Status           indexer.PositionStatus
	CreatedAt        string

	EntryPrice  decimal.Decimal
	NetFunding  decimal.Decimal
	RealizedPnl decimal.Decimal

	UnsignedSize    decimal.Decimal
	SignedSize      decimal.Decimal
	Notional        decimal.Decimal
	Value           decimal.Decimal
	EntryValue      decimal.Decimal
	InitialRisk     decimal.Decimal
	MaintenanceRisk decimal.Decimal
	AdjustedIMF     decimal.Decimal
	AdjustedMMF     decimal.Decimal

	// nil when the effective IMF is zero
	MaxLeverage *decimal.Decimal
	// nil unless the subaccount equity is positive
	Leverage *decimal.Decimal

	MarginValueMaintenance decimal.Decimal
	MarginValueInitial     decimal.Decimal

	LiquidationPrice     *decimal.Decimal
	UnrealizedPnl        decimal.Decimal
	UnrealizedPnlPercent *decimal.Decimal
}

type positionCore struct {
	UnsignedSize    decimal.Decimal
	SignedSize      decimal.Decimal
	Notional        decimal.Decimal
	Value           decimal.Decimal
	InitialRisk     decimal.Decimal
	MaintenanceRisk decimal.Decimal
	IMF             decimal.Decimal
	MMF             decimal.Decimal
}

// calculateCore derives size, value and risk. A nil market prices the
// position at zero with zero margin fractions.
func calculateCore(pos indexer.PerpetualPosition, market *indexer.PerpetualMarket) positionCore {
	imf, mmf, oracle := decimal.Zero, decimal.Zero, decimal.Zero
	if market != nil {
		imf = numbers.OrZero(markets.EffectiveInitialMarginFraction(*market))
		mmf = numbers.Must(market.MaintenanceMarginFraction)
		oracle = numbers.Must(market.OraclePrice)
	}

	unsigned := numbers.Must(pos.Size).Abs()
	signed := unsigned
	if pos.Side == indexer.SideShort {
		signed = unsigned.Neg()
	}
	notional := unsigned.Mul(oracle)

	return positionCore{
		UnsignedSize:    unsigned,
		SignedSize:      signed,
		Notional:        notional,
		Value:           signed.Mul(oracle),
		InitialRisk:     notional.Mul(imf),
		MaintenanceRisk: notional.Mul(mmf),
		IMF:             imf,
		MMF:             mmf,
	}
}

// CalculatePosition derives a position's figures within its subaccount
func CalculatePosition(summary Summary, pos indexer.PerpetualPosition, market *indexer.PerpetualMarket) Position {
	core := calculateCore(pos, market)
	assetID, displayable, displayID := assetNames(pos.Market)

	p := Position{
		UniqueID:         indexer.PositionUniqueID(pos.Market, pos.SubaccountNumber),
		Market:           pos.Market,
		AssetID:          assetID,
		DisplayableAsset: displayable,
		DisplayID:        displayID,
		SubaccountNumber: pos.SubaccountNumber,
		MarginMode:       indexer.MarginModeFor(pos.SubaccountNumber),
		Side:             pos.Side,
		Status:           pos.Status,
		CreatedAt:        pos.CreatedAt,
		EntryPrice:       numbers.Must(pos.EntryPrice),
		NetFunding:       numbers.Must(pos.NetFunding),
		RealizedPnl:      numbers.Must(pos.RealizedPnl),
		UnsignedSize:     core.UnsignedSize,
		SignedSize:       core.SignedSize,
		Notional:         core.Notional,
		Value:            core.Value,
		InitialRisk:      core.InitialRisk,
		MaintenanceRisk:  core.MaintenanceRisk,
		AdjustedIMF:      core.IMF,
		AdjustedMMF:      core.MMF,
	}

	if !core.IMF.IsZero() {
		maxLeverage := numbers.One.Div(core.IMF)
		p.MaxLeverage = &maxLeverage
	}
	if summary.Equity.Sign() > 0 {
		leverage := core.Notional.Div(summary.Equity)
		p.Leverage = &leverage
	}

	if p.MarginMode == indexer.MarginIsolated {
		p.MarginValueMaintenance = summary.Equity
		p.MarginValueInitial = summary.Equity
	} else {
		p.MarginValueMaintenance = core.MaintenanceRisk
		p.MarginValueInitial = core.InitialRisk
	}

	p.LiquidationPrice = LiquidationPrice(summary, core.SignedSize, core.Value, core.MaintenanceRisk, core.MMF)

	p.EntryValue = core.SignedSize.Mul(p.EntryPrice)
	p.UnrealizedPnl = core.Value.Sub(p.EntryValue).Add(p.NetFunding)
	if !p.EntryValue.IsZero() {
		scale := numbers.One
		if p.Leverage != nil {
			scale = decimal.Max(p.Leverage.Abs(), numbers.One)
		}
		pct := p.UnrealizedPnl.Div(p.EntryValue.Abs()).Mul(scale)
		p.UnrealizedPnlPercent = &pct
	}
	return p
}

// LiquidationPrice is the oracle price at which the subaccount falls to its
// maintenance requirement, holding every other position fixed. It is nil when
// undefined or negative.
func LiquidationPrice(summary Summary, signedSize, value, maintenanceRisk, mmf decimal.Decimal) *decimal.Decimal {
	otherRisk := summary.MaintenanceRiskTotal.Sub(maintenanceRisk)

	var denominator decimal.Decimal
	if signedSize.Sign() > 0 {
		denominator = signedSize.Sub(signedSize.Mul(mmf))
	} else {
		denominator = signedSize.Add(signedSize.Mul(mmf))
	}
	if denominator.IsZero() {
		return nil
	}

	price := otherRisk.Add(value).Sub(summary.Equity).Div(denominator)
	if price.Sign() < 0 {
		return nil
	}
	return &price
}

// PendingIsolatedPosition groups isolated orders for a market that has no
// open position yet
type PendingIsolatedPosition struct {
	MarketID         string
	AssetID          string
	DisplayableAsset string
	DisplayID        string
	SubaccountNumber int
	Equity           decimal.Decimal
	Orders           []orders.Order
}

// UnopenedIsolatedPositions groups ISOLATED orders by market, skipping markets
// with an open position. Equity comes from the first order's child.
func UnopenedIsolatedPositions(children map[int]Summary, all []orders.Order, positions []Position) []PendingIsolatedPosition {
	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		open[p.Market] = true
	}

	byMarket := make(map[string][]orders.Order)
	var marketOrder []string
	for _, o := range all {
		if o.MarginMode != indexer.MarginIsolated || open[o.MarketID] {
			continue
		}
		if _, ok := byMarket[o.MarketID]; !ok {
			marketOrder = append(marketOrder, o.MarketID)
		}
		byMarket[o.MarketID] = append(byMarket[o.MarketID], o)
	}
	sort.Strings(marketOrder)

	out := make([]PendingIsolatedPosition, 0, len(marketOrder))
	for _, market := range marketOrder {
		list := byMarket[market]
		number := list[0].SubaccountNumber
		assetID, displayable, displayID := assetNames(market)

		equity := decimal.Zero
		if s, ok := children[number]; ok {
			equity = s.Equity
		}
		out = append(out, PendingIsolatedPosition{
			MarketID:         market,
			AssetID:          assetID,
			DisplayableAsset: displayable,
			DisplayID:        displayID,
			SubaccountNumber: number,
			Equity:           equity,
			Orders:           list,
		})
	}
	return out
}
