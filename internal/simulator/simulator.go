// Package simulator walks an orderbook to estimate the fill of a market
// order against the account's margin.
package simulator

import (
	"perp-sync/internal/indexer"
	"perp-sync/internal/numbers"
	"perp-sync/internal/orderbook"
	"perp-sync/internal/risk"

	"github.com/shopspring/decimal"
)

// TargetKind selects what the walk fills up to
type TargetKind int

const (
	// TargetSize fills a fixed base size
	TargetSize TargetKind = iota
	// TargetUSDC fills a fixed quote notional including fees
	TargetUSDC
	// TargetLeverage fills until the position reaches a signed leverage
	TargetLeverage
	// TargetMaximum fills as much as free collateral allows
	TargetMaximum
)

// Target is the size goal of a simulation
type Target struct {
	Kind  TargetKind
	Value decimal.Decimal
}

// Input holds everything a simulation reads
type Input struct {
	Side indexer.OrderSide
	// Rows is the opposite side of the book, best price first
	Rows []orderbook.Line

	Target     Target
	ReduceOnly bool

	FeeRate        decimal.Decimal
	OraclePrice    decimal.Decimal
	Equity         decimal.Decimal
	FreeCollateral decimal.Decimal
	StepSize       decimal.Decimal
	EffectiveIMF   decimal.Decimal

	// Position is the existing position in the market, if any
	Position *risk.Position
}

// Row is the part of one book level the order consumes
type Row struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Result is the simulated fill
type Result struct {
	Rows   []Row
	Filled bool

	Size      decimal.Decimal
	UsdcSize  decimal.Decimal
	TotalFees decimal.Decimal

	// nil when nothing fills
	AveragePrice *decimal.Decimal
	WorstPrice   *decimal.Decimal
	// signed position leverage after the fill; nil when equity is not positive
	Leverage *decimal.Decimal
}

// RowsForSide returns the levels a market order on side would consume
func RowsForSide(book *orderbook.Book, side indexer.OrderSide) []orderbook.Line {
	if book == nil {
		return nil
	}
	if side == indexer.OrderBuy {
		return book.Asks
	}
	return book.Bids
}

// Simulate walks the rows best price first. It stops at the first row where
// the rounded size to take is zero, setting Filled.
func Simulate(in Input) Result {
	mult := numbers.One
	if in.Side == indexer.OrderSell {
		mult = numbers.One.Neg()
	}

	if len(in.Rows) == 0 {
		return emptyResult(in.Position)
	}

	var (
		totalSize        = decimal.Zero
		totalCostNoFees  = decimal.Zero
		totalCost        = decimal.Zero
		positionValue    = decimal.Zero
		equity           = in.Equity
		startValue       = decimal.Zero
		initialRiskOther = in.Equity.Sub(in.FreeCollateral)
		rows             []Row
		filled           bool
	)
	if in.Position != nil {
		positionValue = in.Position.Value
		startValue = in.Position.Value
		initialRiskOther = initialRiskOther.Sub(in.Position.InitialRisk)
	}

	for _, line := range in.Rows {
		price, rowSize := line.Price, line.Size
		impact := in.OraclePrice.Mul(mult).Sub(price.Mul(in.FeeRate)).Sub(price.Mul(mult))

		var take decimal.Decimal
		switch in.Target.Kind {
		case TargetSize:
			take = in.Target.Value.Sub(totalSize)

		case TargetUSDC:
			unitCost := price.Mul(numbers.One.Add(in.FeeRate))
			if unitCost.Sign() > 0 {
				take = in.Target.Value.Sub(totalCost).Div(unitCost)
			}

		case TargetLeverage:
			take = leverageTake(in.Target.Value, equity, positionValue, impact, mult, in.OraclePrice, rowSize)

		case TargetMaximum:
			increasing := (positionValue.Sign() <= 0 && in.Side == indexer.OrderSell) ||
				(positionValue.Sign() >= 0 && in.Side == indexer.OrderBuy)

			switch {
			case increasing:
				free := equity.Sub(initialRiskOther).Sub(in.EffectiveIMF.Mul(positionValue.Abs()))
				take = maxIncrease(free, impact, in.EffectiveIMF, in.OraclePrice, rowSize)

			case in.Position != nil:
				remaining := in.Position.UnsignedSize.Sub(totalSize)
				take = remaining
				if rowSize.GreaterThan(remaining) && !in.ReduceOnly {
					// the rest of the row reopens on the other side
					newEquity := equity.Add(remaining.Mul(impact))
					free := newEquity.Sub(initialRiskOther)
					take = take.Add(maxIncrease(free, impact, in.EffectiveIMF, in.OraclePrice, rowSize))
				}
			}
		}

		take = numbers.FloorToStep(clamp(take, decimal.Zero, rowSize), in.StepSize)
		if take.Sign() <= 0 {
			filled = true
			break
		}

		cost := take.Mul(price)
		fee := cost.Mul(in.FeeRate)
		totalSize = totalSize.Add(take)
		totalCostNoFees = totalCostNoFees.Add(cost)
		totalCost = totalCost.Add(cost).Add(fee)
		positionValue = positionValue.Add(take.Mul(mult).Mul(in.OraclePrice))
		equity = equity.
			Add(take.Mul(mult).Mul(in.OraclePrice)).
			Sub(take.Mul(mult).Mul(price)).
			Sub(fee)
		rows = append(rows, Row{Price: price, Size: take})
	}

	res := Result{
		Rows:      rows,
		Filled:    filled,
		Size:      numbers.FloorToStep(totalSize, in.StepSize),
		UsdcSize:  totalCostNoFees,
		TotalFees: totalCost.Sub(totalCostNoFees),
	}
	if totalSize.Sign() > 0 {
		avg := totalCostNoFees.Div(totalSize)
		res.AveragePrice = &avg
	}
	if len(rows) > 0 {
		worst := rows[len(rows)-1].Price
		res.WorstPrice = &worst
	}
	if equity.Sign() > 0 {
		leverage := startValue.Add(totalSize.Mul(in.OraclePrice).Mul(mult)).Div(equity)
		res.Leverage = &leverage
	}
	return res
}

// maxIncrease is the size whose initial margin the free collateral covers.
// A non-positive per-unit cost makes the whole row takeable.
func maxIncrease(free, impact, imf, oracle, rowSize decimal.Decimal) decimal.Decimal {
	numerator := decimal.Max(free, decimal.Zero)
	denominator := decimal.Max(impact.Sub(imf.Mul(oracle)).Neg(), decimal.Zero)
	if denominator.IsZero() {
		return rowSize
	}
	return numerator.Div(denominator)
}

// leverageTake is the size that moves the position value to
// target*equity. Moving away from the target takes nothing.
func leverageTake(target, equity, positionValue, impact, mult, oracle, rowSize decimal.Decimal) decimal.Decimal {
	numerator := target.Mul(equity).Sub(positionValue)
	if numerator.Mul(mult).Sign() < 0 {
		numerator = decimal.Zero
	}

	denominator := target.Mul(impact).Sub(mult.Mul(oracle)).Neg()
	if denominator.Mul(mult).Sign() < 0 {
		// leverage falls as size grows; take the whole row
		if numerator.IsZero() {
			return decimal.Zero
		}
		return rowSize
	}
	if denominator.IsZero() {
		return decimal.Zero
	}
	return numerator.Div(denominator)
}

func emptyResult(pos *risk.Position) Result {
	leverage := decimal.Zero
	if pos != nil && pos.Leverage != nil && !pos.Value.IsZero() {
		leverage = *pos.Leverage
		if pos.Value.Sign() < 0 {
			leverage = leverage.Neg()
		}
	}
	return Result{
		Rows:      []Row{},
		Size:      decimal.Zero,
		UsdcSize:  decimal.Zero,
		TotalFees: decimal.Zero,
		Leverage:  &leverage,
	}
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.Max(v, lo), hi)
}

// Slippage is the worst fill's relative distance from the mid price
func Slippage(worst, mid decimal.Decimal) decimal.Decimal {
	if mid.Sign() <= 0 {
		return decimal.Zero
	}
	return worst.Sub(mid).Abs().Div(mid)
}

// OrderTotal is the signed cash flow of a fill: sells receive, buys pay,
// fees always cost
func OrderTotal(usdcSize, fees decimal.Decimal, side indexer.OrderSide) decimal.Decimal {
	if side == indexer.OrderSell {
		return usdcSize.Sub(fees)
	}
	return usdcSize.Neg().Sub(fees)
}
