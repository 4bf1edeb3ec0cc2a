// Package risk computes margin, leverage and liquidation figures for child
// and parent subaccounts. All functions are pure; missing inputs give nil
// results rather than errors.
package risk

import (
	"fmt"
	"sort"

	"perp-sync/internal/indexer"
	"perp-sync/internal/markets"
	"perp-sync/internal/numbers"
	"perp-sync/internal/state"

	"github.com/shopspring/decimal"
)

// Summary is the margin state of one child subaccount
type Summary struct {
	SubaccountNumber int

	QuoteBalance         decimal.Decimal
	ValueTotal           decimal.Decimal
	NotionalTotal        decimal.Decimal
	InitialRiskTotal     decimal.Decimal
	MaintenanceRiskTotal decimal.Decimal

	Equity         decimal.Decimal
	FreeCollateral decimal.Decimal

	// nil unless equity is positive
	Leverage    *decimal.Decimal
	MarginUsage *decimal.Decimal
}

// GroupedSummary is the parent-level view. Equity sums every child; the
// other figures come from the parent-number child.
type GroupedSummary struct {
	Equity         decimal.Decimal
	ParentEquity   decimal.Decimal
	FreeCollateral decimal.Decimal
	Leverage       *decimal.Decimal
	MarginUsage    *decimal.Decimal
}

// IsParentSubaccount reports whether a subaccount number shares the parent's
// cross margin
func IsParentSubaccount(number int) bool {
	return indexer.MarginModeFor(number) == indexer.MarginCross
}

// QuoteBalance is the signed USDC balance of a child
func QuoteBalance(child *state.ChildSubaccount) decimal.Decimal {
	usdc, ok := child.AssetPositions[indexer.QuoteAssetSymbol]
	if !ok || usdc.Size == "" {
		return decimal.Zero
	}
	size := numbers.Must(usdc.Size)
	if usdc.Side == indexer.SideLong {
		return size
	}
	return size.Neg()
}

// CalculateSummary totals a child's positions. Positions whose market is
// unknown are skipped.
func CalculateSummary(child *state.ChildSubaccount, mkts state.Markets) Summary {
	s := Summary{
		SubaccountNumber: child.SubaccountNumber,
		QuoteBalance:     QuoteBalance(child),
	}

	for _, pos := range child.OpenPerpetualPositions {
		market, ok := mkts[pos.Market]
		if !ok {
			continue
		}
		core := calculateCore(pos, &market)
		s.ValueTotal = s.ValueTotal.Add(core.Value)
		s.NotionalTotal = s.NotionalTotal.Add(core.Notional)
		s.InitialRiskTotal = s.InitialRiskTotal.Add(core.InitialRisk)
		s.MaintenanceRiskTotal = s.MaintenanceRiskTotal.Add(core.MaintenanceRisk)
	}

	s.Equity = s.ValueTotal.Add(s.QuoteBalance)
	s.FreeCollateral = s.Equity.Sub(s.InitialRiskTotal)
	if s.Equity.Sign() > 0 {
		leverage := s.NotionalTotal.Div(s.Equity)
		usage := numbers.One.Sub(s.FreeCollateral.Div(s.Equity))
		s.Leverage = &leverage
		s.MarginUsage = &usage
	}
	return s
}

// ChildSummaries computes a summary per child, keyed by subaccount number
func ChildSummaries(parent *state.ParentSubaccount, mkts state.Markets) map[int]Summary {
	out := make(map[int]Summary, len(parent.Children))
	for number, child := range parent.Children {
		if child == nil {
			continue
		}
		out[number] = CalculateSummary(child, mkts)
	}
	return out
}

// CalculateGroupedSummary aggregates a parent subaccount. It panics when the
// parent-number child is missing, since every account snapshot synthesizes it.
func CalculateGroupedSummary(parent *state.ParentSubaccount, mkts state.Markets) GroupedSummary {
	summaries := ChildSummaries(parent, mkts)
	own, ok := summaries[parent.ParentSubaccount]
	if !ok {
		panic(fmt.Sprintf("risk: parent subaccount %d missing from account %s", parent.ParentSubaccount, parent.Address))
	}

	equity := decimal.Zero
	for _, s := range summaries {
		equity = equity.Add(s.Equity)
	}
	return GroupedSummary{
		Equity:         equity,
		ParentEquity:   own.Equity,
		FreeCollateral: own.FreeCollateral,
		Leverage:       own.Leverage,
		MarginUsage:    own.MarginUsage,
	}
}

// MarketsNeeded lists the markets referenced by any child's positions
func MarketsNeeded(parent *state.ParentSubaccount) []string {
	seen := make(map[string]bool)
	for _, child := range parent.Children {
		if child == nil {
			continue
		}
		for _, pos := range child.OpenPerpetualPositions {
			seen[pos.Market] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ParentSubaccountPositions returns the OPEN positions of every child.
// Children come in ascending number order, each child's positions newest first.
func ParentSubaccountPositions(parent *state.ParentSubaccount, mkts state.Markets) []Position {
	childNumbers := make([]int, 0, len(parent.Children))
	for n, child := range parent.Children {
		if child != nil {
			childNumbers = append(childNumbers, n)
		}
	}
	sort.Ints(childNumbers)

	var out []Position
	for _, n := range childNumbers {
		child := parent.Children[n]
		summary := CalculateSummary(child, mkts)

		positions := make([]Position, 0, len(child.OpenPerpetualPositions))
		for _, pos := range child.OpenPerpetualPositions {
			if pos.Status != indexer.PositionOpen {
				continue
			}
			var market *indexer.PerpetualMarket
			if m, ok := mkts[pos.Market]; ok {
				market = &m
			}
			positions = append(positions, CalculatePosition(summary, pos, market))
		}
		sort.Slice(positions, func(i, j int) bool {
			if positions[i].CreatedAt != positions[j].CreatedAt {
				return positions[i].CreatedAt > positions[j].CreatedAt
			}
			return positions[i].Market < positions[j].Market
		})
		out = append(out, positions...)
	}
	return out
}

// displayable names for a market id
func assetNames(market string) (assetID, displayable, displayID string) {
	assetID = markets.AssetFromMarketID(market)
	return assetID, markets.DisplayableAsset(market), markets.DisplayableTicker(market)
}
