package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"
)

var ten = decimal.NewFromInt(10)

// Grouping multipliers offered for display
var GroupingMultipliers = []int64{1, 10, 100, 1000}

// Group buckets a processed book into price groups of tickSize*multiplier.
// Asks round up and bids round down so the two sides never share a group.
// Spread figures are carried over; the mid price is re-rounded to the group.
func Group(book *Book, tickSize decimal.Decimal, multiplier int64) *Book {
	if book == nil {
		return nil
	}
	if multiplier <= 1 || tickSize.Sign() <= 0 {
		return book
	}

	factor := tickSize.Mul(decimal.NewFromInt(multiplier))
	grouped := &Book{
		Asks:          groupSide(book.Asks, factor, roundUp),
		Bids:          groupSide(book.Bids, factor, roundDown),
		Spread:        book.Spread,
		SpreadPercent: book.SpreadPercent,
		Uncrossed:     book.Uncrossed,
	}
	sort.SliceStable(grouped.Asks, func(i, j int) bool { return grouped.Asks[i].Price.LessThan(grouped.Asks[j].Price) })
	sort.SliceStable(grouped.Bids, func(i, j int) bool { return grouped.Bids[i].Price.GreaterThan(grouped.Bids[j].Price) })

	if len(grouped.Asks) > 0 && len(grouped.Bids) > 0 {
		mid := roundMidPrice(grouped.Asks[0].Price, grouped.Bids[0].Price, factor)
		grouped.MidPrice = &mid
	}
	return grouped
}

type roundingMode int

const (
	roundUp roundingMode = iota
	roundDown
	roundHalfUp
)

// roundToFactor rounds value to a multiple of factor
func roundToFactor(value, factor decimal.Decimal, mode roundingMode) decimal.Decimal {
	q := value.Div(factor)
	switch mode {
	case roundUp:
		q = q.RoundUp(0)
	case roundDown:
		q = q.RoundDown(0)
	default:
		q = q.Round(0)
	}
	return q.Mul(factor)
}

func groupSide(lines []Line, factor decimal.Decimal, mode roundingMode) []Line {
	if len(lines) == 0 {
		return nil
	}

	index := make(map[string]int)
	out := make([]Line, 0, len(lines))
	for _, line := range lines {
		price := roundToFactor(line.Price, factor, mode)
		key := price.String()
		if i, ok := index[key]; ok {
			out[i].Size = out[i].Size.Add(line.Size)
			out[i].SizeCost = out[i].SizeCost.Add(line.SizeCost)
			out[i].Depth = line.Depth
			out[i].DepthCost = line.DepthCost
			continue
		}
		grouped := line
		grouped.Price = price
		index[key] = len(out)
		out = append(out, grouped)
	}
	return out
}

// roundMidPrice rounds the mid half-up to the group; if that lands on a best
// level it uses a tenth of the group instead.
func roundMidPrice(lowestAsk, highestBid, factor decimal.Decimal) decimal.Decimal {
	mid := lowestAsk.Add(highestBid).Div(two)
	rounded := roundToFactor(mid, factor, roundHalfUp)
	if rounded.Equal(lowestAsk) || rounded.Equal(highestBid) {
		return roundToFactor(mid, factor.Div(ten), roundHalfUp)
	}
	return rounded
}
