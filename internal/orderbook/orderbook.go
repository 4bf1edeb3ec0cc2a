package orderbook

import (
	"sort"

	"perp-sync/internal/numbers"

	"github.com/shopspring/decimal"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Line is one processed price level. Depth and DepthCost accumulate from the
// best price outward.
type Line struct {
	Price     decimal.Decimal
	Size      decimal.Decimal
	SizeCost  decimal.Decimal
	Depth     decimal.Decimal
	DepthCost decimal.Decimal
	Offset    int64
}

// Book is an uncrossed, depth-annotated book. Asks are ascending and bids
// descending, so index 0 is the best level of each side.
type Book struct {
	Asks []Line
	Bids []Line

	// nil unless both sides have levels
	MidPrice      *decimal.Decimal
	Spread        *decimal.Decimal
	SpreadPercent *decimal.Decimal

	// Uncrossed counts the levels dropped while uncrossing
	Uncrossed int
}

// BestAsk returns the lowest ask, if any
func (b *Book) BestAsk() (Line, bool) {
	if len(b.Asks) == 0 {
		return Line{}, false
	}
	return b.Asks[0], true
}

// BestBid returns the highest bid, if any
func (b *Book) BestBid() (Line, bool) {
	if len(b.Bids) == 0 {
		return Line{}, false
	}
	return b.Bids[0], true
}

// Process parses, sorts, uncrosses and annotates a raw book. A nil book gives nil.
func Process(raw *RawBook) *Book {
	if raw == nil {
		return nil
	}

	asks := parseSide(raw.Asks)
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	bids := parseSide(raw.Bids)
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })

	asks, bids, dropped := uncross(asks, bids)
	accumulateDepth(asks)
	accumulateDepth(bids)

	book := &Book{Asks: asks, Bids: bids, Uncrossed: dropped}
	if len(asks) > 0 && len(bids) > 0 {
		lowestAsk, highestBid := asks[0].Price, bids[0].Price
		mid := lowestAsk.Add(highestBid).Div(two)
		spread := lowestAsk.Sub(highestBid)
		pct := spread.Div(mid).Mul(hundred)
		book.MidPrice = &mid
		book.Spread = &spread
		book.SpreadPercent = &pct
	}
	return book
}

func parseSide(levels map[string]RawLevel) []Line {
	lines := make([]Line, 0, len(levels))
	for price, level := range levels {
		p := numbers.Maybe(price)
		if p == nil {
			continue
		}
		size := numbers.Must(level.Size)
		if size.Sign() <= 0 {
			continue
		}
		lines = append(lines, Line{
			Price:    *p,
			Size:     size,
			SizeCost: p.Mul(size),
			Offset:   level.Offset,
		})
	}
	return lines
}

// uncross drops crossed best levels until the book is uncrossed or a side is
// empty. With equal offsets the larger size wins; otherwise the newer offset wins.
func uncross(asks, bids []Line) ([]Line, []Line, int) {
	dropped := 0
	for len(asks) > 0 && len(bids) > 0 && asks[0].Price.LessThanOrEqual(bids[0].Price) {
		ask, bid := asks[0], bids[0]
		switch {
		case ask.Offset == bid.Offset && ask.Size.GreaterThanOrEqual(bid.Size):
			bids = bids[1:]
		case ask.Offset == bid.Offset:
			asks = asks[1:]
		case ask.Offset < bid.Offset:
			asks = asks[1:]
		default:
			bids = bids[1:]
		}
		dropped++
	}
	return asks, bids, dropped
}

func accumulateDepth(lines []Line) {
	depth := decimal.Zero
	depthCost := decimal.Zero
	for i := range lines {
		depth = depth.Add(lines[i].Size)
		depthCost = depthCost.Add(lines[i].SizeCost)
		lines[i].Depth = depth
		lines[i].DepthCost = depthCost
	}
}
