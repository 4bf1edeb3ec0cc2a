package orderbook

import (
	"perp-sync/internal/indexer"
	"perp-sync/internal/numbers"
)

// RawLevel is the size resting at one price and the offset of its last change
type RawLevel struct {
	Size   string
	Offset int64
}

// RawBook is the unprocessed book keyed by price string
type RawBook struct {
	Asks map[string]RawLevel
	Bids map[string]RawLevel
}

// NewRawBook builds a book from a snapshot; every level gets the given offset
func NewRawBook(snapshot indexer.OrderbookSnapshot, offset int64) *RawBook {
	book := &RawBook{
		Asks: make(map[string]RawLevel, len(snapshot.Asks)),
		Bids: make(map[string]RawLevel, len(snapshot.Bids)),
	}
	for _, l := range snapshot.Asks {
		if numbers.Must(l.Size).Sign() > 0 {
			book.Asks[l.Price] = RawLevel{Size: l.Size, Offset: offset}
		}
	}
	for _, l := range snapshot.Bids {
		if numbers.Must(l.Size).Sign() > 0 {
			book.Bids[l.Price] = RawLevel{Size: l.Size, Offset: offset}
		}
	}
	return book
}

// Apply returns a new book with the update merged in. A zero size removes the
// level. The receiver is returned unchanged when the update is empty.
func (b *RawBook) Apply(update indexer.OrderbookUpdate, offset int64) *RawBook {
	if len(update.Asks) == 0 && len(update.Bids) == 0 {
		return b
	}

	next := &RawBook{Asks: b.Asks, Bids: b.Bids}
	if len(update.Asks) > 0 {
		next.Asks = applySide(b.Asks, update.Asks, offset)
	}
	if len(update.Bids) > 0 {
		next.Bids = applySide(b.Bids, update.Bids, offset)
	}
	return next
}

func applySide(levels map[string]RawLevel, changes [][2]string, offset int64) map[string]RawLevel {
	out := make(map[string]RawLevel, len(levels)+len(changes))
	for price, level := range levels {
		out[price] = level
	}
	for _, change := range changes {
		price, size := change[0], change[1]
		if numbers.Must(size).Sign() <= 0 {
			delete(out, price)
			continue
		}
		out[price] = RawLevel{Size: size, Offset: offset}
	}
	return out
}
