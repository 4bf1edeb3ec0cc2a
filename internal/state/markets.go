package state

import (
	"perp-sync/internal/channel"
	"perp-sync/internal/indexer"
	"perp-sync/internal/orderbook"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Markets is the raw market set keyed by ticker
type Markets = map[string]indexer.PerpetualMarket

// MarketsBase replaces the market set with the base snapshot
func MarketsBase(contents json.RawMessage, msg *channel.Subscribed, prev Markets) Markets {
	var resp indexer.MarketsResponse
	if err := json.Unmarshal(contents, &resp); err != nil {
		log.Error().Err(err).Str("channel", msg.Channel).Msg("Failed to decode markets snapshot")
		return prev
	}
	if resp.Markets == nil {
		resp.Markets = Markets{}
	}
	return resp.Markets
}

// MarketsUpdate overlays trading updates and oracle prices. Oracle prices
// for unknown tickers are ignored.
func MarketsUpdate(updates []json.RawMessage, meta channel.UpdateMeta, prev Markets) Markets {
	var next Markets
	writable := func() Markets {
		if next == nil {
			next = copyMap(prev)
		}
		return next
	}

	for _, raw := range updates {
		var u indexer.MarketsUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			log.Error().Err(err).Str("channel", meta.Channel).Msg("Failed to decode markets update")
			continue
		}

		for ticker, partial := range u.Trading {
			m := writable()
			market := m[ticker]
			if err := json.Unmarshal(partial, &market); err != nil {
				log.Warn().Err(err).Str("market", ticker).Msg("Failed to overlay market")
				continue
			}
			if market.Ticker == "" {
				market.Ticker = ticker
			}
			m[ticker] = market
		}

		for ticker, price := range u.OraclePrices {
			current := prev
			if next != nil {
				current = next
			}
			market, ok := current[ticker]
			if !ok || market.OraclePrice == price.OraclePrice {
				continue
			}
			market.OraclePrice = price.OraclePrice
			writable()[ticker] = market
		}
	}

	if next == nil {
		return prev
	}
	return next
}

// levelOffset orders level writes by message id, then by position within a
// batch
func levelOffset(messageID int64, index int) int64 {
	return messageID<<16 | int64(index&0xffff)
}

// OrderbookBase builds a raw book from the snapshot; its levels carry the
// snapshot's message id as offset
func OrderbookBase(contents json.RawMessage, msg *channel.Subscribed, prev *orderbook.RawBook) *orderbook.RawBook {
	var snap indexer.OrderbookSnapshot
	if err := json.Unmarshal(contents, &snap); err != nil {
		log.Error().Err(err).Str("market", msg.Key).Msg("Failed to decode orderbook snapshot")
		return prev
	}
	return orderbook.NewRawBook(snap, levelOffset(msg.MessageID, 0))
}

// OrderbookUpdate applies deltas, stamping changed levels with the message id
// and the update's position in the batch
func OrderbookUpdate(updates []json.RawMessage, meta channel.UpdateMeta, prev *orderbook.RawBook) *orderbook.RawBook {
	if prev == nil {
		return prev
	}
	book := prev
	for i, raw := range updates {
		var u indexer.OrderbookUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			log.Error().Err(err).Str("market", meta.Key).Msg("Failed to decode orderbook update")
			continue
		}
		book = book.Apply(u, levelOffset(meta.MessageID, i))
	}
	return book
}
