package state

import (
	"bytes"
	"slices"

	"perp-sync/internal/channel"
	"perp-sync/internal/indexer"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// AccountBase replaces the account with the base snapshot. The live overlay
// restarts from the snapshot's orders.
func AccountBase(contents json.RawMessage, msg *channel.Subscribed, prev *ParentSubaccount) *ParentSubaccount {
	address, parent, err := ParseAccountKey(msg.Key)
	if err != nil {
		log.Error().Err(err).Str("channel", msg.Channel).Msg("Account snapshot with bad id")
		return prev
	}

	var resp indexer.ParentSubaccountResponse
	if !isEmptyPayload(contents) {
		if err := json.Unmarshal(contents, &resp); err != nil {
			log.Error().Err(err).Str("id", msg.Key).Msg("Failed to decode account snapshot")
			return prev
		}
	}
	return FromResponse(address, parent, resp)
}

// AccountUpdate folds a batch of account updates into prev. Only the changed
// children, position maps and live lists are copied; a batch that changes
// nothing returns prev.
func AccountUpdate(updates []json.RawMessage, meta channel.UpdateMeta, prev *ParentSubaccount) *ParentSubaccount {
	if prev == nil {
		log.Warn().Str("id", meta.Key).Msg("Account update before snapshot, dropping")
		return prev
	}
	if len(updates) == 0 || meta.SubaccountNumber == nil {
		return prev
	}

	w := &accountWriter{prev: prev, envelopeNumber: *meta.SubaccountNumber}
	for _, raw := range updates {
		var u indexer.SubaccountUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			log.Error().Err(err).Str("id", meta.Key).Msg("Failed to decode account update")
			continue
		}
		w.apply(u)
	}
	if w.next == nil {
		return prev
	}
	return w.next
}

// accountWriter copies prev lazily on the first write to each substructure
type accountWriter struct {
	prev           *ParentSubaccount
	next           *ParentSubaccount
	envelopeNumber int

	children     map[int]bool
	perpCopied   map[int]bool
	assetCopied  map[int]bool
	ordersCopied bool
}

func (w *accountWriter) apply(u indexer.SubaccountUpdate) {
	for _, raw := range u.PerpetualPositions {
		w.overlayPerpetual(raw)
	}
	for _, raw := range u.AssetPositions {
		w.overlayAsset(raw)
	}
	if u.TradingReward != nil {
		live := w.live()
		live.TradingRewards = append(slices.Clip(live.TradingRewards), *u.TradingReward)
	}
	if len(u.Fills) > 0 {
		fills := make([]indexer.Fill, 0, len(u.Fills))
		for _, f := range u.Fills {
			f.SubaccountNumber = w.envelopeNumber
			if f.Market == "" {
				f.Market = f.Ticker
			}
			fills = append(fills, f)
		}
		live := w.live()
		live.Fills = append(slices.Clip(live.Fills), fills...)
	}
	for _, raw := range u.Orders {
		w.overlayOrder(raw)
	}
	if !isEmptyPayload(u.Transfers) {
		live := w.live()
		live.Transfers = append(slices.Clip(live.Transfers), u.Transfers)
	}
}

type entryRef struct {
	Market           string `json:"market"`
	Symbol           string `json:"symbol"`
	ID               string `json:"id"`
	SubaccountNumber *int   `json:"subaccountNumber"`
}

func (w *accountWriter) numberOf(ref entryRef) int {
	if ref.SubaccountNumber != nil {
		return *ref.SubaccountNumber
	}
	return w.envelopeNumber
}

func (w *accountWriter) overlayPerpetual(raw json.RawMessage) {
	var ref entryRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.Market == "" {
		log.Warn().Err(err).Msg("Dropping perpetual position update without market")
		return
	}
	number := w.numberOf(ref)
	child := w.child(number)
	if !w.perpCopied[number] {
		child.OpenPerpetualPositions = copyMap(child.OpenPerpetualPositions)
		w.perpCopied[number] = true
	}

	pos := child.OpenPerpetualPositions[ref.Market]
	if err := json.Unmarshal(raw, &pos); err != nil {
		log.Warn().Err(err).Str("market", ref.Market).Msg("Failed to overlay perpetual position")
		return
	}
	pos.SubaccountNumber = number
	child.OpenPerpetualPositions[ref.Market] = pos
}

func (w *accountWriter) overlayAsset(raw json.RawMessage) {
	var ref entryRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.Symbol == "" {
		log.Warn().Err(err).Msg("Dropping asset position update without symbol")
		return
	}
	number := w.numberOf(ref)
	child := w.child(number)
	if !w.assetCopied[number] {
		child.AssetPositions = copyMap(child.AssetPositions)
		w.assetCopied[number] = true
	}

	asset := child.AssetPositions[ref.Symbol]
	if err := json.Unmarshal(raw, &asset); err != nil {
		log.Warn().Err(err).Str("symbol", ref.Symbol).Msg("Failed to overlay asset position")
		return
	}
	asset.SubaccountNumber = number
	child.AssetPositions[ref.Symbol] = asset
}

func (w *accountWriter) overlayOrder(raw json.RawMessage) {
	var ref entryRef
	if err := json.Unmarshal(raw, &ref); err != nil || ref.ID == "" {
		log.Warn().Err(err).Msg("Dropping order update without id")
		return
	}
	live := w.live()
	if !w.ordersCopied {
		live.Orders = copyMap(live.Orders)
		w.ordersCopied = true
	}

	order := live.Orders[ref.ID]
	if err := json.Unmarshal(raw, &order); err != nil {
		log.Warn().Err(err).Str("order", ref.ID).Msg("Failed to overlay order")
		return
	}
	order.SubaccountNumber = w.envelopeNumber
	live.Orders[ref.ID] = order
}

func (w *accountWriter) account() *ParentSubaccount {
	if w.next == nil {
		next := *w.prev
		next.Children = copyMap(w.prev.Children)
		w.next = &next
		w.children = make(map[int]bool)
		w.perpCopied = make(map[int]bool)
		w.assetCopied = make(map[int]bool)
	}
	return w.next
}

// child returns a writable copy of the child, creating it if missing
func (w *accountWriter) child(number int) *ChildSubaccount {
	acct := w.account()
	if w.children[number] {
		return acct.Children[number]
	}

	var child *ChildSubaccount
	if existing, ok := acct.Children[number]; ok && existing != nil {
		c := *existing
		child = &c
	} else {
		child = NewChildSubaccount(acct.Address, number)
		w.perpCopied[number] = true
		w.assetCopied[number] = true
	}
	acct.Children[number] = child
	w.children[number] = true
	return child
}

func (w *accountWriter) live() *LiveData {
	return &w.account().Live
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func isEmptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
