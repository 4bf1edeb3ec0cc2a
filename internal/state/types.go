// Package state holds the raw account and market state fed by the stream and
// by REST, plus the copy-on-write reducers that maintain it.
package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"perp-sync/internal/channel"
	"perp-sync/internal/indexer"

	"github.com/goccy/go-json"
)

// ErrInvalidAccountKey is returned for a subscription id that is not "<address>/<number>"
var ErrInvalidAccountKey = errors.New("state: invalid account key")

// ChildSubaccount is one numbered subaccount with its open positions keyed by
// market and its asset positions keyed by symbol
type ChildSubaccount struct {
	Address                string
	SubaccountNumber       int
	OpenPerpetualPositions map[string]indexer.PerpetualPosition
	AssetPositions         map[string]indexer.AssetPosition
}

// NewChildSubaccount returns a child with no positions
func NewChildSubaccount(address string, number int) *ChildSubaccount {
	return &ChildSubaccount{
		Address:                address,
		SubaccountNumber:       number,
		OpenPerpetualPositions: map[string]indexer.PerpetualPosition{},
		AssetPositions:         map[string]indexer.AssetPosition{},
	}
}

// LiveData is the stream-only overlay of an account. It is dropped whenever a
// new base snapshot arrives.
type LiveData struct {
	TradingRewards []indexer.TradingReward
	Fills          []indexer.Fill
	Orders         map[string]indexer.Order
	Transfers      []json.RawMessage
}

// ParentSubaccount is every child of one parent subaccount number
type ParentSubaccount struct {
	Address          string
	ParentSubaccount int
	Children         map[int]*ChildSubaccount
	Live             LiveData
}

// Child returns the child with the given number
func (p *ParentSubaccount) Child(number int) (*ChildSubaccount, bool) {
	if p == nil {
		return nil, false
	}
	c, ok := p.Children[number]
	return c, ok && c != nil
}

// FromResponse builds account state from a REST response or a base snapshot.
// The parent child is always present.
func FromResponse(address string, parent int, resp indexer.ParentSubaccountResponse) *ParentSubaccount {
	out := &ParentSubaccount{
		Address:          address,
		ParentSubaccount: parent,
		Children:         make(map[int]*ChildSubaccount, len(resp.Subaccount.ChildSubaccounts)+1),
		Live:             LiveData{Orders: make(map[string]indexer.Order, len(resp.Orders))},
	}
	if resp.Subaccount.Address != "" {
		out.Address = resp.Subaccount.Address
	}

	for _, c := range resp.Subaccount.ChildSubaccounts {
		child := NewChildSubaccount(c.Address, c.SubaccountNumber)
		if child.Address == "" {
			child.Address = out.Address
		}
		for market, p := range c.OpenPerpetualPositions {
			child.OpenPerpetualPositions[market] = p
		}
		for symbol, a := range c.AssetPositions {
			child.AssetPositions[symbol] = a
		}
		out.Children[c.SubaccountNumber] = child
	}
	for _, o := range resp.Orders {
		out.Live.Orders[o.ID] = o
	}

	if _, ok := out.Children[parent]; !ok {
		out.Children[parent] = NewChildSubaccount(out.Address, parent)
	}
	return out
}

// AccountKey is the subscription key of a parent subaccount stream
func AccountKey(address string, parent int) channel.Key {
	return channel.Key{
		Channel: indexer.ChannelParentSubaccounts,
		ID:      address + "/" + strconv.Itoa(parent),
	}
}

// ParseAccountKey splits a parent subaccount subscription id
func ParseAccountKey(id string) (string, int, error) {
	i := strings.LastIndexByte(id, '/')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidAccountKey, id)
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidAccountKey, id, err)
	}
	return id[:i], n, nil
}

// OrderbookKey is the subscription key of a market's orderbook
func OrderbookKey(market string) channel.Key {
	return channel.Key{Channel: indexer.ChannelOrderbook, ID: market}
}

// MarketsKey is the subscription key of the markets stream
func MarketsKey() channel.Key {
	return channel.Key{Channel: indexer.ChannelMarkets}
}
