// Package orders classifies raw indexer orders into display statuses and
// merges the live stream overlay with REST orders.
package orders

import (
	"fmt"
	"strconv"
	"time"

	"perp-sync/internal/indexer"
	"perp-sync/internal/numbers"

	"github.com/shopspring/decimal"
)

// Status is the classified status of an order
type Status string

const (
	StatusCanceled          Status = "CANCELED"
	StatusCanceling         Status = "BEST_EFFORT_CANCELED"
	StatusFilled            Status = "FILLED"
	StatusOpen              Status = "OPEN"
	StatusPending           Status = "PENDING"
	StatusUntriggered       Status = "UNTRIGGERED"
	StatusPartiallyFilled   Status = "PARTIALLY_FILLED"
	StatusPartiallyCanceled Status = "PARTIALLY_CANCELED"

	// StatusUnknown is returned for a missing or unrecognized raw status
	StatusUnknown Status = ""
)

const (
	shortTermOrderFlags = "0"

	// blocks after goodTilBlock before a best-effort cancel is final
	bestEffortCancelGrace = 25

	// client metadata marking an order placed as a market order
	marketOrderMetadata = "1"
)

var userCanceledReasons = map[string]bool{
	"USER_CANCELED":                      true,
	"ORDER_REMOVAL_REASON_USER_CANCELED": true,
}

// Height is a parsed block height
type Height struct {
	Height int64
	Time   time.Time
}

// ParseHeight parses the indexer height payload
func ParseHeight(h indexer.Height) (Height, error) {
	n, err := strconv.ParseInt(h.Height, 10, 64)
	if err != nil {
		return Height{}, fmt.Errorf("parse height %q: %w", h.Height, err)
	}
	out := Height{Height: n}
	if h.Time != "" {
		t, err := time.Parse(time.RFC3339Nano, h.Time)
		if err != nil {
			return Height{}, fmt.Errorf("parse height time %q: %w", h.Time, err)
		}
		out.Time = t
	}
	return out, nil
}

// Classify maps a raw order to its status at the given block height
func Classify(o indexer.Order, height int64) Status {
	if o.Status == "" {
		return StatusUnknown
	}
	if o.Status == indexer.OrderStatusBestEffortOpened {
		return StatusPending
	}

	size := numbers.Must(o.Size)
	filled := numbers.Must(o.TotalFilled)
	if partiallyFilled(size, filled) {
		switch o.Status {
		case indexer.OrderStatusOpen:
			return StatusPartiallyFilled
		case indexer.OrderStatusCanceled:
			return StatusPartiallyCanceled
		}
	}

	if o.Status == indexer.OrderStatusBestEffortCanceled {
		gtb := parseOptionalInt(o.GoodTilBlock)
		if gtb == nil || *gtb+bestEffortCancelGrace < height {
			return StatusCanceled
		}
		if o.OrderFlags == shortTermOrderFlags && !userCanceledReasons[o.RemovalReason] {
			return StatusPending
		}
	}

	switch o.Status {
	case indexer.OrderStatusOpen:
		return StatusOpen
	case indexer.OrderStatusFilled:
		return StatusFilled
	case indexer.OrderStatusCanceled:
		return StatusCanceled
	case indexer.OrderStatusBestEffortCanceled:
		return StatusCanceling
	case indexer.OrderStatusUntriggered:
		return StatusUntriggered
	}
	return StatusUnknown
}

// Simplify folds a status into Open, Canceled or Filled. It panics on a
// status it does not know.
func Simplify(s Status) Status {
	switch s {
	case StatusOpen, StatusPending, StatusPartiallyFilled, StatusUntriggered, StatusCanceling:
		return StatusOpen
	case StatusCanceled, StatusPartiallyCanceled:
		return StatusCanceled
	case StatusFilled:
		return StatusFilled
	}
	panic(fmt.Sprintf("orders: unhandled status %q", string(s)))
}

func partiallyFilled(size, filled decimal.Decimal) bool {
	return filled.Sign() > 0 && filled.LessThan(size)
}

func parseOptionalInt(s string) *int64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
