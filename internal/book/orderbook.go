package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketflow/models"
)

// OrderBook is a local L2 ladder. Bids are kept in descending price order,
// asks in ascending order, and a price appears at most once per side.
type OrderBook struct {
	bids         []models.Level
	asks         []models.Level
	lastUpdateID uint64
	exchangeTime time.Time
}

func NewOrderBook() *OrderBook {
	return &OrderBook{}
}

// Reset replaces the ladder with a snapshot. Duplicate prices keep the
// last quantity seen and zero quantities are skipped.
func (b *OrderBook) Reset(bids, asks []models.Level, updateID uint64, exchangeTime time.Time) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, l := range bids {
		b.Set(models.Bid, l)
	}
	for _, l := range asks {
		b.Set(models.Ask, l)
	}
	b.lastUpdateID = updateID
	b.exchangeTime = exchangeTime
}

// Set inserts, updates or removes (zero quantity) a single level.
func (b *OrderBook) Set(side models.Side, level models.Level) {
	levels := b.side(side)
	i := search(levels, side, level.Price)
	found := i < len(levels) && levels[i].Price.Equal(level.Price)

	switch {
	case level.Quantity.IsZero() || level.Quantity.IsNegative():
		if found {
			levels = append(levels[:i], levels[i+1:]...)
		}
	case found:
		levels[i].Quantity = level.Quantity
	default:
		levels = append(levels, models.Level{})
		copy(levels[i+1:], levels[i:])
		levels[i] = level
	}

	if side == models.Bid {
		b.bids = levels
	} else {
		b.asks = levels
	}
}

// search returns the index of price on the side, or where it would be inserted.
func search(levels []models.Level, side models.Side, price decimal.Decimal) int {
	if side == models.Bid {
		return sort.Search(len(levels), func(i int) bool {
			return levels[i].Price.LessThanOrEqual(price)
		})
	}
	return sort.Search(len(levels), func(i int) bool {
		return levels[i].Price.GreaterThanOrEqual(price)
	})
}

func (b *OrderBook) side(side models.Side) []models.Level {
	if side == models.Bid {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) setMeta(updateID uint64, exchangeTime time.Time) {
	b.lastUpdateID = updateID
	if !exchangeTime.IsZero() {
		b.exchangeTime = exchangeTime
	}
}

func (b *OrderBook) LastUpdateID() uint64    { return b.lastUpdateID }
func (b *OrderBook) ExchangeTime() time.Time { return b.exchangeTime }

// Bids returns a copy of the bid ladder, best first.
func (b *OrderBook) Bids() []models.Level { return limitDepth(b.bids, 0) }

// Asks returns a copy of the ask ladder, best first.
func (b *OrderBook) Asks() []models.Level { return limitDepth(b.asks, 0) }

// Depth returns copies of both sides truncated to limit levels (0 = all).
func (b *OrderBook) Depth(limit int) (bids, asks []models.Level) {
	return limitDepth(b.bids, limit), limitDepth(b.asks, limit)
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (models.Level, bool) {
	if len(b.bids) == 0 {
		return models.Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (models.Level, bool) {
	if len(b.asks) == 0 {
		return models.Level{}, false
	}
	return b.asks[0], true
}

func limitDepth(levels []models.Level, limit int) []models.Level {
	n := len(levels)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Level, n)
	copy(out, levels[:n])
	return out
}
