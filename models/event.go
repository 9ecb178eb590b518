package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketEvent is the normalized envelope delivered downstream. Sequence is
// synthetic: it starts at 0 per stream and grows by exactly one per event.
// Session numbers the websocket session of the owning connection, starting
// at 1; Sequence restarts whenever it changes.
type MarketEvent struct {
	Sequence uint64
	Session  uint64
	Stream   StreamID
	Data     MarketData
}

func NewMarketEvent(sequence uint64, stream StreamID, data MarketData) MarketEvent {
	return MarketEvent{Sequence: sequence, Stream: stream, Data: data}
}

// MarketData is implemented by Trade, Candle, Kline and OrderBook only.
type MarketData interface {
	marketData()
}

// Direction of a trade from the taker's perspective.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Trade is a normalized public trade.
type Trade struct {
	ID           string
	Exchange     string
	Instrument   Instrument
	ReceivedTime time.Time
	ExchangeTime time.Time
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Direction    Direction
}

// Bar holds the OHLCV fields shared by candles and klines.
type Bar struct {
	Exchange     string
	Instrument   Instrument
	Interval     Interval
	ReceivedTime time.Time
	OpenTime     time.Time
	CloseTime    time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       decimal.Decimal
	TradeCount   int64
}

// Candle is a closed bar.
type Candle struct {
	Bar
}

// Kline is a bar update that may still be open.
type Kline struct {
	Bar
	Closed bool
}

// Side of the book a level belongs to.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Level is one price level of a ladder.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// LevelChange is a level touched by one frame; zero quantity means removed.
type LevelChange struct {
	Side Side
	Level
}

// OrderBook is emitted whenever a book frame changed the local ladder.
type OrderBook struct {
	Exchange     string
	Instrument   Instrument
	UpdateID     uint64
	ReceivedTime time.Time
	ExchangeTime time.Time
	Snapshot     bool
	Bids         []Level
	Asks         []Level
	Changes      []LevelChange
}

func (Trade) marketData()     {}
func (Candle) marketData()    {}
func (Kline) marketData()     {}
func (OrderBook) marketData() {}
