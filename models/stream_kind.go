package models

import (
	"fmt"
	"strings"
)

// Interval is an opaque time bucket token such as "1m", "1h" or "1M".
// It is stored and rendered verbatim.
type Interval struct {
	token string
}

// NewInterval validates that the token is non-empty.
func NewInterval(s string) (Interval, error) {
	if s == "" {
		return Interval{}, fmt.Errorf("interval must not be empty")
	}
	return Interval{token: s}, nil
}

// MustInterval panics on an empty token. Intended for literals.
func MustInterval(s string) Interval {
	i, err := NewInterval(s)
	if err != nil {
		panic(err)
	}
	return i
}

func (i Interval) String() string { return i.token }

// IsZero reports whether the interval was never set.
func (i Interval) IsZero() bool { return i.token == "" }

// StreamType is the closed set of stream categories.
type StreamType uint8

const (
	StreamTrades StreamType = iota + 1
	StreamCandles
	StreamKlines
	StreamOrderBookDeltas
	StreamOrderBooks
)

// StreamKind is what a subscription asks for. Candles and Klines carry an
// Interval; the other types leave it zero.
type StreamKind struct {
	Type     StreamType
	Interval Interval
}

func Trades() StreamKind                   { return StreamKind{Type: StreamTrades} }
func Candles(interval Interval) StreamKind { return StreamKind{Type: StreamCandles, Interval: interval} }
func Klines(interval Interval) StreamKind  { return StreamKind{Type: StreamKlines, Interval: interval} }
func OrderBookDeltas() StreamKind          { return StreamKind{Type: StreamOrderBookDeltas} }
func OrderBooks() StreamKind               { return StreamKind{Type: StreamOrderBooks} }

// IsBook reports whether the kind is served by a book updater.
func (k StreamKind) IsBook() bool {
	return k.Type == StreamOrderBookDeltas || k.Type == StreamOrderBooks
}

// String renders the canonical form used in logs and channel names.
func (k StreamKind) String() string {
	switch k.Type {
	case StreamTrades:
		return "trades"
	case StreamCandles:
		return "candles_" + k.Interval.String()
	case StreamKlines:
		return "klines_" + k.Interval.String()
	case StreamOrderBookDeltas:
		return "order_book_deltas"
	case StreamOrderBooks:
		return "order_books"
	default:
		return fmt.Sprintf("stream_kind(%d)", k.Type)
	}
}

// ParseStreamKind is the inverse of StreamKind.String.
func ParseStreamKind(s string) (StreamKind, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "trades":
		return Trades(), nil
	case "order_book_deltas":
		return OrderBookDeltas(), nil
	case "order_books":
		return OrderBooks(), nil
	}

	for prefix, build := range map[string]func(Interval) StreamKind{
		"candles_": Candles,
		"klines_":  Klines,
	} {
		if strings.HasPrefix(s, prefix) {
			interval, err := NewInterval(strings.TrimPrefix(s, prefix))
			if err != nil {
				return StreamKind{}, fmt.Errorf("stream kind %q: %w", s, err)
			}
			return build(interval), nil
		}
	}
	return StreamKind{}, fmt.Errorf("unknown stream kind %q", s)
}

// MarshalText lets a StreamKind appear in yaml/json as its canonical string.
func (k StreamKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *StreamKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStreamKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
