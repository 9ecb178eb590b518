package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalRoundTrip(t *testing.T) {
	for _, token := range []string{"1m", "1h", "1d", "1w", "1M", "15m", "weird token", " ", "\t"} {
		i, err := NewInterval(token)
		require.NoError(t, err)
		assert.Equal(t, token, i.String())
	}

	_, err := NewInterval("")
	assert.Error(t, err)
}

func TestStreamKindStringAndParse(t *testing.T) {
	kinds := map[string]StreamKind{
		"trades":            Trades(),
		"candles_1m":        Candles(MustInterval("1m")),
		"klines_1M":         Klines(MustInterval("1M")),
		"order_book_deltas": OrderBookDeltas(),
		"order_books":       OrderBooks(),
	}
	for s, kind := range kinds {
		assert.Equal(t, s, kind.String())
		parsed, err := ParseStreamKind(s)
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	for _, bad := range []string{"", "depth", "candles_", "klines_ "} {
		_, err := ParseStreamKind(bad)
		assert.Error(t, err, "kind %q", bad)
	}

	assert.True(t, OrderBooks().IsBook())
	assert.True(t, OrderBookDeltas().IsBook())
	assert.False(t, Trades().IsBook())
}

func TestStreamKindText(t *testing.T) {
	var k StreamKind
	require.NoError(t, k.UnmarshalText([]byte("candles_1h")))
	assert.Equal(t, Candles(MustInterval("1h")), k)

	text, err := k.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "candles_1h", string(text))
}

func TestInstrument(t *testing.T) {
	i := NewInstrument(" BTC ", "Usdt", InstrumentKindSpot)
	assert.Equal(t, Instrument{Base: "btc", Quote: "usdt", Kind: InstrumentKindSpot}, i)
	assert.Equal(t, "btc_usdt", i.String())
	require.NoError(t, i.Validate())

	perp := NewInstrument("eth", "usdt", InstrumentKindFuturePerpetual)
	assert.Equal(t, "eth_usdt_perpetual", perp.String())

	assert.Error(t, Instrument{Base: "btc", Kind: InstrumentKindSpot}.Validate())
	assert.Error(t, Instrument{Base: "btc", Quote: "usdt", Kind: "option"}.Validate())

	kind, err := ParseInstrumentKind("SWAP")
	require.NoError(t, err)
	assert.Equal(t, InstrumentKindFuturePerpetual, kind)
	_, err = ParseInstrumentKind("option")
	assert.Error(t, err)
}

func TestSubscriptionOrdering(t *testing.T) {
	btc := NewInstrument("btc", "usdt", InstrumentKindSpot)
	eth := NewInstrument("eth", "usdt", InstrumentKindSpot)

	subs := []Subscription{
		NewSubscription(eth, Trades()),
		NewSubscription(btc, OrderBooks()),
		NewSubscription(btc, Trades()),
	}
	SortSubscriptions(subs)

	assert.Equal(t, NewSubscription(btc, Trades()), subs[0])
	assert.Equal(t, NewSubscription(btc, OrderBooks()), subs[1])
	assert.Equal(t, NewSubscription(eth, Trades()), subs[2])
	assert.Equal(t, "order_book_deltasbtc_usdt", NewSubscription(btc, OrderBookDeltas()).String())
}

func TestStreamMetaSequence(t *testing.T) {
	meta := NewStreamMeta(NewSubscription(NewInstrument("btc", "usdt", ""), Trades()))
	for want := uint64(0); want < 5; want++ {
		assert.Equal(t, want, meta.Next())
	}
	assert.Equal(t, uint64(5), meta.Sequence)
}

func TestErrorsUnwrap(t *testing.T) {
	var err error = &UnidentifiedMessageError{Exchange: "binance_spot", ID: "zzz@depth"}
	assert.True(t, errors.Is(err, ErrUnidentifiedMessage))

	cause := errors.New("bad digit")
	err = NewMalformedPayload("u", "x", true, cause)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
	assert.True(t, errors.Is(err, cause))

	err = &SequenceGapError{Stream: NewStreamID("okx", "books|BTC-USDT"), LastID: 1, ReceivedID: 5}
	assert.True(t, errors.Is(err, ErrSequenceGap))
	assert.Contains(t, err.Error(), "okx|books|BTC-USDT")
}
