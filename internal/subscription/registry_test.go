package subscription

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/exchange"
	"marketflow/internal/exchange/catalog"
	"marketflow/models"
)

func connector(t *testing.T, id string) exchange.Connector {
	t.Helper()
	c, err := catalog.New(id, catalog.Override{}, exchange.Options{})
	require.NoError(t, err)
	return c
}

func instrumentFor(id, base string) models.Instrument {
	switch id {
	case exchange.BinanceFuturesUSD, exchange.BybitPerpetualsUSD:
		return models.NewInstrument(base, "usdt", models.InstrumentKindFuturePerpetual)
	default:
		return models.NewInstrument(base, "usdt", models.InstrumentKindSpot)
	}
}

func TestBuild(t *testing.T) {
	c := connector(t, exchange.BinanceSpot)
	btc := instrumentFor(exchange.BinanceSpot, "btc")
	eth := instrumentFor(exchange.BinanceSpot, "eth")

	meta, err := Build(c, []models.Subscription{
		models.NewSubscription(btc, models.OrderBookDeltas()),
		models.NewSubscription(btc, models.Trades()),
		models.NewSubscription(eth, models.Klines(models.MustInterval("1m"))),
	})
	require.NoError(t, err)
	assert.Len(t, meta.IDs, 3)
	assert.Equal(t, 1, meta.ExpectedResponses)
	require.Len(t, meta.Subscriptions, 1)

	sub, ok := meta.IDs.Find("btcusdt@depth")
	require.True(t, ok)
	assert.Equal(t, models.OrderBookDeltas(), sub.Kind)

	sub, ok = meta.IDs.Find("ethusdt@kline_1m")
	require.True(t, ok)
	assert.Equal(t, eth, sub.Instrument)
}

func TestBuildEmpty(t *testing.T) {
	for _, id := range catalog.IDs() {
		_, err := Build(connector(t, id), nil)
		assert.ErrorIs(t, err, ErrEmpty, id)
	}
}

func TestBuildDuplicates(t *testing.T) {
	for _, id := range catalog.IDs() {
		t.Run(id, func(t *testing.T) {
			c := connector(t, id)
			btc := instrumentFor(id, "btc")

			_, err := Build(c, []models.Subscription{
				models.NewSubscription(btc, models.OrderBooks()),
				models.NewSubscription(btc, models.OrderBookDeltas()),
			})
			assert.ErrorIs(t, err, models.ErrDuplicateSubscriptionID)

			_, err = Build(c, []models.Subscription{
				models.NewSubscription(btc, models.Trades()),
				models.NewSubscription(btc, models.Trades()),
			})
			assert.ErrorIs(t, err, models.ErrDuplicateSubscriptionID)
		})
	}

	c := connector(t, exchange.BinanceSpot)
	btc := instrumentFor(exchange.BinanceSpot, "btc")
	_, err := Build(c, []models.Subscription{
		models.NewSubscription(btc, models.Candles(models.MustInterval("5m"))),
		models.NewSubscription(btc, models.Klines(models.MustInterval("5m"))),
	})
	assert.ErrorIs(t, err, models.ErrDuplicateSubscriptionID)
}

func TestBuildUnsupported(t *testing.T) {
	for _, id := range []string{exchange.BybitSpot, exchange.BybitPerpetualsUSD, exchange.KuCoinSpot, exchange.OKX} {
		c := connector(t, id)
		btc := instrumentFor(id, "btc")
		for _, kind := range []models.StreamKind{
			models.Candles(models.MustInterval("1m")),
			models.Klines(models.MustInterval("1m")),
		} {
			_, err := Build(c, []models.Subscription{
				models.NewSubscription(btc, models.Trades()),
				models.NewSubscription(btc, kind),
			})
			assert.ErrorIs(t, err, models.ErrUnsupportedStreamKind, "%s %s", id, kind)
		}
	}
}

func TestBuildExpectedResponses(t *testing.T) {
	tests := []struct {
		exchange string
		count    int
		messages int
		acks     int
	}{
		{exchange.BinanceSpot, 201, 2, 2},
		{exchange.BinanceFuturesUSD, 200, 1, 1},
		{exchange.BybitSpot, 25, 3, 3},
		{exchange.BybitPerpetualsUSD, 10, 1, 1},
		{exchange.KuCoinSpot, 4, 4, 4},
		{exchange.OKX, 7, 1, 7},
	}

	for _, tt := range tests {
		t.Run(tt.exchange, func(t *testing.T) {
			subs := make([]models.Subscription, 0, tt.count)
			for i := 0; i < tt.count; i++ {
				inst := instrumentFor(tt.exchange, fmt.Sprintf("c%d", i))
				subs = append(subs, models.NewSubscription(inst, models.Trades()))
			}

			meta, err := Build(connector(t, tt.exchange), subs)
			require.NoError(t, err)
			assert.Len(t, meta.IDs, tt.count)
			assert.Len(t, meta.Subscriptions, tt.messages)
			assert.Equal(t, tt.acks, meta.ExpectedResponses)
		})
	}
}
