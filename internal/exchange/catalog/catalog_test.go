package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/exchange"
)

func TestCatalog(t *testing.T) {
	assert.Equal(t, []string{
		exchange.BinanceFuturesUSD,
		exchange.BinanceSpot,
		exchange.BinanceUS,
		exchange.BybitPerpetualsUSD,
		exchange.BybitSpot,
		exchange.KuCoinSpot,
		exchange.OKX,
	}, IDs())

	for _, id := range IDs() {
		c, err := New(id, Override{}, exchange.Options{})
		require.NoError(t, err, id)
		assert.Equal(t, id, c.Server().ID)
	}

	server, ok := DefaultServer(exchange.BinanceUS)
	require.True(t, ok)
	assert.Equal(t, "wss://stream.binance.us:9443/ws", server.WebsocketURL)

	c, err := New(exchange.BinanceSpot, Override{WebsocketURL: "ws://127.0.0.1:9999/ws"}, exchange.Options{})
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9999/ws", c.Server().WebsocketURL)
	assert.Equal(t, "https://api.binance.com", c.Server().RestURL)

	_, err = New("ftx", Override{}, exchange.Options{})
	assert.Error(t, err)
	assert.False(t, Supported("ftx"))
}

func TestCapabilities(t *testing.T) {
	for id, want := range map[string]struct{ fetcher, resub, pinger, resolver bool }{
		exchange.BinanceSpot: {fetcher: true},
		exchange.BybitSpot:   {fetcher: true, pinger: true},
		exchange.KuCoinSpot:  {fetcher: true, pinger: true, resolver: true},
		exchange.OKX:         {resub: true, pinger: true},
	} {
		c, err := New(id, Override{}, exchange.Options{})
		require.NoError(t, err)

		_, fetcher := c.(exchange.SnapshotFetcher)
		_, resub := c.(exchange.Resubscriber)
		_, pinger := c.(exchange.Pinger)
		_, resolver := c.(exchange.EndpointResolver)
		assert.Equal(t, want.fetcher, fetcher, id)
		assert.Equal(t, want.resub, resub, id)
		assert.Equal(t, want.pinger, pinger, id)
		assert.Equal(t, want.resolver, resolver, id)
	}
}
