package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/config"
	"marketflow/internal/channel"
	"marketflow/internal/exchange"
	"marketflow/internal/metrics"
	"marketflow/models"
)

func managerConfig(url string, conns ...config.ConnectionConfig) *config.Config {
	return &config.Config{
		Stream: config.StreamConfig{
			ReconnectDelay:    10 * time.Millisecond,
			MaxReconnectDelay: 20 * time.Millisecond,
			AckTimeout:        time.Second,
			SubscribeRate:     100,
			SubscribeBurst:    10,
			PendingDeltas:     10,
		},
		Snapshot:    config.SnapshotConfig{Limit: 5, Timeout: time.Second},
		Exchanges:   map[string]config.ExchangeConfig{exchange.BinanceSpot: {WebsocketURL: url}},
		Connections: conns,
	}
}

func spotConnection(streams ...string) config.ConnectionConfig {
	conn := config.ConnectionConfig{Exchange: exchange.BinanceSpot}
	for _, s := range streams {
		conn.Subscriptions = append(conn.Subscriptions, config.SubscriptionConfig{
			Base: "btc", Quote: "usdt", Kind: "spot", Stream: s,
		})
	}
	return conn
}

func TestManagerRunsEveryConnection(t *testing.T) {
	srv, count := wsServer(t, func(n int, ws *websocket.Conn) {
		req, ok := readBinanceRequest(t, ws)
		if !ok {
			return
		}
		send(ws, fmt.Sprintf(`{"result":null,"id":%d}`, req.ID))
		send(ws, binanceTrade(n))
		drain(ws)
	})

	cfg := managerConfig(wsURL(srv), spotConnection("trades"), spotConnection("trades"))
	events := channel.NewEvents(16, channel.Block, nil)
	m, err := NewManager(cfg, events, metrics.NewCollector())
	require.NoError(t, err)
	require.Len(t, m.Connections(), 2)
	assert.NotEqual(t, m.Connections()[0].ID(), m.Connections()[1].ID())

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	got := receive(t, events, 2)
	assert.NotEqual(t, got[0].Data.(models.Trade).ID, got[1].Data.(models.Trade).ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(count))

	assert.NoError(t, m.Stop(2*time.Second))
	assert.NoError(t, m.Stop(time.Second))
}

func TestNewManagerFailsFast(t *testing.T) {
	events := channel.NewEvents(1, channel.Block, nil)

	_, err := NewManager(managerConfig("", spotConnection("trades"), spotConnection("trades", "trades")), events, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDuplicateSubscriptionID))
	assert.Contains(t, err.Error(), "connections[1]")

	bad := managerConfig("", spotConnection("trades"))
	bad.Connections[0].Exchange = "deribit"
	_, err = NewManager(bad, events, nil)
	assert.Error(t, err)

	_, err = NewManager(managerConfig("", spotConnection("ticker")), events, nil)
	assert.Error(t, err)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := managerConfig("")
	cfg.Stream.ReadLimit = 1024
	cfg.Stream.PingInterval = 15 * time.Second

	s := SettingsFromConfig(cfg)
	assert.Equal(t, int64(1024), s.ReadLimit)
	assert.Equal(t, 15*time.Second, s.PingInterval)
	assert.Equal(t, time.Second, s.SnapshotTimeout)
	assert.Equal(t, float64(100), s.SubscribeRate)
}
