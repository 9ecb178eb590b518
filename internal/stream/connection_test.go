package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/channel"
	"marketflow/internal/exchange"
	"marketflow/internal/exchange/catalog"
	"marketflow/internal/metrics"
	"marketflow/models"
)

var (
	btcSpot     = models.NewInstrument("btc", "usdt", models.InstrumentKindSpot)
	btcTrades   = models.NewSubscription(btcSpot, models.Trades())
	btcBook     = models.NewSubscription(btcSpot, models.OrderBookDeltas())
	fastSetting = Settings{
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
		AckTimeout:        time.Second,
		SubscribeRate:     100,
		SubscribeBurst:    10,
		ReadLimit:         1 << 20,
		SnapshotTimeout:   time.Second,
	}
)

// wsServer upgrades every request and hands the socket to handle together
// with the 1-based connection count.
func wsServer(t *testing.T, handle func(n int, ws *websocket.Conn)) (*httptest.Server, *int32) {
	t.Helper()
	var (
		upgrader websocket.Upgrader
		count    int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(int(atomic.AddInt32(&count, 1)), ws)
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func send(ws *websocket.Conn, frame string) {
	_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func readBinanceRequest(t *testing.T, ws *websocket.Conn) (binanceRequest, bool) {
	var req binanceRequest
	_, msg, err := ws.ReadMessage()
	if !assert.NoError(t, err) {
		return req, false
	}
	return req, assert.NoError(t, json.Unmarshal(msg, &req))
}

func binanceTrade(id int) string {
	return fmt.Sprintf(`{"e":"trade","E":%d,"s":"BTCUSDT","t":%d,"p":"100.%d","q":"1","T":%d,"m":true}`, id, id, id, id)
}

func newTestConnection(t *testing.T, id string, override catalog.Override, events *channel.Events, collector *metrics.Collector, settings Settings, subs ...models.Subscription) *Connection {
	t.Helper()
	c, err := catalog.New(id, override, exchange.Options{})
	require.NoError(t, err)
	conn, err := NewConnection(c, subs, events, collector, settings)
	require.NoError(t, err)
	return conn
}

func receive(t *testing.T, events *channel.Events, n int) []models.MarketEvent {
	t.Helper()
	out := make([]models.MarketEvent, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev := <-events.C:
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(out), n)
		}
	}
	return out
}

// metricValue sums every series of the named family.
func metricValue(c *metrics.Collector, name string) float64 {
	families, err := c.Registry().Gather()
	if err != nil {
		return -1
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.Counter != nil {
				total += m.GetCounter().GetValue()
			}
			if m.Gauge != nil {
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func TestConnectionStreamsTrades(t *testing.T) {
	srv, _ := wsServer(t, func(_ int, ws *websocket.Conn) {
		req, ok := readBinanceRequest(t, ws)
		if !ok {
			return
		}
		assert.Equal(t, "SUBSCRIBE", req.Method)
		assert.Equal(t, []string{"btcusdt@trade"}, req.Params)

		send(ws, fmt.Sprintf(`{"result":null,"id":%d}`, req.ID))
		for i := 1; i <= 3; i++ {
			send(ws, binanceTrade(i))
		}
		drain(ws)
	})

	events := channel.NewEvents(16, channel.Block, nil)
	collector := metrics.NewCollector()
	conn := newTestConnection(t, exchange.BinanceSpot, catalog.Override{WebsocketURL: wsURL(srv)}, events, collector, fastSetting, btcTrades)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	got := receive(t, events, 3)
	for i, ev := range got {
		assert.Equal(t, uint64(i), ev.Sequence)
		assert.Equal(t, models.StreamID("binance_spot|btcusdt@trade"), ev.Stream)
		assert.Equal(t, uint64(1), ev.Session)
		trade, ok := ev.Data.(models.Trade)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i+1), trade.ID)
		assert.Equal(t, btcSpot, trade.Instrument)
	}

	assert.Eventually(t, func() bool {
		return metricValue(collector, "marketflow_connections_ready") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return metricValue(collector, "marketflow_events_total") == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, metricValue(collector, "marketflow_frames_total"), float64(4))
}

func TestConnectionReconnectsWithFreshSequence(t *testing.T) {
	srv, count := wsServer(t, func(n int, ws *websocket.Conn) {
		req, ok := readBinanceRequest(t, ws)
		if !ok {
			return
		}
		send(ws, fmt.Sprintf(`{"result":null,"id":%d}`, req.ID))
		send(ws, binanceTrade(n))
		if n == 1 {
			return
		}
		drain(ws)
	})

	events := channel.NewEvents(16, channel.Block, nil)
	collector := metrics.NewCollector()
	conn := newTestConnection(t, exchange.BinanceSpot, catalog.Override{WebsocketURL: wsURL(srv)}, events, collector, fastSetting, btcTrades)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	got := receive(t, events, 2)
	assert.Equal(t, "1", got[0].Data.(models.Trade).ID)
	assert.Equal(t, "2", got[1].Data.(models.Trade).ID)
	assert.Equal(t, uint64(0), got[0].Sequence)
	assert.Equal(t, uint64(0), got[1].Sequence, "a new session starts a new transformer")
	assert.Equal(t, uint64(1), got[0].Session)
	assert.Equal(t, uint64(2), got[1].Session)

	assert.GreaterOrEqual(t, atomic.LoadInt32(count), int32(2))
	assert.GreaterOrEqual(t, metricValue(collector, "marketflow_reconnects_total"), float64(1))
}

func TestConnectionRejectedAckEndsSession(t *testing.T) {
	srv, count := wsServer(t, func(n int, ws *websocket.Conn) {
		req, ok := readBinanceRequest(t, ws)
		if !ok {
			return
		}
		if n == 1 {
			send(ws, fmt.Sprintf(`{"error":{"code":2,"msg":"Invalid request"},"id":%d}`, req.ID))
			send(ws, binanceTrade(99))
			drain(ws)
			return
		}
		send(ws, fmt.Sprintf(`{"result":null,"id":%d}`, req.ID))
		send(ws, binanceTrade(n))
		drain(ws)
	})

	events := channel.NewEvents(16, channel.Block, nil)
	conn := newTestConnection(t, exchange.BinanceSpot, catalog.Override{WebsocketURL: wsURL(srv)}, events, nil, fastSetting, btcTrades)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	got := receive(t, events, 1)
	assert.Equal(t, "2", got[0].Data.(models.Trade).ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(count))
}

func TestConnectionAckTimeout(t *testing.T) {
	srv, count := wsServer(t, func(n int, ws *websocket.Conn) {
		req, ok := readBinanceRequest(t, ws)
		if !ok {
			return
		}
		if n > 1 {
			send(ws, fmt.Sprintf(`{"result":null,"id":%d}`, req.ID))
			send(ws, binanceTrade(n))
		}
		drain(ws)
	})

	settings := fastSetting
	settings.AckTimeout = 50 * time.Millisecond
	events := channel.NewEvents(16, channel.Block, nil)
	conn := newTestConnection(t, exchange.BinanceSpot, catalog.Override{WebsocketURL: wsURL(srv)}, events, nil, settings, btcTrades)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	got := receive(t, events, 1)
	assert.Equal(t, "2", got[0].Data.(models.Trade).ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(count))
}

func TestConnectionFetchesSnapshotOnStart(t *testing.T) {
	served := make(chan struct{})
	var once sync.Once
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "5")
		w.Write([]byte(`{"lastUpdateId":10,"bids":[["100","1"]],"asks":[["101","2"]]}`))
		once.Do(func() { close(served) })
	}))
	defer rest.Close()

	srv, _ := wsServer(t, func(_ int, ws *websocket.Conn) {
		req, ok := readBinanceRequest(t, ws)
		if !ok {
			return
		}
		assert.Equal(t, []string{"btcusdt@depth@100ms"}, req.Params)
		send(ws, fmt.Sprintf(`{"result":null,"id":%d}`, req.ID))

		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Error("snapshot was never requested")
			return
		}
		send(ws, `{"e":"depthUpdate","E":2,"s":"BTCUSDT","U":11,"u":12,"b":[["100","3"]],"a":[]}`)
		drain(ws)
	})

	events := channel.NewEvents(16, channel.Block, nil)
	collector := metrics.NewCollector()
	c, err := catalog.New(exchange.BinanceSpot, catalog.Override{WebsocketURL: wsURL(srv), RestURL: rest.URL}, exchange.Options{
		HTTPClient: metrics.NewRateLimitClient(&http.Client{Timeout: time.Second}, exchange.BinanceSpot, collector),
	})
	require.NoError(t, err)
	conn, err := NewConnection(c, []models.Subscription{btcBook}, events, collector, fastSetting)
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	var got []models.MarketEvent
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events.C:
			got = append(got, ev)
			done = ev.Data.(models.OrderBook).UpdateID == 12
		case <-timeout:
			t.Fatalf("book never reached update 12, got %d events", len(got))
		}
	}

	first := got[0].Data.(models.OrderBook)
	assert.True(t, first.Snapshot)
	for i, ev := range got {
		assert.Equal(t, uint64(i), ev.Sequence)
	}

	last := got[len(got)-1].Data.(models.OrderBook)
	require.Len(t, last.Bids, 1)
	assert.Equal(t, "3", last.Bids[0].Quantity.String())
	require.Len(t, last.Asks, 1)

	assert.Equal(t, float64(1), metricValue(collector, "marketflow_snapshots_total"))
	assert.Equal(t, float64(5), metricValue(collector, "marketflow_rest_used_weight"))
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) bool {
	select {
	case <-ch:
		return true
	case <-time.After(5 * time.Second):
		t.Errorf("timed out waiting for %s", what)
		return false
	}
}

func binanceDepth(first, last uint64, ask string) string {
	return fmt.Sprintf(`{"e":"depthUpdate","E":%d,"s":"BTCUSDT","U":%d,"u":%d,"b":[],"a":[["%s","1"]]}`, last, first, last, ask)
}

func TestConnectionResyncsBookAfterGap(t *testing.T) {
	var (
		calls      int32
		firstDone  = make(chan struct{})
		refetching = make(chan struct{})
		release    = make(chan struct{})
		bridged    = make(chan struct{})
	)
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.Write([]byte(`{"lastUpdateId":10,"bids":[["100","1"]],"asks":[["101","2"]]}`))
			close(firstDone)
		case 2:
			close(refetching)
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
			w.Write([]byte(`{"lastUpdateId":23,"bids":[["100","1"]],"asks":[["101","2"]]}`))
		default:
			t.Error("snapshot fetched more than twice")
			http.Error(w, "busy", http.StatusTooManyRequests)
		}
	}))
	defer rest.Close()

	srv, _ := wsServer(t, func(_ int, ws *websocket.Conn) {
		req, ok := readBinanceRequest(t, ws)
		if !ok {
			return
		}
		send(ws, fmt.Sprintf(`{"result":null,"id":%d}`, req.ID))

		if !waitFor(t, firstDone, "first snapshot") {
			return
		}
		send(ws, binanceDepth(11, 12, "112"))
		if !waitFor(t, bridged, "update 12") {
			return
		}
		send(ws, binanceDepth(20, 21, "121"))
		if !waitFor(t, refetching, "resync snapshot") {
			return
		}
		for id := uint64(22); id <= 25; id++ {
			send(ws, binanceDepth(id, id, fmt.Sprint(100+id)))
		}
		send(ws, binanceTrade(1))
		send(ws, binanceDepth(26, 26, "126"))
		drain(ws)
	})

	events := channel.NewEvents(64, channel.Block, nil)
	collector := metrics.NewCollector()
	c, err := catalog.New(exchange.BinanceSpot, catalog.Override{WebsocketURL: wsURL(srv), RestURL: rest.URL}, exchange.Options{})
	require.NoError(t, err)
	conn, err := NewConnection(c, []models.Subscription{btcBook, btcTrades}, events, collector, fastSetting)
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	var last models.OrderBook
	timeout := time.After(5 * time.Second)
	for last.UpdateID != 26 {
		select {
		case ev := <-events.C:
			switch data := ev.Data.(type) {
			case models.Trade:
				// every delta sent during the fetch has been seen by now
				close(release)
			case models.OrderBook:
				last = data
				if data.UpdateID == 12 {
					close(bridged)
				}
			}
		case <-timeout:
			t.Fatalf("book never recovered, last update %d", last.UpdateID)
		}
	}

	prices := make([]string, 0, len(last.Asks))
	for _, l := range last.Asks {
		prices = append(prices, l.Price.String())
	}
	assert.Equal(t, []string{"101", "124", "125", "126"}, prices)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, float64(1), metricValue(collector, "marketflow_sequence_gaps_total"))
}

func TestResyncDelay(t *testing.T) {
	settings := Settings{ReconnectDelay: time.Second, MaxReconnectDelay: 5 * time.Second}
	assert.Equal(t, time.Second, resyncDelay(settings, 1))
	assert.Equal(t, 2*time.Second, resyncDelay(settings, 2))
	assert.Equal(t, 4*time.Second, resyncDelay(settings, 3))
	assert.Equal(t, 5*time.Second, resyncDelay(settings, 4))
	assert.Equal(t, 5*time.Second, resyncDelay(settings, 30))
}

const (
	okxAck      = `{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"},"connId":"a1"}`
	okxUnsubAck = `{"event":"unsubscribe","arg":{"channel":"books","instId":"BTC-USDT"},"connId":"a1"}`
	okxSnapshot = `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"asks":[["101","2","0","1"]],"bids":[["100","1","0","1"]],"ts":"1700000000000","checksum":0,"prevSeqId":-1,"seqId":%d}]}`
	okxGap      = `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"asks":[["102","1","0","1"]],"bids":[],"ts":"1700000000200","checksum":0,"prevSeqId":15,"seqId":16}]}`
)

type okxRequest struct {
	Op   string `json:"op"`
	Args []struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"args"`
}

func TestConnectionResubscribesOnGap(t *testing.T) {
	ops := make(chan string, 4)
	srv, _ := wsServer(t, func(_ int, ws *websocket.Conn) {
		subscribes := 0
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req okxRequest
			if !assert.NoError(t, json.Unmarshal(msg, &req)) {
				return
			}
			ops <- req.Op

			switch req.Op {
			case "subscribe":
				subscribes++
				send(ws, okxAck)
				if subscribes == 1 {
					send(ws, fmt.Sprintf(okxSnapshot, 10))
					send(ws, okxGap)
				} else {
					send(ws, fmt.Sprintf(okxSnapshot, 20))
				}
			case "unsubscribe":
				send(ws, okxUnsubAck)
			}
		}
	})

	events := channel.NewEvents(16, channel.Block, nil)
	collector := metrics.NewCollector()
	conn := newTestConnection(t, exchange.OKX, catalog.Override{WebsocketURL: wsURL(srv)}, events, collector, fastSetting, btcBook)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	got := receive(t, events, 2)
	assert.Equal(t, uint64(10), got[0].Data.(models.OrderBook).UpdateID)
	assert.Equal(t, uint64(20), got[1].Data.(models.OrderBook).UpdateID)
	assert.True(t, got[1].Data.(models.OrderBook).Snapshot)
	assert.Equal(t, uint64(0), got[0].Sequence)
	assert.Equal(t, uint64(1), got[1].Sequence)

	assert.Equal(t, "subscribe", <-ops)
	assert.Equal(t, "unsubscribe", <-ops)
	assert.Equal(t, "subscribe", <-ops)
	assert.Equal(t, float64(1), metricValue(collector, "marketflow_sequence_gaps_total"))
}

func TestConnectionDropsUnidentifiedFrames(t *testing.T) {
	srv, _ := wsServer(t, func(_ int, ws *websocket.Conn) {
		req, ok := readBinanceRequest(t, ws)
		if !ok {
			return
		}
		send(ws, fmt.Sprintf(`{"result":null,"id":%d}`, req.ID))
		send(ws, `{"e":"trade","E":1,"s":"ETHUSDT","t":1,"p":"1","q":"1","T":1,"m":true}`)
		send(ws, `not json`)
		send(ws, binanceTrade(7))
		drain(ws)
	})

	events := channel.NewEvents(16, channel.Block, nil)
	collector := metrics.NewCollector()
	conn := newTestConnection(t, exchange.BinanceSpot, catalog.Override{WebsocketURL: wsURL(srv)}, events, collector, fastSetting, btcTrades)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop()

	got := receive(t, events, 1)
	assert.Equal(t, "7", got[0].Data.(models.Trade).ID)
	assert.Equal(t, uint64(0), got[0].Sequence)
	assert.Equal(t, float64(1), metricValue(collector, "marketflow_unidentified_messages_total"))
	assert.Equal(t, float64(1), metricValue(collector, "marketflow_malformed_payloads_total"))
}

func TestNewConnectionValidation(t *testing.T) {
	c, err := catalog.New(exchange.BinanceSpot, catalog.Override{}, exchange.Options{})
	require.NoError(t, err)
	events := channel.NewEvents(1, channel.Block, nil)

	_, err = NewConnection(c, []models.Subscription{btcTrades, btcTrades}, events, nil, Settings{})
	assert.True(t, errors.Is(err, models.ErrDuplicateSubscriptionID))

	_, err = NewConnection(c, nil, events, nil, Settings{})
	assert.Error(t, err)

	_, err = NewConnection(c, []models.Subscription{btcTrades}, nil, nil, Settings{})
	assert.Error(t, err)
}

func TestConnectionStartTwice(t *testing.T) {
	srv, _ := wsServer(t, func(_ int, ws *websocket.Conn) { drain(ws) })
	events := channel.NewEvents(1, channel.Block, nil)
	conn := newTestConnection(t, exchange.BinanceSpot, catalog.Override{WebsocketURL: wsURL(srv)}, events, nil, fastSetting, btcTrades)

	require.NoError(t, conn.Start(context.Background()))
	assert.Error(t, conn.Start(context.Background()))
	conn.Stop()
	conn.Stop()
}
