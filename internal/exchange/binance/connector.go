package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	binance "github.com/adshao/go-binance/v2"
	futures "github.com/adshao/go-binance/v2/futures"

	"marketflow/internal/book"
	"marketflow/internal/exchange"
	"marketflow/internal/symbols"
	"marketflow/models"
)

// maxParams is the number of streams sent per SUBSCRIBE request.
const maxParams = 200

const (
	DefaultSpotURL     = "wss://stream.binance.com:9443/ws"
	DefaultSpotRestURL = "https://api.binance.com"
	DefaultUSURL       = "wss://stream.binance.us:9443/ws"
	DefaultUSRestURL   = "https://api.binance.us"
	DefaultFuturesURL  = "wss://fstream.binance.com/ws"
	DefaultFuturesRest = "https://fapi.binance.com"
)

// Connector speaks the Binance raw-stream protocol for one market.
type Connector struct {
	server  exchange.Server
	futures bool
	opts    exchange.Options

	spot *binance.Client
	usdm *futures.Client
}

// NewSpot serves spot pairs on Binance or Binance US.
func NewSpot(server exchange.Server, opts exchange.Options) *Connector {
	opts = opts.WithDefaults()
	client := binance.NewClient("", "")
	client.HTTPClient = opts.HTTPClient
	if server.RestURL != "" {
		client.BaseURL = strings.TrimRight(server.RestURL, "/")
	}
	return &Connector{server: server, opts: opts, spot: client}
}

// NewFutures serves USD-M perpetuals.
func NewFutures(server exchange.Server, opts exchange.Options) *Connector {
	opts = opts.WithDefaults()
	client := futures.NewClient("", "")
	client.HTTPClient = opts.HTTPClient
	if server.RestURL != "" {
		client.BaseURL = strings.TrimRight(server.RestURL, "/")
	}
	return &Connector{server: server, futures: true, opts: opts, usdm: client}
}

func (c *Connector) Server() exchange.Server { return c.server }

func (c *Connector) market() models.InstrumentKind {
	if c.futures {
		return models.InstrumentKindFuturePerpetual
	}
	return models.InstrumentKindSpot
}

// channel returns the stream name to subscribe to and the id frames of
// that stream are routed by.
func (c *Connector) channel(sub models.Subscription) (string, models.SubscriptionID, error) {
	if err := exchange.CheckMarket(c.server.ID, sub, c.market()); err != nil {
		return "", "", err
	}
	sym := strings.ToLower(symbols.Format(c.server.ID, sub.Instrument))

	switch sub.Kind.Type {
	case models.StreamOrderBookDeltas, models.StreamOrderBooks:
		return sym + "@depth@100ms", models.SubscriptionID(sym + "@depth"), nil
	case models.StreamTrades:
		name := sym + "@trade"
		if c.futures {
			name = sym + "@aggTrade"
		}
		return name, models.SubscriptionID(name), nil
	case models.StreamCandles, models.StreamKlines:
		name := sym + "@kline_" + sub.Kind.Interval.String()
		return name, models.SubscriptionID(name), nil
	default:
		return "", "", exchange.Unsupported(c.server.ID, sub)
	}
}

func (c *Connector) SubscriptionID(sub models.Subscription) (models.SubscriptionID, error) {
	_, id, err := c.channel(sub)
	return id, err
}

// Requests batches stream names into SUBSCRIBE requests; Binance answers
// each request with one {"result":null,"id":N} frame.
func (c *Connector) Requests(subs []models.Subscription) (exchange.Requests, error) {
	params := make([]string, 0, len(subs))
	for _, sub := range subs {
		name, _, err := c.channel(sub)
		if err != nil {
			return exchange.Requests{}, err
		}
		params = append(params, name)
	}

	var out exchange.Requests
	for start, id := 0, int64(1); start < len(params); start, id = start+maxParams, id+1 {
		end := start + maxParams
		if end > len(params) {
			end = len(params)
		}
		msg, err := json.Marshal(subscribeRequest{Method: "SUBSCRIBE", Params: params[start:end], ID: id})
		if err != nil {
			return exchange.Requests{}, fmt.Errorf("encode subscribe request: %w", err)
		}
		out.Messages = append(out.Messages, msg)
		out.ExpectedResponses++
	}
	return out, nil
}

func (c *Connector) Route(frame []byte) (exchange.Routed, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return exchange.Routed{}, models.NewMalformedPayload("envelope", "", false, err)
	}

	if env.Event == "" {
		if env.ID == nil {
			return exchange.Routed{Kind: exchange.ControlFrame}, nil
		}
		routed := exchange.Routed{Kind: exchange.AckFrame}
		if env.Error != nil {
			routed.Err = fmt.Errorf("subscribe request %d rejected: %d %s", *env.ID, env.Error.Code, env.Error.Msg)
		}
		return routed, nil
	}

	sym := strings.ToLower(env.Symbol)
	var id string
	switch env.Event {
	case "depthUpdate":
		id = sym + "@depth"
	case "trade", "aggTrade":
		id = sym + "@" + env.Event
	case "kline":
		if env.Kline == nil {
			return exchange.Routed{}, models.NewMalformedPayload("k", "", false, fmt.Errorf("kline event without k"))
		}
		id = sym + "@kline_" + env.Kline.Interval
	default:
		id = sym + "@" + env.Event
	}
	return exchange.Routed{Kind: exchange.DataFrame, ID: models.SubscriptionID(id), Payload: frame}, nil
}

func (c *Connector) NewHandler(sub models.Subscription) (exchange.Handler, error) {
	if _, _, err := c.channel(sub); err != nil {
		return nil, err
	}
	switch sub.Kind.Type {
	case models.StreamOrderBookDeltas, models.StreamOrderBooks:
		return exchange.NewBookHandler(c.server.ID, sub.Instrument, c.opts.BookDepth, c.NewUpdater()), nil
	case models.StreamTrades:
		if c.futures {
			return aggTradeMapper(c.server.ID, sub.Instrument), nil
		}
		return tradeMapper(c.server.ID, sub.Instrument), nil
	case models.StreamCandles:
		return klineMapper(c.server.ID, sub.Instrument, true), nil
	default:
		return klineMapper(c.server.ID, sub.Instrument, false), nil
	}
}

// NewUpdater builds the depth updater matching the connector's market.
func (c *Connector) NewUpdater() *Updater {
	if c.futures {
		return NewUpdater(book.BinanceFuturesRule, c.opts.PendingDeltas)
	}
	return NewUpdater(book.BinanceSpotRule, c.opts.PendingDeltas)
}

// SnapshotOnStart is true: the diff depth stream never carries a snapshot.
func (c *Connector) SnapshotOnStart() bool { return true }

// FetchSnapshot downloads the REST depth snapshot for sub.
func (c *Connector) FetchSnapshot(ctx context.Context, sub models.Subscription) (book.Snapshot, error) {
	symbol := symbols.Format(c.server.ID, sub.Instrument)

	if c.futures {
		res, err := c.usdm.NewDepthService().Symbol(symbol).Limit(c.opts.SnapshotLimit).Do(ctx)
		if err != nil {
			return book.Snapshot{}, fmt.Errorf("%s depth snapshot %s: %w", c.server.ID, symbol, err)
		}
		snap := book.Snapshot{UpdateID: uint64(res.LastUpdateID), ExchangeTime: exchange.Millis(res.Time)}
		for _, b := range res.Bids {
			snap.Bids = append(snap.Bids, book.PriceLevel{Price: b.Price, Quantity: b.Quantity})
		}
		for _, a := range res.Asks {
			snap.Asks = append(snap.Asks, book.PriceLevel{Price: a.Price, Quantity: a.Quantity})
		}
		return snap, nil
	}

	res, err := c.spot.NewDepthService().Symbol(symbol).Limit(c.opts.SnapshotLimit).Do(ctx)
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("%s depth snapshot %s: %w", c.server.ID, symbol, err)
	}
	snap := book.Snapshot{UpdateID: uint64(res.LastUpdateID)}
	for _, b := range res.Bids {
		snap.Bids = append(snap.Bids, book.PriceLevel{Price: b.Price, Quantity: b.Quantity})
	}
	for _, a := range res.Asks {
		snap.Asks = append(snap.Asks, book.PriceLevel{Price: a.Price, Quantity: a.Quantity})
	}
	return snap, nil
}
