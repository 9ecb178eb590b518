package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	spotmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/spot/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketflow/internal/book"
	"marketflow/internal/exchange"
	"marketflow/internal/symbols"
	"marketflow/models"
)

const (
	DefaultRestURL = "https://api.kucoin.com"

	snapshotDepth = "100"
)

// Connector speaks the KuCoin spot public websocket protocol. The
// websocket URL is negotiated per connection with a public bullet token.
type Connector struct {
	server exchange.Server
	opts   exchange.Options
	market spotmarket.MarketAPI
}

func New(server exchange.Server, opts exchange.Options) *Connector {
	opts = opts.WithDefaults()
	rest := server.RestURL
	if rest == "" {
		rest = DefaultRestURL
	}

	// The session owns retries and backoff for snapshots and tokens.
	tb := sdktype.NewTransportOptionBuilder().SetMaxRetries(0)
	if opts.HTTPClient.Timeout > 0 {
		tb = tb.SetTimeout(opts.HTTPClient.Timeout)
	}
	if ic, ok := opts.HTTPClient.Transport.(sdktype.Interceptor); ok {
		tb = tb.AddInterceptors(ic)
	}
	option := sdktype.NewClientOptionBuilder().
		WithSpotEndpoint(strings.TrimRight(rest, "/")).
		WithTransportOption(tb.Build()).
		Build()

	client := sdkapi.NewClient(option)
	return &Connector{
		server: server,
		opts:   opts,
		market: client.RestService().GetSpotService().GetMarketAPI(),
	}
}

func (c *Connector) Server() exchange.Server { return c.server }

func (c *Connector) topic(sub models.Subscription) (string, error) {
	if err := exchange.CheckMarket(c.server.ID, sub, models.InstrumentKindSpot); err != nil {
		return "", err
	}
	sym := symbols.Format(c.server.ID, sub.Instrument)

	switch sub.Kind.Type {
	case models.StreamOrderBookDeltas, models.StreamOrderBooks:
		return "/market/level2:" + sym, nil
	case models.StreamTrades:
		return "/market/match:" + sym, nil
	default:
		return "", exchange.Unsupported(c.server.ID, sub)
	}
}

func (c *Connector) SubscriptionID(sub models.Subscription) (models.SubscriptionID, error) {
	topic, err := c.topic(sub)
	return models.SubscriptionID(topic), err
}

// Requests sends one subscribe per topic, each acknowledged separately.
func (c *Connector) Requests(subs []models.Subscription) (exchange.Requests, error) {
	var out exchange.Requests
	for _, sub := range subs {
		topic, err := c.topic(sub)
		if err != nil {
			return exchange.Requests{}, err
		}
		msg, err := json.Marshal(request{
			ID:       uuid.NewString(),
			Type:     "subscribe",
			Topic:    topic,
			Response: true,
		})
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

	switch env.Type {
	case "message":
		return exchange.Routed{Kind: exchange.DataFrame, ID: models.SubscriptionID(env.Topic), Payload: frame}, nil
	case "ack":
		return exchange.Routed{Kind: exchange.AckFrame}, nil
	case "error":
		return exchange.Routed{
			Kind: exchange.AckFrame,
			Err:  fmt.Errorf("request %s rejected: %s %s", env.ID, env.Code, string(env.Data)),
		}, nil
	default:
		return exchange.Routed{Kind: exchange.ControlFrame}, nil
	}
}

func (c *Connector) NewHandler(sub models.Subscription) (exchange.Handler, error) {
	if _, err := c.topic(sub); err != nil {
		return nil, err
	}
	if sub.Kind.IsBook() {
		return exchange.NewBookHandler(c.server.ID, sub.Instrument, c.opts.BookDepth, NewUpdater(c.opts.PendingDeltas)), nil
	}
	return matchMapper(c.server.ID, sub.Instrument), nil
}

func (c *Connector) PingMessage() models.WsMessage {
	msg, _ := json.Marshal(request{ID: uuid.NewString(), Type: "ping"})
	return msg
}

// ResolveEndpoint requests a public bullet token and builds the websocket
// URL for one connection.
func (c *Connector) ResolveEndpoint(ctx context.Context) (string, time.Duration, error) {
	res, err := c.market.GetPublicToken(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("%s bullet-public: %w", c.server.ID, err)
	}
	if len(res.InstanceServers) == 0 {
		return "", 0, fmt.Errorf("%s bullet-public: no instance servers", c.server.ID)
	}
	instance := res.InstanceServers[0]

	endpoint := instance.Endpoint
	if c.server.WebsocketURL != "" {
		endpoint = c.server.WebsocketURL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("%s endpoint %q: %w", c.server.ID, endpoint, err)
	}
	q := u.Query()
	q.Set("token", res.Token)
	q.Set("connectId", uuid.NewString())
	u.RawQuery = q.Encode()

	ping := time.Duration(instance.PingInterval) * time.Millisecond
	return u.String(), ping, nil
}

// SnapshotOnStart is true: level2 only streams changes.
func (c *Connector) SnapshotOnStart() bool { return true }

// FetchSnapshot reads the public 100-level order book.
func (c *Connector) FetchSnapshot(ctx context.Context, sub models.Subscription) (book.Snapshot, error) {
	symbol := symbols.Format(c.server.ID, sub.Instrument)

	req := spotmarket.NewGetPartOrderBookReqBuilder().
		SetSymbol(symbol).
		SetSize(snapshotDepth).
		Build()
	res, err := c.market.GetPartOrderBook(req, ctx)
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("%s level2 snapshot %s: %w", c.server.ID, symbol, err)
	}

	seq, err := exchange.ParseID("data.sequence", res.Sequence)
	if err != nil {
		return book.Snapshot{}, err
	}
	bids, err := exchange.Levels("data.bids", res.Bids)
	if err != nil {
		return book.Snapshot{}, err
	}
	asks, err := exchange.Levels("data.asks", res.Asks)
	if err != nil {
		return book.Snapshot{}, err
	}
	return book.Snapshot{UpdateID: seq, ExchangeTime: exchange.Millis(res.Time), Bids: bids, Asks: asks}, nil
}

func matchMapper(exchangeID string, inst models.Instrument) exchange.HandlerFunc {
	return func(payload []byte, received time.Time) ([]models.MarketData, error) {
		var msg struct {
			Data match `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, models.NewMalformedPayload("match", "", false, err)
		}
		m := msg.Data

		price, err := decimal.NewFromString(m.Price)
		if err != nil {
			return nil, models.NewMalformedPayload("data.price", m.Price, false, err)
		}
		size, err := decimal.NewFromString(m.Size)
		if err != nil {
			return nil, models.NewMalformedPayload("data.size", m.Size, false, err)
		}

		// time is in nanoseconds
		var ts time.Time
		if ns, err := strconv.ParseInt(m.Time, 10, 64); err == nil && ns > 0 {
			ts = time.Unix(0, ns).UTC()
		}

		dir := models.Buy
		if m.Side == "sell" {
			dir = models.Sell
		}
		return []models.MarketData{models.Trade{
			ID:           m.TradeID,
			Exchange:     exchangeID,
			Instrument:   inst,
			ReceivedTime: received,
			ExchangeTime: ts,
			Price:        price,
			Quantity:     size,
			Direction:    dir,
		}}, nil
	}
}
