package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketflow/internal/book"
	"marketflow/internal/exchange"
	"marketflow/internal/symbols"
	"marketflow/models"
)

// maxArgs is the number of topics Bybit accepts per subscribe request.
const maxArgs = 10

const (
	DefaultSpotURL   = "wss://stream.bybit.com/v5/public/spot"
	DefaultLinearURL = "wss://stream.bybit.com/v5/public/linear"
	DefaultRestURL   = "https://api.bybit.com"
)

// Connector speaks the Bybit v5 public websocket protocol for one category.
type Connector struct {
	server   exchange.Server
	category string
	opts     exchange.Options
	client   *bybit.Client
}

// NewSpot serves the spot category.
func NewSpot(server exchange.Server, opts exchange.Options) *Connector {
	return newConnector(server, "spot", opts)
}

// NewLinear serves USDT perpetuals.
func NewLinear(server exchange.Server, opts exchange.Options) *Connector {
	return newConnector(server, "linear", opts)
}

func newConnector(server exchange.Server, category string, opts exchange.Options) *Connector {
	opts = opts.WithDefaults()
	rest := server.RestURL
	if rest == "" {
		rest = DefaultRestURL
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(strings.TrimRight(rest, "/")))
	client.HTTPClient = opts.HTTPClient
	return &Connector{server: server, category: category, opts: opts, client: client}
}

func (c *Connector) Server() exchange.Server { return c.server }

// bookDepth is the websocket depth whose update ids line up with the REST
// order book endpoint.
func (c *Connector) bookDepth() int {
	if c.category == "spot" {
		return 200
	}
	return 500
}

func (c *Connector) topic(sub models.Subscription) (string, error) {
	kind := models.InstrumentKindSpot
	if c.category != "spot" {
		kind = models.InstrumentKindFuturePerpetual
	}
	if err := exchange.CheckMarket(c.server.ID, sub, kind); err != nil {
		return "", err
	}
	sym := symbols.Format(c.server.ID, sub.Instrument)

	switch sub.Kind.Type {
	case models.StreamOrderBookDeltas, models.StreamOrderBooks:
		return fmt.Sprintf("orderbook.%d.%s", c.bookDepth(), sym), nil
	case models.StreamTrades:
		return "publicTrade." + sym, nil
	default:
		return "", exchange.Unsupported(c.server.ID, sub)
	}
}

func (c *Connector) SubscriptionID(sub models.Subscription) (models.SubscriptionID, error) {
	topic, err := c.topic(sub)
	return models.SubscriptionID(topic), err
}

func (c *Connector) Requests(subs []models.Subscription) (exchange.Requests, error) {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topic, err := c.topic(sub)
		if err != nil {
			return exchange.Requests{}, err
		}
		topics = append(topics, topic)
	}

	var out exchange.Requests
	for start := 0; start < len(topics); start += maxArgs {
		end := start + maxArgs
		if end > len(topics) {
			end = len(topics)
		}
		msg, err := json.Marshal(request{ReqID: uuid.NewString(), Op: "subscribe", Args: topics[start:end]})
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
	if env.Topic != "" {
		return exchange.Routed{Kind: exchange.DataFrame, ID: models.SubscriptionID(env.Topic), Payload: frame}, nil
	}
	if env.Op == "subscribe" {
		routed := exchange.Routed{Kind: exchange.AckFrame}
		if env.Success != nil && !*env.Success {
			routed.Err = fmt.Errorf("subscribe request %s rejected: %s", env.ReqID, env.RetMsg)
		}
		return routed, nil
	}
	return exchange.Routed{Kind: exchange.ControlFrame}, nil
}

func (c *Connector) NewHandler(sub models.Subscription) (exchange.Handler, error) {
	if _, err := c.topic(sub); err != nil {
		return nil, err
	}
	if sub.Kind.IsBook() {
		return exchange.NewBookHandler(c.server.ID, sub.Instrument, c.opts.BookDepth, NewUpdater(c.opts.PendingDeltas)), nil
	}
	return tradeMapper(c.server.ID, sub.Instrument), nil
}

// PingMessage is sent every ping interval; Bybit drops idle connections.
func (c *Connector) PingMessage() models.WsMessage {
	return models.WsMessage(`{"op":"ping"}`)
}

// SnapshotOnStart is false: subscribing pushes a snapshot frame.
func (c *Connector) SnapshotOnStart() bool { return false }

// FetchSnapshot reads the REST order book used to resync after a gap.
func (c *Connector) FetchSnapshot(ctx context.Context, sub models.Subscription) (book.Snapshot, error) {
	symbol := symbols.Format(c.server.ID, sub.Instrument)
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"limit":    c.bookDepth(),
	}

	resp, err := c.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("%s order book %s: %w", c.server.ID, symbol, err)
	}
	if resp.RetCode != 0 {
		return book.Snapshot{}, fmt.Errorf("%s order book %s: %d %s", c.server.ID, symbol, resp.RetCode, resp.RetMsg)
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return book.Snapshot{}, fmt.Errorf("%s order book %s: %w", c.server.ID, symbol, err)
	}
	var data bookData
	if err := json.Unmarshal(raw, &data); err != nil {
		return book.Snapshot{}, models.NewMalformedPayload("result", "", true, err)
	}
	return snapshotOf(data, data.Ts)
}

func snapshotOf(data bookData, ts int64) (book.Snapshot, error) {
	bids, err := exchange.Levels("b", data.Bids)
	if err != nil {
		return book.Snapshot{}, err
	}
	asks, err := exchange.Levels("a", data.Asks)
	if err != nil {
		return book.Snapshot{}, err
	}
	return book.Snapshot{UpdateID: data.UpdateID, ExchangeTime: exchange.Millis(ts), Bids: bids, Asks: asks}, nil
}

func tradeMapper(exchangeID string, inst models.Instrument) exchange.HandlerFunc {
	return func(payload []byte, received time.Time) ([]models.MarketData, error) {
		var msg struct {
			Data []publicTrade `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, models.NewMalformedPayload("publicTrade", "", false, err)
		}

		out := make([]models.MarketData, 0, len(msg.Data))
		for i, t := range msg.Data {
			price, err := decimal.NewFromString(t.Price)
			if err != nil {
				return nil, models.NewMalformedPayload(fmt.Sprintf("data[%d].p", i), t.Price, false, err)
			}
			size, err := decimal.NewFromString(t.Size)
			if err != nil {
				return nil, models.NewMalformedPayload(fmt.Sprintf("data[%d].v", i), t.Size, false, err)
			}
			dir := models.Buy
			if strings.EqualFold(t.Side, "sell") {
				dir = models.Sell
			}
			out = append(out, models.Trade{
				ID:           t.TradeID,
				Exchange:     exchangeID,
				Instrument:   inst,
				ReceivedTime: received,
				ExchangeTime: exchange.Millis(t.Time),
				Price:        price,
				Quantity:     size,
				Direction:    dir,
			})
		}
		return out, nil
	}
}
