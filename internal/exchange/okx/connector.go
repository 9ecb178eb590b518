package okx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketflow/internal/book"
	"marketflow/internal/exchange"
	"marketflow/internal/symbols"
	"marketflow/models"
)

const DefaultURL = "wss://ws.okx.com:8443/ws/v5/public"

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (a arg) id() models.SubscriptionID {
	return models.SubscriptionID(a.Channel + "|" + a.InstID)
}

type request struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

type envelope struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   *arg   `json:"arg"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  int64      `json:"checksum"`
	PrevSeqID int64      `json:"prevSeqId"`
	SeqID     int64      `json:"seqId"`
}

type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

// Connector speaks the OKX v5 public websocket protocol. Spot and swap
// instruments share one endpoint.
type Connector struct {
	server exchange.Server
	opts   exchange.Options
}

func New(server exchange.Server, opts exchange.Options) *Connector {
	return &Connector{server: server, opts: opts.WithDefaults()}
}

func (c *Connector) Server() exchange.Server { return c.server }

func (c *Connector) arg(sub models.Subscription) (arg, error) {
	if err := sub.Instrument.Validate(); err != nil {
		return arg{}, fmt.Errorf("%s: %w", c.server.ID, err)
	}
	inst := symbols.Format(c.server.ID, sub.Instrument)

	switch sub.Kind.Type {
	case models.StreamOrderBookDeltas, models.StreamOrderBooks:
		return arg{Channel: "books", InstID: inst}, nil
	case models.StreamTrades:
		return arg{Channel: "trades", InstID: inst}, nil
	default:
		return arg{}, exchange.Unsupported(c.server.ID, sub)
	}
}

func (c *Connector) SubscriptionID(sub models.Subscription) (models.SubscriptionID, error) {
	a, err := c.arg(sub)
	if err != nil {
		return "", err
	}
	return a.id(), nil
}

// Requests sends every arg in one request; OKX acknowledges each arg with
// its own event.
func (c *Connector) Requests(subs []models.Subscription) (exchange.Requests, error) {
	msg, n, err := c.encode("subscribe", subs)
	if err != nil {
		return exchange.Requests{}, err
	}
	return exchange.Requests{Messages: []models.WsMessage{msg}, ExpectedResponses: n}, nil
}

func (c *Connector) encode(op string, subs []models.Subscription) (models.WsMessage, int, error) {
	req := request{Op: op, Args: make([]arg, 0, len(subs))}
	for _, sub := range subs {
		a, err := c.arg(sub)
		if err != nil {
			return nil, 0, err
		}
		req.Args = append(req.Args, a)
	}
	msg, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s request: %w", op, err)
	}
	return msg, len(req.Args), nil
}

// Resubscribe makes OKX push a fresh books snapshot.
func (c *Connector) Resubscribe(sub models.Subscription) ([]models.WsMessage, error) {
	unsub, _, err := c.encode("unsubscribe", []models.Subscription{sub})
	if err != nil {
		return nil, err
	}
	resub, _, err := c.encode("subscribe", []models.Subscription{sub})
	if err != nil {
		return nil, err
	}
	return []models.WsMessage{unsub, resub}, nil
}

func (c *Connector) Route(frame []byte) (exchange.Routed, error) {
	if bytes.Equal(bytes.TrimSpace(frame), []byte("pong")) {
		return exchange.Routed{Kind: exchange.ControlFrame}, nil
	}

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return exchange.Routed{}, models.NewMalformedPayload("envelope", "", false, err)
	}

	switch env.Event {
	case "":
		if env.Arg == nil {
			return exchange.Routed{Kind: exchange.ControlFrame}, nil
		}
		return exchange.Routed{Kind: exchange.DataFrame, ID: env.Arg.id(), Payload: frame}, nil
	case "subscribe":
		return exchange.Routed{Kind: exchange.AckFrame}, nil
	case "error":
		return exchange.Routed{Kind: exchange.AckFrame, Err: fmt.Errorf("request rejected: %s %s", env.Code, env.Msg)}, nil
	default:
		return exchange.Routed{Kind: exchange.ControlFrame}, nil
	}
}

func (c *Connector) NewHandler(sub models.Subscription) (exchange.Handler, error) {
	if _, err := c.arg(sub); err != nil {
		return nil, err
	}
	if sub.Kind.IsBook() {
		return exchange.NewBookHandler(c.server.ID, sub.Instrument, c.opts.BookDepth, NewUpdater()), nil
	}
	return tradeMapper(c.server.ID, sub.Instrument), nil
}

// PingMessage is the plain text ping OKX answers with "pong".
func (c *Connector) PingMessage() models.WsMessage {
	return models.WsMessage("ping")
}

func millis(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, models.NewMalformedPayload(field, s, false, err)
	}
	return exchange.Millis(ms), nil
}

func tradeMapper(exchangeID string, inst models.Instrument) exchange.HandlerFunc {
	return func(payload []byte, received time.Time) ([]models.MarketData, error) {
		var msg struct {
			Data []tradeData `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, models.NewMalformedPayload("trades", "", false, err)
		}

		out := make([]models.MarketData, 0, len(msg.Data))
		for i, t := range msg.Data {
			px, err := decimal.NewFromString(t.Px)
			if err != nil {
				return nil, models.NewMalformedPayload(fmt.Sprintf("data[%d].px", i), t.Px, false, err)
			}
			sz, err := decimal.NewFromString(t.Sz)
			if err != nil {
				return nil, models.NewMalformedPayload(fmt.Sprintf("data[%d].sz", i), t.Sz, false, err)
			}
			ts, err := millis(fmt.Sprintf("data[%d].ts", i), t.Ts)
			if err != nil {
				return nil, err
			}
			dir := models.Buy
			if t.Side == "sell" {
				dir = models.Sell
			}
			out = append(out, models.Trade{
				ID:           t.TradeID,
				Exchange:     exchangeID,
				Instrument:   inst,
				ReceivedTime: received,
				ExchangeTime: ts,
				Price:        px,
				Quantity:     sz,
				Direction:    dir,
			})
		}
		return out, nil
	}
}

// Updater reconstructs one OKX books channel. A snapshot is pushed on
// (re)subscribe; every update names its predecessor in prevSeqId.
type Updater struct {
	*book.Machine
}

func NewUpdater() *Updater {
	return &Updater{Machine: book.NewMachine(book.OKXRule, book.DiscardPending, 0)}
}

func (u *Updater) Update(payload []byte) (book.Outcome, error) {
	var msg struct {
		Action string     `json:"action"`
		Data   []bookData `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		u.Desync()
		return book.Outcome{}, models.NewMalformedPayload("books", "", true, err)
	}
	if len(msg.Data) == 0 {
		return book.Outcome{}, nil
	}
	d := msg.Data[0]

	bids, err := exchange.Levels("bids", d.Bids)
	if err != nil {
		u.Desync()
		return book.Outcome{}, err
	}
	asks, err := exchange.Levels("asks", d.Asks)
	if err != nil {
		u.Desync()
		return book.Outcome{}, err
	}
	ts, err := millis("ts", d.Ts)
	if err != nil {
		return book.Outcome{}, err
	}

	if msg.Action == "snapshot" {
		return u.Snapshot(book.Snapshot{UpdateID: seq(d.SeqID), ExchangeTime: ts, Bids: bids, Asks: asks})
	}
	return u.Delta(book.Delta{
		FirstID:      seq(d.SeqID),
		LastID:       seq(d.SeqID),
		PrevID:       seq(d.PrevSeqID),
		ExchangeTime: ts,
		Bids:         bids,
		Asks:         asks,
	})
}

func seq(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
