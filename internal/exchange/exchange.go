package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"marketflow/internal/book"
	"marketflow/models"
)

// Exchange identifiers understood by the catalog and configuration.
const (
	BinanceSpot        = "binance_spot"
	BinanceUS          = "binance_us"
	BinanceFuturesUSD  = "binance_futures_usd"
	BybitSpot          = "bybit_spot"
	BybitPerpetualsUSD = "bybit_perpetuals_usd"
	KuCoinSpot         = "kucoin_spot"
	OKX                = "okx"
)

// Server is the fixed identity of one exchange endpoint. It is a value and
// is never mutated after a connector is built from it.
type Server struct {
	ID           string
	WebsocketURL string
	RestURL      string
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	// DataFrame carries market data for a subscription.
	DataFrame FrameKind = iota
	// AckFrame answers one subscribe request.
	AckFrame
	// ControlFrame is anything else: pongs, welcome, heartbeats.
	ControlFrame
)

// Routed is the stateless envelope step's result. Err is set on a rejected
// AckFrame.
type Routed struct {
	Kind    FrameKind
	ID      models.SubscriptionID
	Payload []byte
	Err     error
}

// Requests are the outbound subscribe payloads for one connection and the
// number of acknowledgement frames the exchange will answer with.
type Requests struct {
	Messages          []models.WsMessage
	ExpectedResponses int
}

// Connector is everything exchange specific about a connection.
type Connector interface {
	Server() Server
	// SubscriptionID encodes the correlation token inbound frames for sub
	// will carry. It fails with models.ErrUnsupportedStreamKind.
	SubscriptionID(sub models.Subscription) (models.SubscriptionID, error)
	Requests(subs []models.Subscription) (Requests, error)
	Route(frame []byte) (Routed, error)
	NewHandler(sub models.Subscription) (Handler, error)
}

// Handler turns routed payloads of one subscription into market data.
type Handler interface {
	Handle(payload []byte, received time.Time) ([]models.MarketData, error)
}

// HandlerFunc adapts a stateless mapper to Handler.
type HandlerFunc func(payload []byte, received time.Time) ([]models.MarketData, error)

func (f HandlerFunc) Handle(payload []byte, received time.Time) ([]models.MarketData, error) {
	return f(payload, received)
}

// SnapshotFetcher is implemented by connectors that can fetch a book
// snapshot out of band. SnapshotOnStart reports whether the websocket never
// pushes one, so a snapshot must be fetched once subscriptions are acked.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, sub models.Subscription) (book.Snapshot, error)
	SnapshotOnStart() bool
}

// Resubscriber is implemented by connectors that resync a book by
// subscribing again and waiting for the pushed snapshot.
type Resubscriber interface {
	Resubscribe(sub models.Subscription) ([]models.WsMessage, error)
}

// Pinger is implemented by connectors that need an application level ping.
type Pinger interface {
	PingMessage() models.WsMessage
}

// EndpointResolver is implemented by connectors whose websocket URL is
// negotiated per connection.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context) (url string, pingInterval time.Duration, err error)
}

// Options tune the handlers a connector builds.
type Options struct {
	// BookDepth caps the levels per side rendered into OrderBook events;
	// 0 renders the whole ladder.
	BookDepth int
	// PendingDeltas bounds the deltas buffered before the first snapshot.
	PendingDeltas int
	// SnapshotLimit is the depth requested from REST snapshot endpoints.
	SnapshotLimit int
	// HTTPClient is used for REST calls; nil gets a client with a 10s timeout.
	HTTPClient *http.Client
}

func (o Options) WithDefaults() Options {
	if o.PendingDeltas <= 0 {
		o.PendingDeltas = book.DefaultMaxPending
	}
	if o.SnapshotLimit <= 0 {
		o.SnapshotLimit = 100
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return o
}

// Unsupported builds the error returned for a stream kind an exchange
// cannot serve.
func Unsupported(exchange string, sub models.Subscription) error {
	return fmt.Errorf("%s: %w: %s for %s", exchange, models.ErrUnsupportedStreamKind, sub.Kind, sub.Instrument)
}

// CheckMarket rejects instruments of a kind the endpoint does not list.
func CheckMarket(exchange string, sub models.Subscription, kind models.InstrumentKind) error {
	if err := sub.Instrument.Validate(); err != nil {
		return fmt.Errorf("%s: %w", exchange, err)
	}
	if sub.Instrument.Kind != kind {
		return fmt.Errorf("%s: %s instruments are not listed, got %s", exchange, sub.Instrument.Kind, sub.Instrument)
	}
	return nil
}
