package catalog

import (
	"fmt"
	"sort"

	"marketflow/internal/exchange"
	"marketflow/internal/exchange/binance"
	"marketflow/internal/exchange/bybit"
	"marketflow/internal/exchange/kucoin"
	"marketflow/internal/exchange/okx"
)

type factory func(exchange.Server, exchange.Options) exchange.Connector

type entry struct {
	server exchange.Server
	build  factory
}

var entries = map[string]entry{
	exchange.BinanceSpot: {
		server: exchange.Server{ID: exchange.BinanceSpot, WebsocketURL: binance.DefaultSpotURL, RestURL: binance.DefaultSpotRestURL},
		build:  func(s exchange.Server, o exchange.Options) exchange.Connector { return binance.NewSpot(s, o) },
	},
	exchange.BinanceUS: {
		server: exchange.Server{ID: exchange.BinanceUS, WebsocketURL: binance.DefaultUSURL, RestURL: binance.DefaultUSRestURL},
		build:  func(s exchange.Server, o exchange.Options) exchange.Connector { return binance.NewSpot(s, o) },
	},
	exchange.BinanceFuturesUSD: {
		server: exchange.Server{ID: exchange.BinanceFuturesUSD, WebsocketURL: binance.DefaultFuturesURL, RestURL: binance.DefaultFuturesRest},
		build:  func(s exchange.Server, o exchange.Options) exchange.Connector { return binance.NewFutures(s, o) },
	},
	exchange.BybitSpot: {
		server: exchange.Server{ID: exchange.BybitSpot, WebsocketURL: bybit.DefaultSpotURL, RestURL: bybit.DefaultRestURL},
		build:  func(s exchange.Server, o exchange.Options) exchange.Connector { return bybit.NewSpot(s, o) },
	},
	exchange.BybitPerpetualsUSD: {
		server: exchange.Server{ID: exchange.BybitPerpetualsUSD, WebsocketURL: bybit.DefaultLinearURL, RestURL: bybit.DefaultRestURL},
		build:  func(s exchange.Server, o exchange.Options) exchange.Connector { return bybit.NewLinear(s, o) },
	},
	exchange.KuCoinSpot: {
		server: exchange.Server{ID: exchange.KuCoinSpot, RestURL: kucoin.DefaultRestURL},
		build:  func(s exchange.Server, o exchange.Options) exchange.Connector { return kucoin.New(s, o) },
	},
	exchange.OKX: {
		server: exchange.Server{ID: exchange.OKX, WebsocketURL: okx.DefaultURL},
		build:  func(s exchange.Server, o exchange.Options) exchange.Connector { return okx.New(s, o) },
	},
}

// Override replaces the built-in endpoints of one exchange. Empty fields
// keep the defaults.
type Override struct {
	WebsocketURL string
	RestURL      string
}

// IDs lists the supported exchange identifiers, sorted.
func IDs() []string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Supported reports whether id names a built-in exchange.
func Supported(id string) bool {
	_, ok := entries[id]
	return ok
}

// DefaultServer returns the built-in endpoints of id.
func DefaultServer(id string) (exchange.Server, bool) {
	e, ok := entries[id]
	return e.server, ok
}

// New builds the connector for id.
func New(id string, override Override, opts exchange.Options) (exchange.Connector, error) {
	e, ok := entries[id]
	if !ok {
		return nil, fmt.Errorf("exchange %q is not supported", id)
	}
	server := e.server
	if override.WebsocketURL != "" {
		server.WebsocketURL = override.WebsocketURL
	}
	if override.RestURL != "" {
		server.RestURL = override.RestURL
	}
	return e.build(server, opts), nil
}
