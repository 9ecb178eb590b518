package symbols

import (
	"strings"

	"marketflow/models"
)

// Family reduces an exchange id such as "binance_futures_usd" to its venue
// family ("binance").
func Family(exchange string) string {
	exchange = strings.ToLower(exchange)
	if i := strings.IndexByte(exchange, '_'); i > 0 {
		return exchange[:i]
	}
	return exchange
}

// Format renders an instrument the way the venue spells it on the wire.
// Examples:
//
//	binance  btc/usdt           -> BTCUSDT
//	bybit    btc/usdt           -> BTCUSDT
//	kucoin   btc/usdt           -> BTC-USDT
//	okx      btc/usdt perpetual -> BTC-USDT-SWAP
func Format(exchange string, inst models.Instrument) string {
	base, quote := strings.ToUpper(inst.Base), strings.ToUpper(inst.Quote)
	switch Family(exchange) {
	case "kucoin":
		return base + "-" + quote
	case "okx":
		if inst.Kind == models.InstrumentKindFuturePerpetual {
			return base + "-" + quote + "-SWAP"
		}
		return base + "-" + quote
	default:
		return base + quote
	}
}

// Canonical converts exchange-specific symbols to the BTCUSDT form used in
// logs and metrics labels. It ensures symbols are uppercase without
// separators and uses BTC instead of XBT.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(sym)
	switch Family(exchange) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}
