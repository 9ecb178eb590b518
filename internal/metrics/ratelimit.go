package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"marketflow/internal/symbols"
	"marketflow/logger"
)

// RateLimitTransport observes the rate-limit headers exchanges attach to REST
// responses. It wraps the HTTP client used for order book snapshots.
type RateLimitTransport struct {
	Exchange  string
	Base      http.RoundTripper
	Collector *Collector
	Log       *logger.Log
}

// NewRateLimitClient returns a copy of client whose transport reports used
// weight for exchange.
func NewRateLimitClient(client *http.Client, exchange string, c *Collector) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	wrapped.Transport = &RateLimitTransport{
		Exchange:  exchange,
		Base:      client.Transport,
		Collector: c,
		Log:       logger.GetLogger(),
	}
	return &wrapped
}

func (t *RateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	t.observe(resp)
	return resp, nil
}

// Before lets the transport act as a request interceptor for SDK clients
// that build their own http.Client.
func (t *RateLimitTransport) Before(req *http.Request) (*http.Request, error) {
	return req, nil
}

func (t *RateLimitTransport) After(req *http.Request, resp *http.Response, err error) (*http.Response, error) {
	if resp != nil {
		t.observe(resp)
	}
	return resp, err
}

func (t *RateLimitTransport) observe(resp *http.Response) {
	for _, w := range UsedWeight(t.Exchange, resp.Header) {
		t.Collector.UsedWeight(t.Exchange, w.Window, w.Used)
	}

	log := t.Log
	if log == nil {
		log = logger.GetLogger()
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		ReportRateLimitExceeded(log, t.Exchange, requestPath(resp))
	case http.StatusTeapot:
		// Binance answers 418 once an IP is banned for ignoring 429s.
		ReportIPBan(log, t.Exchange, requestPath(resp))
	}
}

func requestPath(resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return resp.Request.URL.Path
}

// Weight is one used-weight reading taken from response headers.
type Weight struct {
	Window string
	Used   float64
}

// UsedWeight extracts the consumed request weight from exchange headers.
func UsedWeight(exchange string, h http.Header) []Weight {
	var out []Weight
	switch symbols.Family(exchange) {
	case "binance":
		for _, hdr := range []struct{ key, window string }{
			{"X-MBX-USED-WEIGHT-1M", "1m"},
			{"X-MBX-USED-WEIGHT-1S", "1s"},
		} {
			if v, ok := parseHeader(h, hdr.key); ok {
				out = append(out, Weight{Window: hdr.window, Used: v})
			}
		}
	case "bybit":
		limit, okLimit := parseHeader(h, "X-Bapi-Limit")
		remaining, okRemaining := parseHeader(h, "X-Bapi-Limit-Status")
		if okLimit && okRemaining {
			out = append(out, Weight{Window: "1s", Used: clampZero(limit - remaining)})
		}
	case "kucoin":
		limit, okLimit := parseHeader(h, "gw-ratelimit-limit")
		remaining, okRemaining := parseHeader(h, "gw-ratelimit-remaining")
		if okLimit && okRemaining {
			out = append(out, Weight{Window: "30s", Used: clampZero(limit - remaining)})
		}
	}
	return out
}

func parseHeader(h http.Header, key string) (float64, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// ReportRateLimitExceeded counts a request rejected for exceeding limits.
func ReportRateLimitExceeded(log *logger.Log, exchange, endpoint string) {
	fields := logger.Fields{"exchange": exchange, "endpoint": endpoint}
	EmitMetric(log, "rate_limit", "rate_limit_exceeded", 1, "counter", fields)
	log.WithComponent("rate_limit").WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan counts a request rejected because the IP is banned.
func ReportIPBan(log *logger.Log, exchange, endpoint string) {
	fields := logger.Fields{"exchange": exchange, "endpoint": endpoint}
	EmitMetric(log, "rate_limit", "ip_ban", 1, "counter", fields)
	log.WithComponent("rate_limit").WithFields(fields).Error("ip banned")
}

// DetectLimit reports whether an exchange error message signals a rate
// limit or an IP ban. Each venue words these differently.
func DetectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	m := strings.ToLower(msg)
	switch symbols.Family(exchange) {
	case "okx":
		rateLimit = strings.Contains(m, "too many requests") || strings.Contains(m, "frequency limit")
		ipBan = strings.Contains(m, "ip") && (strings.Contains(m, "blocked") || strings.Contains(m, "ban"))
	case "kucoin":
		rateLimit = strings.Contains(m, "too many requests") || strings.Contains(m, "rate limit")
		ipBan = strings.Contains(m, "ip") && strings.Contains(m, "limit") && strings.Contains(m, "triggered")
	case "bybit":
		ipBan = strings.Contains(m, "ip rate limit") || (strings.Contains(m, "ip") && strings.Contains(m, "ban"))
		rateLimit = !ipBan && (strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests") || strings.Contains(m, "too many visits"))
	default:
		rateLimit = strings.Contains(m, "too many requests") || strings.Contains(m, "rate limit")
		ipBan = strings.Contains(m, "ip") && strings.Contains(m, "ban")
	}
	return
}

// ReportLimitFromError inspects a REST failure and records rate-limit or
// ban metrics when the message matches. It reports whether it matched.
func ReportLimitFromError(log *logger.Log, exchange, endpoint string, err error) bool {
	if err == nil {
		return false
	}
	rateLimit, ipBan := DetectLimit(exchange, err.Error())
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, endpoint)
	}
	if ipBan {
		ReportIPBan(log, exchange, endpoint)
	}
	return rateLimit || ipBan
}
