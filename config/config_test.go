package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketflow/models"
)

const minimal = `marketflow:
  name: "TestApp"
  version: "1.0"
connections:
  - exchange: binance_spot
    subscriptions:
      - {base: btc, quote: usdt, stream: order_book_deltas}
      - {base: eth, quote: usdt, stream: candles_1m}
  - exchange: okx
    subscriptions:
      - {base: btc, quote: usdt, kind: perpetual, stream: trades}
`

// writeTempConfig writes content to a temporary yaml file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimal))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Marketflow.Name)
	}
	if cfg.Channels.EventBuffer != 10000 || cfg.Channels.Policy != "block" {
		t.Errorf("channel defaults not applied: %+v", cfg.Channels)
	}
	if cfg.Stream.AckTimeout != 10*time.Second || cfg.Stream.PendingDeltas != 1000 {
		t.Errorf("stream defaults not applied: %+v", cfg.Stream)
	}

	conns, err := cfg.ParseConnections()
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
	want := models.NewSubscription(
		models.NewInstrument("eth", "usdt", models.InstrumentKindSpot),
		models.Candles(models.MustInterval("1m")),
	)
	if conns[0].Subscriptions[1] != want {
		t.Errorf("unexpected subscription: %+v", conns[0].Subscriptions[1])
	}
	if conns[1].Subscriptions[0].Instrument.Kind != models.InstrumentKindFuturePerpetual {
		t.Errorf("perpetual alias not parsed: %+v", conns[1].Subscriptions[0])
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MARKETFLOW_EVENT_BUFFER", "64")
	t.Setenv("MARKETFLOW_METRICS_ADDR", "127.0.0.1:9100")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")

	cfg, err := LoadConfig(writeTempConfig(t, minimal+`metrics:
  cloudwatch:
    enabled: true
`))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Channels.EventBuffer != 64 {
		t.Errorf("event buffer override ignored: %d", cfg.Channels.EventBuffer)
	}
	if cfg.Metrics.ListenAddr != "127.0.0.1:9100" {
		t.Errorf("metrics addr override ignored: %s", cfg.Metrics.ListenAddr)
	}
	cw := cfg.Metrics.CloudWatch
	if cw.Region != "eu-west-1" || cw.AccessKeyID != "AKIA" || cw.SecretAccessKey != "secret" {
		t.Errorf("aws overrides ignored: %+v", cw)
	}

	t.Setenv("MARKETFLOW_EVENT_BUFFER", "lots")
	if _, err := LoadConfig(writeTempConfig(t, minimal)); err == nil {
		t.Fatal("expected error for non numeric MARKETFLOW_EVENT_BUFFER")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{"zero buffer", "channels:\n  event_buffer: -1\n", "channels.event_buffer must be greater than 0"},
		{"bad policy", "channels:\n  policy: drop_newest\n", "channels.policy"},
		{"bad ack timeout", "stream:\n  ack_timeout: 0s\n", "stream.ack_timeout must be greater than 0"},
		{"bad snapshot", "snapshot:\n  limit: 0\n", "snapshot.limit must be greater than 0"},
		{"unknown override", "exchanges:\n  ftx:\n    websocket_url: ws://x\n", "exchanges.ftx is not supported"},
		{"cloudwatch without region", "metrics:\n  cloudwatch:\n    enabled: true\n", "metrics.cloudwatch.region is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempConfig(t, minimal+tt.extra))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateConnections(t *testing.T) {
	base := "marketflow:\n  name: a\n  version: b\n"
	tests := []struct {
		name string
		body string
		want string
	}{
		{"none", "", "at least one connection is required"},
		{"unknown exchange", "connections:\n  - exchange: foo\n    subscriptions:\n      - {base: btc, quote: usdt, stream: trades}\n", `connections[0].exchange "foo" is not supported`},
		{"empty subscriptions", "connections:\n  - exchange: okx\n", "connections[0].subscriptions must not be empty"},
		{"bad stream", "connections:\n  - exchange: okx\n    subscriptions:\n      - {base: btc, quote: usdt, stream: candles_}\n", "connections[0].subscriptions[0]"},
		{"missing quote", "connections:\n  - exchange: okx\n    subscriptions:\n      - {base: btc, stream: trades}\n", "instrument requires base and quote"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempConfig(t, base+tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile("config/config.production.yml", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := ResolvePath(""); got != filepath.Join("config", "config.production.yml") {
		t.Errorf("ResolvePath(\"\") = %s", got)
	}
	if got := ResolvePath("custom.yml"); got != "custom.yml" {
		t.Errorf("explicit path replaced: %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := ResolvePath(DefaultPath); got != DefaultPath {
		t.Errorf("missing env file should keep default, got %s", got)
	}
}
