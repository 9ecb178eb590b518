package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketflow/internal/channel"
	"marketflow/internal/exchange/catalog"
	"marketflow/models"
)

type Config struct {
	Marketflow  MarketflowConfig          `yaml:"marketflow"`
	Logging     LoggingConfig             `yaml:"logging"`
	Channels    ChannelsConfig            `yaml:"channels"`
	Stream      StreamConfig              `yaml:"stream"`
	Snapshot    SnapshotConfig            `yaml:"snapshot"`
	Metrics     MetricsConfig             `yaml:"metrics"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Connections []ConnectionConfig        `yaml:"connections"`
}

type MarketflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ChannelsConfig struct {
	EventBuffer int    `yaml:"event_buffer"`
	Policy      string `yaml:"policy"`
}

type StreamConfig struct {
	PingInterval      time.Duration `yaml:"ping_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	SubscribeRate     float64       `yaml:"subscribe_rate"`
	SubscribeBurst    int           `yaml:"subscribe_burst"`
	ReadLimit         int64         `yaml:"read_limit"`
	BookDepth         int           `yaml:"book_depth"`
	PendingDeltas     int           `yaml:"pending_deltas"`
}

type SnapshotConfig struct {
	Limit   int           `yaml:"limit"`
	Timeout time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled        bool             `yaml:"enabled"`
	ListenAddr     string           `yaml:"listen_addr"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Namespace       string        `yaml:"namespace"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	MinInterval     time.Duration `yaml:"min_interval"`
}

// ExchangeConfig overrides the built-in endpoints of one exchange.
type ExchangeConfig struct {
	WebsocketURL string `yaml:"websocket_url"`
	RestURL      string `yaml:"rest_url"`
}

// ConnectionConfig is one websocket connection and what it subscribes to.
type ConnectionConfig struct {
	Exchange      string               `yaml:"exchange"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

type SubscriptionConfig struct {
	Base   string `yaml:"base"`
	Quote  string `yaml:"quote"`
	Kind   string `yaml:"kind"`
	Stream string `yaml:"stream"`
}

// Subscription converts the yaml form into a models.Subscription.
func (s SubscriptionConfig) Subscription() (models.Subscription, error) {
	kind, err := models.ParseInstrumentKind(s.Kind)
	if err != nil {
		return models.Subscription{}, err
	}
	stream, err := models.ParseStreamKind(s.Stream)
	if err != nil {
		return models.Subscription{}, err
	}
	inst := models.NewInstrument(s.Base, s.Quote, kind)
	if err := inst.Validate(); err != nil {
		return models.Subscription{}, err
	}
	return models.NewSubscription(inst, stream), nil
}

// Connection is a validated connection ready for the stream manager.
type Connection struct {
	Exchange      string
	Subscriptions []models.Subscription
}

// ParseConnections converts every configured connection.
func (c *Config) ParseConnections() ([]Connection, error) {
	out := make([]Connection, 0, len(c.Connections))
	for i, conn := range c.Connections {
		subs := make([]models.Subscription, 0, len(conn.Subscriptions))
		for j, s := range conn.Subscriptions {
			sub, err := s.Subscription()
			if err != nil {
				return nil, fmt.Errorf("connections[%d].subscriptions[%d]: %w", i, j, err)
			}
			subs = append(subs, sub)
		}
		out = append(out, Connection{Exchange: conn.Exchange, Subscriptions: subs})
	}
	return out, nil
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Channels: ChannelsConfig{
			EventBuffer: 10000,
			Policy:      "block",
		},
		Stream: StreamConfig{
			PingInterval:      20 * time.Second,
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: time.Minute,
			AckTimeout:        10 * time.Second,
			SubscribeRate:     5,
			SubscribeBurst:    1,
			ReadLimit:         4 << 20,
			PendingDeltas:     1000,
		},
		Snapshot: SnapshotConfig{Limit: 100, Timeout: 10 * time.Second},
		Metrics: MetricsConfig{
			ListenAddr:     ":2112",
			ReportInterval: time.Minute,
			CloudWatch:     CloudWatchConfig{Namespace: "MarketFlow", MinInterval: time.Minute},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("MARKETFLOW_EVENT_BUFFER")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MARKETFLOW_EVENT_BUFFER: %w", err)
		}
		cfg.Channels.EventBuffer = n
	}
	if v := strings.TrimSpace(os.Getenv("MARKETFLOW_METRICS_ADDR")); v != "" {
		cfg.Metrics.ListenAddr = v
	}

	cw := &cfg.Metrics.CloudWatch
	if v := os.Getenv("AWS_REGION"); v != "" {
		cw.Region = strings.TrimSpace(v)
	}
	if cw.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cw.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cw.SecretAccessKey = strings.TrimSpace(v)
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Marketflow.Name == "" {
		return fmt.Errorf("marketflow.name is required")
	}
	if cfg.Marketflow.Version == "" {
		return fmt.Errorf("marketflow.version is required")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if _, err := channel.ParsePolicy(cfg.Channels.Policy); err != nil {
		return fmt.Errorf("channels.policy: %w", err)
	}

	s := cfg.Stream
	if s.ReconnectDelay <= 0 {
		return fmt.Errorf("stream.reconnect_delay must be greater than 0")
	}
	if s.MaxReconnectDelay < s.ReconnectDelay {
		return fmt.Errorf("stream.max_reconnect_delay must not be less than stream.reconnect_delay")
	}
	if s.AckTimeout <= 0 {
		return fmt.Errorf("stream.ack_timeout must be greater than 0")
	}
	if s.SubscribeRate <= 0 {
		return fmt.Errorf("stream.subscribe_rate must be greater than 0")
	}
	if s.SubscribeBurst <= 0 {
		return fmt.Errorf("stream.subscribe_burst must be greater than 0")
	}
	if s.BookDepth < 0 {
		return fmt.Errorf("stream.book_depth must not be negative")
	}
	if s.PendingDeltas <= 0 {
		return fmt.Errorf("stream.pending_deltas must be greater than 0")
	}

	if cfg.Snapshot.Limit <= 0 {
		return fmt.Errorf("snapshot.limit must be greater than 0")
	}
	if cfg.Snapshot.Timeout <= 0 {
		return fmt.Errorf("snapshot.timeout must be greater than 0")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
	}

	for id := range cfg.Exchanges {
		if !catalog.Supported(id) {
			return fmt.Errorf("exchanges.%s is not supported", id)
		}
	}

	if len(cfg.Connections) == 0 {
		return fmt.Errorf("at least one connection is required")
	}
	for i, conn := range cfg.Connections {
		if !catalog.Supported(conn.Exchange) {
			return fmt.Errorf("connections[%d].exchange %q is not supported", i, conn.Exchange)
		}
		if len(conn.Subscriptions) == 0 {
			return fmt.Errorf("connections[%d].subscriptions must not be empty", i)
		}
		for j, sub := range conn.Subscriptions {
			if _, err := sub.Subscription(); err != nil {
				return fmt.Errorf("connections[%d].subscriptions[%d]: %w", i, j, err)
			}
		}
	}

	return nil
}
