package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"marketflow/config"
	"marketflow/internal/channel"
	"marketflow/internal/exchange"
	"marketflow/internal/exchange/catalog"
	"marketflow/internal/metrics"
	"marketflow/logger"
)

// Manager owns every configured connection.
type Manager struct {
	connections []*Connection
	mu          sync.Mutex
	running     bool
	log         *logger.Entry
}

// NewManager builds one Connection per configured connection. Registry
// errors of any connection fail the whole manager.
func NewManager(cfg *config.Config, events *channel.Events, collector *metrics.Collector) (*Manager, error) {
	conns, err := cfg.ParseConnections()
	if err != nil {
		return nil, err
	}

	settings := SettingsFromConfig(cfg)
	m := &Manager{log: logger.GetLogger().WithComponent("stream_manager")}

	for i, cc := range conns {
		ex := cfg.Exchanges[cc.Exchange]
		opts := exchange.Options{
			BookDepth:     cfg.Stream.BookDepth,
			PendingDeltas: cfg.Stream.PendingDeltas,
			SnapshotLimit: cfg.Snapshot.Limit,
			HTTPClient: metrics.NewRateLimitClient(
				&http.Client{Timeout: cfg.Snapshot.Timeout}, cc.Exchange, collector),
		}
		connector, err := catalog.New(cc.Exchange, catalog.Override{
			WebsocketURL: ex.WebsocketURL,
			RestURL:      ex.RestURL,
		}, opts)
		if err != nil {
			return nil, fmt.Errorf("connections[%d]: %w", i, err)
		}

		conn, err := NewConnection(connector, cc.Subscriptions, events, collector, settings)
		if err != nil {
			return nil, fmt.Errorf("connections[%d]: %w", i, err)
		}
		m.connections = append(m.connections, conn)
	}

	m.log.WithFields(logger.Fields{"connections": len(m.connections)}).Info("stream manager initialized")
	return m, nil
}

// SettingsFromConfig maps the stream and snapshot sections onto Settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		PingInterval:      cfg.Stream.PingInterval,
		ReconnectDelay:    cfg.Stream.ReconnectDelay,
		MaxReconnectDelay: cfg.Stream.MaxReconnectDelay,
		AckTimeout:        cfg.Stream.AckTimeout,
		SubscribeRate:     cfg.Stream.SubscribeRate,
		SubscribeBurst:    cfg.Stream.SubscribeBurst,
		ReadLimit:         cfg.Stream.ReadLimit,
		SnapshotTimeout:   cfg.Snapshot.Timeout,
	}
}

func (m *Manager) Connections() []*Connection { return m.connections }

// Start starts every connection. If one fails the ones already started are
// stopped again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("stream manager already running")
	}

	for i, conn := range m.connections {
		if err := conn.Start(ctx); err != nil {
			for _, started := range m.connections[:i] {
				started.Stop()
			}
			return fmt.Errorf("start %s connection %s: %w", conn.Exchange(), conn.ID(), err)
		}
	}
	m.running = true
	m.log.Info("stream manager started")
	return nil
}

// Stop stops every connection in parallel and waits at most timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range m.connections {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.Stop()
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("stream manager stopped")
		return nil
	case <-time.After(timeout):
		m.log.WithFields(logger.Fields{"timeout": timeout.String()}).Error("timeout waiting for connections to stop")
		return fmt.Errorf("connections did not stop within %s", timeout)
	}
}
