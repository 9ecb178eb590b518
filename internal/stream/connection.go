package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketflow/internal/channel"
	"marketflow/internal/exchange"
	"marketflow/internal/metrics"
	"marketflow/internal/subscription"
	"marketflow/logger"
	"marketflow/models"
)

// Settings tune the websocket session of a Connection.
type Settings struct {
	PingInterval      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	AckTimeout        time.Duration
	SubscribeRate     float64
	SubscribeBurst    int
	ReadLimit         int64
	SnapshotTimeout   time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = time.Second
	}
	if s.MaxReconnectDelay < s.ReconnectDelay {
		s.MaxReconnectDelay = s.ReconnectDelay
	}
	if s.AckTimeout <= 0 {
		s.AckTimeout = 10 * time.Second
	}
	if s.SubscribeRate <= 0 {
		s.SubscribeRate = 5
	}
	if s.SubscribeBurst <= 0 {
		s.SubscribeBurst = 1
	}
	if s.SnapshotTimeout <= 0 {
		s.SnapshotTimeout = 10 * time.Second
	}
	return s
}

// Connection keeps one websocket session to an exchange alive and publishes
// the normalized events of its subscriptions. Every session gets a fresh
// transformer, so book state never outlives the socket it was built from.
type Connection struct {
	id        string
	connector exchange.Connector
	meta      models.SubscriptionMeta
	events    *channel.Events
	collector *metrics.Collector
	settings  Settings
	dialer    *websocket.Dialer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Entry
}

// NewConnection registers subs against the connector. Registry errors such
// as duplicate or unsupported subscriptions are returned here, before any
// socket is opened.
func NewConnection(c exchange.Connector, subs []models.Subscription, events *channel.Events, collector *metrics.Collector, settings Settings) (*Connection, error) {
	meta, err := subscription.Build(c, subs)
	if err != nil {
		return nil, err
	}
	if events == nil {
		return nil, fmt.Errorf("%s: events channel is required", c.Server().ID)
	}

	id := uuid.NewString()
	return &Connection{
		id:        id,
		connector: c,
		meta:      meta,
		events:    events,
		collector: collector,
		settings:  settings.withDefaults(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log: logger.GetLogger().WithComponent("stream").WithFields(logger.Fields{
			"exchange":      c.Server().ID,
			"connection":    id,
			"subscriptions": len(meta.IDs),
		}),
	}, nil
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) Exchange() string { return c.connector.Server().ID }

// Start runs the session loop in the background until ctx ends or Stop is
// called.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("connection %s already running", c.id)
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)

	c.log.Info("connection started")
	return nil
}

// Stop cancels the session and waits for its goroutines to exit.
func (c *Connection) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Info("stopping connection")
	cancel()
	c.wg.Wait()
	c.log.Info("connection stopped")
}

// run reconnects with exponential backoff. The delay resets once a session
// got all of its subscriptions acknowledged.
func (c *Connection) run(ctx context.Context) {
	defer c.wg.Done()
	exchangeID := c.Exchange()
	delay := c.settings.ReconnectDelay

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			c.collector.Reconnect(exchangeID)
		}

		s := newSession(c, uint64(attempt+1))
		ready, err := s.run(ctx)
		c.collector.Ready(exchangeID, c.id, false)
		if ctx.Err() != nil {
			return
		}
		if ready {
			delay = c.settings.ReconnectDelay
		}

		c.log.WithError(err).WithFields(logger.Fields{
			"attempt":  attempt + 1,
			"retry_in": delay.String(),
		}).Warn("session ended, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > c.settings.MaxReconnectDelay {
			delay = c.settings.MaxReconnectDelay
		}
	}
}
