package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketflow/internal/metrics"
	"marketflow/logger"
	"marketflow/models"
)

// Policy decides what Send does when the buffer is full.
type Policy string

const (
	// Block makes producers wait for the consumer.
	Block Policy = "block"
	// DropOldest evicts the oldest queued event to make room.
	DropOldest Policy = "drop_oldest"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case Block, "":
		return Block, nil
	case DropOldest:
		return DropOldest, nil
	default:
		return "", fmt.Errorf("unknown channel policy %q", s)
	}
}

type Stats struct {
	Sent    int64
	Dropped int64
}

// Events is the bounded channel every connection publishes into. The
// consumer reads C.
type Events struct {
	C chan models.MarketEvent

	policy     Policy
	collector  *metrics.Collector
	stats      Stats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewEvents(bufferSize int, policy Policy, collector *metrics.Collector) *Events {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	e := &Events{
		C:         make(chan models.MarketEvent, bufferSize),
		policy:    policy,
		collector: collector,
		log:       log,
	}

	log.WithComponent("events_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
		"policy":      string(policy),
	}).Info("events channel initialized")
	return e
}

// Send publishes ev. It returns false only when ctx ends first.
func (e *Events) Send(ctx context.Context, ev models.MarketEvent) bool {
	if e.policy != DropOldest {
		select {
		case e.C <- ev:
			e.incrementSent()
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case e.C <- ev:
			e.incrementSent()
			return true
		case <-ctx.Done():
			return false
		default:
		}

		select {
		case old := <-e.C:
			e.dropped(old)
		default:
		}
	}
}

func (e *Events) dropped(ev models.MarketEvent) {
	e.statsMutex.Lock()
	e.stats.Dropped++
	e.statsMutex.Unlock()

	exchange, _, _ := strings.Cut(ev.Stream.String(), "|")
	e.collector.Dropped(exchange)
	metrics.EmitDropMetric(e.log, metrics.DropMetricEvents, exchange, ev.Stream.String(), "events_channel")
}

func (e *Events) incrementSent() {
	e.statsMutex.Lock()
	e.stats.Sent++
	e.statsMutex.Unlock()
}

func (e *Events) GetStats() Stats {
	e.statsMutex.RLock()
	defer e.statsMutex.RUnlock()
	return e.stats
}

// StartMetricsReporting logs stats and buffer occupancy every interval.
func (e *Events) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.logStats()
			}
		}
	}()
}

func (e *Events) logStats() {
	stats := e.GetStats()
	e.log.WithComponent("events_channel").WithFields(logger.Fields{
		"events_sent":    stats.Sent,
		"events_dropped": stats.Dropped,
		"channel_len":    len(e.C),
		"channel_cap":    cap(e.C),
	}).Info("channel statistics")
	metrics.EmitMetric(e.log, "events_channel", "events_buffer_length", len(e.C), "gauge", logger.Fields{
		"capacity": cap(e.C),
	})
}

// Close closes C. Producers must have stopped.
func (e *Events) Close() {
	e.closeOnce.Do(func() {
		close(e.C)
		e.log.WithComponent("events_channel").Info("events channel closed")
	})
}
