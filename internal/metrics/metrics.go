// Registers:
//
//	#marketflow_frames_total, #marketflow_events_total
//	#marketflow_sequence_gaps_total, #marketflow_unidentified_messages_total
//	#marketflow_malformed_payloads_total, #marketflow_reconnects_total
//	#marketflow_snapshots_total, #marketflow_snapshot_seconds
//	#marketflow_events_dropped_total, #marketflow_rest_used_weight
//	#go_* and process_* system metrics
//
// Exposes them on <listen_addr>/metrics using Prometheus HTTP handler
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketflow/logger"
)

const namespace = "marketflow"

// Collector holds the Prometheus series of the pipeline. A nil *Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	frames          *prometheus.CounterVec
	events          *prometheus.CounterVec
	gaps            *prometheus.CounterVec
	unidentified    *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	snapshots       *prometheus.CounterVec
	snapshotSeconds *prometheus.HistogramVec
	dropped         *prometheus.CounterVec
	usedWeight      *prometheus.GaugeVec
	connected       *prometheus.GaugeVec
}

var (
	once          sync.Once
	defaultMetric *Collector
)

// Default returns the process wide collector, registering the Go and process
// collectors on first use.
func Default() *Collector {
	once.Do(func() {
		defaultMetric = NewCollector()
		defaultMetric.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return defaultMetric
}

// NewCollector builds a collector backed by its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound websocket frames read per exchange",
		}, []string{"exchange"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Normalized market events emitted",
		}, []string{"exchange", "kind"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Order books that lost continuity",
		}, []string{"exchange"}),
		unidentified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unidentified_messages_total",
			Help:      "Frames whose subscription id is not registered",
		}, []string{"exchange"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_payloads_total",
			Help:      "Frames dropped because they could not be decoded",
		}, []string{"exchange"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Websocket sessions re-established after a failure",
		}, []string{"exchange"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "REST order book snapshots fetched",
		}, []string{"exchange", "result"}),
		snapshotSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_seconds",
			Help:      "Latency of REST order book snapshots",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exchange"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events evicted from the outbound channel",
		}, []string{"exchange"}),
		usedWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rest_used_weight",
			Help:      "Request weight consumed as reported by exchange REST headers",
		}, []string{"exchange", "window"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_ready",
			Help:      "Connections whose subscriptions are acknowledged",
		}, []string{"exchange", "connection"}),
	}
	c.registry.MustRegister(c.frames, c.events, c.gaps, c.unidentified, c.malformed,
		c.reconnects, c.snapshots, c.snapshotSeconds, c.dropped, c.usedWeight, c.connected)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Frame(exchange string) {
	if c != nil {
		c.frames.WithLabelValues(exchange).Inc()
	}
}

func (c *Collector) Events(exchange, kind string, n int) {
	if c != nil && n > 0 {
		c.events.WithLabelValues(exchange, kind).Add(float64(n))
	}
}

func (c *Collector) Gap(exchange string) {
	if c != nil {
		c.gaps.WithLabelValues(exchange).Inc()
	}
}

func (c *Collector) Unidentified(exchange string) {
	if c != nil {
		c.unidentified.WithLabelValues(exchange).Inc()
	}
}

func (c *Collector) Malformed(exchange string) {
	if c != nil {
		c.malformed.WithLabelValues(exchange).Inc()
	}
}

func (c *Collector) Reconnect(exchange string) {
	if c != nil {
		c.reconnects.WithLabelValues(exchange).Inc()
	}
}

// Snapshot records one REST snapshot attempt.
func (c *Collector) Snapshot(exchange string, took time.Duration, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	c.snapshots.WithLabelValues(exchange, result).Inc()
	c.snapshotSeconds.WithLabelValues(exchange).Observe(took.Seconds())
}

func (c *Collector) Dropped(exchange string) {
	if c != nil {
		c.dropped.WithLabelValues(exchange).Inc()
	}
}

func (c *Collector) UsedWeight(exchange, window string, used float64) {
	if c != nil {
		c.usedWeight.WithLabelValues(exchange, window).Set(used)
	}
}

func (c *Collector) Ready(exchange, connection string, ready bool) {
	if c == nil {
		return
	}
	if ready {
		c.connected.WithLabelValues(exchange, connection).Set(1)
		return
	}
	c.connected.DeleteLabelValues(exchange, connection)
}

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, c *Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
