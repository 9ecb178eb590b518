package metrics

import "marketflow/logger"

// DropMetric names the metric emitted when data is discarded.
type DropMetric string

const (
	// DropMetricEvents counts events evicted from the outbound channel.
	DropMetricEvents DropMetric = "events_dropped"
	// DropMetricPendingDeltas counts buffered book deltas evicted while a
	// snapshot was outstanding.
	DropMetricPendingDeltas DropMetric = "pending_deltas_dropped"
)

// EmitDropMetric emits one increment of metric. Empty labels are omitted.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, stream, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if stream != "" {
		fields["stream"] = stream
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
