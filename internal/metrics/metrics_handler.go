package metrics

import (
	"sync"
	"time"

	"marketflow/logger"
)

// Metric is one structured metric event.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler consumes emitted metrics, e.g. the CloudWatch publisher.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler.
type MetricHandlerID uint64

var (
	handlersMu sync.RWMutex
	handlers   = make(map[MetricHandlerID]MetricHandler)
	nextID     MetricHandlerID
)

// RegisterMetricHandler adds h to the handlers every EmitMetric call reaches.
// A nil handler is ignored and yields the zero id.
func RegisterMetricHandler(h MetricHandler) MetricHandlerID {
	if h == nil {
		return 0
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()
	nextID++
	handlers[nextID] = h
	return nextID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

// EmitMetric writes a "metric" log line and hands the metric to every
// registered handler. An empty metricType means counter.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	own := make(logger.Fields, len(fields))
	for k, v := range fields {
		own[k] = v
	}

	line := make(logger.Fields, len(own)+3)
	for k, v := range own {
		line[k] = v
	}
	line["metric"] = name
	line["metric_type"] = metricType
	line["value"] = value
	log.WithComponent(component).WithFields(line).Info("metric")

	dispatch(Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    own,
	})
}

func dispatch(m Metric) {
	handlersMu.RLock()
	if len(handlers) == 0 {
		handlersMu.RUnlock()
		return
	}
	hs := make([]MetricHandler, 0, len(handlers))
	for _, h := range handlers {
		hs = append(hs, h)
	}
	handlersMu.RUnlock()

	for _, h := range hs {
		h(m)
	}
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
