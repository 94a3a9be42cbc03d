// Package metrics gathers internal-only per-cycle counters. Nothing
// here is ever exposed over HTTP — the agent core does not listen on
// any network port — but the same client_golang primitives an exporter
// would use are used here purely as in-process counters, gathered and
// logged each cycle.
package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Cycle holds the counters populated during one Agent Core cycle.
type Cycle struct {
	OrdersProcessed prometheus.Counter
	OrdersRejected  prometheus.Counter
	DriftFound      prometheus.Counter
	HealsAttempted  prometheus.Counter
	HealsSucceeded  prometheus.Counter
	QueueFlushed    prometheus.Counter
	QueueFailed     prometheus.Counter
}

// NewCycle constructs a fresh, unregistered counter set. It is
// intentionally never registered with prometheus.DefaultRegisterer —
// registration would imply an exporter endpoint, which this agent does
// not run.
func NewCycle() *Cycle {
	return &Cycle{
		OrdersProcessed: prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_orders_processed_total"}),
		OrdersRejected:  prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_orders_rejected_total"}),
		DriftFound:      prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_drift_found_total"}),
		HealsAttempted:  prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_heals_attempted_total"}),
		HealsSucceeded:  prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_heals_succeeded_total"}),
		QueueFlushed:    prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_queue_flushed_total"}),
		QueueFailed:     prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_queue_failed_total"}),
	}
}

// LogSummary writes the current counter values to logger as one
// structured line, the only place these metrics are ever surfaced.
func (c *Cycle) LogSummary(logger *slog.Logger) {
	logger.Info("cycle metrics",
		"orders_processed", counterValue(c.OrdersProcessed),
		"orders_rejected", counterValue(c.OrdersRejected),
		"drift_found", counterValue(c.DriftFound),
		"heals_attempted", counterValue(c.HealsAttempted),
		"heals_succeeded", counterValue(c.HealsSucceeded),
		"queue_flushed", counterValue(c.QueueFlushed),
		"queue_failed", counterValue(c.QueueFailed),
	)
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
