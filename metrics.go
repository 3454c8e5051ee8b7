package durable

// Centralized metric emission for engine lifecycle events. Instruments are
// created through the otel API and cached per name; when the host installs
// no meter provider they are no-ops, so the engine never forces a metrics
// backend on anyone.

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metricSet caches metric instruments for efficient recording.
type metricSet struct {
	meter    metric.Meter
	mu       sync.RWMutex
	counters map[string]metric.Int64Counter
}

var engineMetrics = &metricSet{
	meter:    otel.Meter(tracerName),
	counters: make(map[string]metric.Int64Counter),
}

// add increments a named counter by one. Instrument creation errors are
// swallowed: metrics must never fail workflow progress.
func (m *metricSet) add(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	m.mu.RLock()
	counter, ok := m.counters[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, ok = m.counters[name]; !ok {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// emitExecutionCompleted records a successful terminal transition.
func emitExecutionCompleted(ctx context.Context, taskID string) {
	engineMetrics.add(ctx, "durable.executions.completed",
		attribute.String("task_id", taskID),
	)
}

// emitExecutionFailed records a terminal failure.
func emitExecutionFailed(ctx context.Context, taskID string) {
	engineMetrics.add(ctx, "durable.executions.failed",
		attribute.String("task_id", taskID),
	)
}

// emitExecutionCancelled records a terminal cancellation.
func emitExecutionCancelled(ctx context.Context, taskID string) {
	engineMetrics.add(ctx, "durable.executions.cancelled",
		attribute.String("task_id", taskID),
	)
}

// emitExecutionSuspended records an attempt parking on a sleep or signal.
func emitExecutionSuspended(ctx context.Context, taskID string) {
	engineMetrics.add(ctx, "durable.executions.suspended",
		attribute.String("task_id", taskID),
	)
}

// emitRetryScheduled records a retry timer being armed after a failed
// attempt.
func emitRetryScheduled(ctx context.Context, taskID string, attempt int) {
	engineMetrics.add(ctx, "durable.executions.retries",
		attribute.String("task_id", taskID),
		attribute.Int("attempt", attempt),
	)
}

// emitTimerFired records one claimed timer dispatched by the poller.
func emitTimerFired(ctx context.Context, timerType TimerType) {
	engineMetrics.add(ctx, "durable.timers.fired",
		attribute.String("timer_type", string(timerType)),
	)
}

// emitSignalDelivered records a signal landing in a slot; buffered marks
// deliveries that arrived before any waiter.
func emitSignalDelivered(ctx context.Context, signalID string, buffered bool) {
	engineMetrics.add(ctx, "durable.signals.delivered",
		attribute.String("signal_id", signalID),
		attribute.Bool("buffered", buffered),
	)
}
