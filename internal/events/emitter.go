package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradesafe/tradesafe/internal/idgen"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesafe",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesafe",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Emitter adapts the Dispatcher to the fire-and-forget Notifier shape the
// domain services expect. Errors are logged, never returned; a nil Emitter
// is a no-op.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Emit dispatches one lifecycle event. Delivery is detached from the caller's
// context inside the dispatcher; only the subscriber lookup runs under ctx.
func (e *Emitter) Emit(ctx context.Context, eventType string, payload map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	emitTotal.WithLabelValues(eventType).Inc()

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      payload,
	}

	if err := e.d.Dispatch(ctx, event); err != nil {
		emitErrors.WithLabelValues(eventType).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// Fanout broadcasts each event to multiple sinks (webhooks, realtime feed).
type Fanout []interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

// Emit forwards the event to every sink.
func (f Fanout) Emit(ctx context.Context, eventType string, payload map[string]any) {
	for _, sink := range f {
		sink.Emit(ctx, eventType, payload)
	}
}
