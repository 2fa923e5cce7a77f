package streaming

import (
	"context"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/observability"
	"github.com/itskum47/forgeci/control_plane/resilience"
)

// Exporter forwards in-process events to a Publisher. Export is best-effort:
// a failing broker opens the breaker and events are dropped (and counted)
// until it recovers. Internal consumers are never affected.
type Exporter struct {
	pub     Publisher
	prefix  string
	topic   *Topic
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

func NewExporter(pub Publisher, subjectPrefix string, topic *Topic, log *logger.Logger) *Exporter {
	return &Exporter{
		pub:     pub,
		prefix:  subjectPrefix,
		topic:   topic,
		breaker: resilience.NewCircuitBreaker("export", 0),
		log:     log.WithFields(zap.String("component", "exporter")),
	}
}

// Export subscribes e to bus. Events are published on "<prefix>.<eventType>".
func Export[T any](e *Exporter, bus *Bus[T], eventType string) func() {
	subject := eventType
	if e.prefix != "" {
		subject = e.prefix + "." + eventType
	}
	return bus.Subscribe(e.topic, "export-"+eventType, func(ctx context.Context, event T) error {
		e.send(ctx, subject, eventType, event)
		return nil
	})
}

func (e *Exporter) send(ctx context.Context, subject, eventType string, payload interface{}) {
	if !e.breaker.Allow() {
		observability.EventPublishFailures.WithLabelValues(eventType, "circuit_open").Inc()
		return
	}

	event, err := NewEvent(subject, eventType, payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(eventType, "marshal").Inc()
		e.log.Error("failed to encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}

	if err := e.pub.Publish(ctx, subject, event); err != nil {
		e.breaker.RecordFailure()
		observability.EventPublishFailures.WithLabelValues(eventType, "publish").Inc()
		e.log.Warn("failed to export event", zap.String("subject", subject), zap.Error(err))
		return
	}
	e.breaker.RecordSuccess()
}
