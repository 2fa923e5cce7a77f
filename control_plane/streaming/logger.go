package streaming

import (
	"context"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/control_plane/logger"
)

// LogPublisher writes exported events to the log. It is the fallback when no
// broker is configured.
type LogPublisher struct {
	log *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{
		log: log.WithFields(zap.String("component", "log-publisher")),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, subject string, event *Event) error {
	p.log.Info("event published",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.ByteString("payload", event.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	p.log.Info("log publisher closed")
	return nil
}
