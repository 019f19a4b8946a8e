package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes every event to a zap logger.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(zap.String("sink", "log"))}
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	fields := []zap.Field{zap.String("event", string(event.Kind))}
	if event.Room != "" {
		fields = append(fields, zap.String("room", event.Room))
	}
	if m := event.Message; m != nil {
		fields = append(fields,
			zap.String("message_id", m.ID),
			zap.String("sender", m.Sender),
			zap.Time("created_at", m.CreatedAt),
		)
	}
	p.logger.Info("notification", fields...)
	return nil
}
