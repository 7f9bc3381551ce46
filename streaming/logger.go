package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogPublisher publishes scheduling and transition events to the structured
// logger instead of a broker. Used when no message bus is configured; the
// poller talks to Publisher either way.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "fairqueue-poller",
	}

	p.logger.Info().
		Str("topic", event.Topic).
		Str("event_id", event.ID).
		RawJSON("payload", event.Payload).
		Msg("transition event")
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Info().Msg("log publisher closed")
	return nil
}
