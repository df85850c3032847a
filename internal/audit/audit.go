package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/bravegeek/az-demand-vpn/internal/models"
)

// Recorder receives every admission, transition and termination event.
// Record must never block the lifecycle path.
type Recorder interface {
	Record(event models.AuditEvent)
}

// LogRecorder writes the trail to the structured log. It is the default
// when no broker is configured.
type LogRecorder struct {
	log zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: logger}
}

func (r *LogRecorder) Record(event models.AuditEvent) {
	r.log.Info().
		Str("kind", string(event.Kind)).
		Str("owner_id", event.OwnerID).
		Str("session_id", event.SessionID).
		Str("outcome", event.Outcome).
		Str("error", event.Error).
		Dur("duration", event.Duration).
		Time("at", event.At).
		Msg("audit")
}

// KafkaPublisher ships the trail to a topic through a buffered channel
// so a slow broker never stalls admissions. Events that do not fit the
// buffer fall back to the log rather than being dropped silently.
type KafkaPublisher struct {
	writer   *kafka.Writer
	events   chan models.AuditEvent
	fallback Recorder
}

func NewKafkaPublisher(addr, topic string, buffer int, fallback Recorder) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{
		writer:   writer,
		events:   make(chan models.AuditEvent, buffer),
		fallback: fallback,
	}
}

func (p *KafkaPublisher) Record(event models.AuditEvent) {
	select {
	case p.events <- event:
	default:
		log.Warn().Msg("audit buffer full, falling back to log recorder")
		p.fallback.Record(event)
	}
}

func (p *KafkaPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.events:
			if !ok {
				return
			}
			p.publish(ctx, event)
		}
	}
}

func (p *KafkaPublisher) publish(ctx context.Context, event models.AuditEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode audit event")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.SessionID),
		Value: value,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to publish audit event, falling back to log recorder")
		p.fallback.Record(event)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
