package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
)

// DefaultTopic is where export lifecycle events are published. Downstream
// consumers (the notification service, the web UI fanout) key off it.
const DefaultTopic = "exports.events"

// Envelope is the wire shape of one export event.
type Envelope struct {
	Kind    string         `json:"kind"`
	JobID   string         `json:"job_id"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Publisher sends export events to Kafka.
type Publisher interface {
	PublishEvent(ctx context.Context, env Envelope) error
	Close() error
}

type publisher struct {
	writer *kafka.Writer
	topic  string
}

// NewPublisher creates a Kafka publisher for export events. Messages are
// keyed by job ID, so every event for one job lands on the same partition
// and consumers see them in order.
func NewPublisher(brokers []string, topic string) Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &publisher{writer: w, topic: topic}
}

func (p *publisher) PublishEvent(ctx context.Context, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", env.Kind, err)
	}

	// Carry the active trace into the message headers so consumers can
	// continue the same trace.
	headers := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(env.JobID),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    env.Time,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *publisher) Close() error {
	return p.writer.Close()
}

// EventSink adapts a Publisher into a queue event listener. Publishing is
// fire-and-forget: a broker outage must never stall the render pipeline, so
// failures are logged and dropped.
func EventSink(pub Publisher, logger *slog.Logger) func(domain.Event) {
	return func(ev domain.Event) {
		env := Envelope{
			Kind:    string(ev.Kind()),
			JobID:   ev.Job(),
			Time:    ev.At(),
			Payload: eventPayload(ev),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := pub.PublishEvent(ctx, env); err != nil {
				logger.Warn("failed to publish export event",
					slog.String("kind", env.Kind),
					slog.String("job_id", env.JobID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

func eventPayload(ev domain.Event) map[string]any {
	switch e := ev.(type) {
	case domain.JobAdded:
		return map[string]any{"priority": e.Priority, "format": string(e.Format)}
	case domain.JobStarted:
		return map[string]any{"attempt": e.Attempt}
	case domain.JobCompleted:
		return map[string]any{"file_name": e.FileName, "duration_ms": e.Duration.Milliseconds()}
	case domain.JobFailed:
		return map[string]any{"attempt": e.Attempt, "reason": e.Reason}
	case domain.JobRetried:
		return map[string]any{"attempt": e.Attempt, "delay_ms": e.Delay.Milliseconds(), "reason": e.Reason}
	case domain.JobCancelled:
		return map[string]any{"reason": e.Reason}
	default:
		return nil
	}
}

// headerCarrier adapts kafka message headers to the OpenTelemetry
// TextMapCarrier interface.
type headerCarrier []kafka.Header

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
