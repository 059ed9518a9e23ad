package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publishers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

// OutboxPoller relays order events written in the transition transaction to Kafka.
type OutboxPoller struct {
	repo      repository.OutboxRepository
	writer    MessageWriter
	log       *slog.Logger
	eventTick time.Duration
	batchSize int
}

func NewOutboxPoller(repo repository.OutboxRepository, writer MessageWriter, log *slog.Logger, tick time.Duration, batchSize int) *OutboxPoller {
	if tick <= 0 {
		tick = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxPoller{repo: repo, writer: writer, log: log, eventTick: tick, batchSize: batchSize}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processUnpublishedEvents publishes in id order and stops at the first failure so one aggregate's
// events never overtake each other.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		p.log.ErrorContext(ctx, "failed to fetch outbox events", "error", err)
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.publishToKafka(ctx, event); err != nil {
			p.log.WarnContext(ctx, "failed to publish outbox event", "event_id", event.ID, "error", err)
			return published
		}
		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.WarnContext(ctx, "failed to mark outbox event processed", "event_id", event.ID, "error", err)
			return published
		}
		published++
	}
	if published > 0 {
		p.log.DebugContext(ctx, "outbox events published", "count", published)
	}
	return published
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *repository.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateId), // order id for ordering
		Value: event.Payload,             // Already JSON from database
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}
