package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"user_service/internal/models"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, event models.AccountChangeEvent) error
}

func NewAccountChangeEvent(action string, account models.Account, at time.Time) models.AccountChangeEvent {
	return models.AccountChangeEvent{
		EventID:     ulid.Make().String(),
		Action:      action,
		UserID:      account.UserID,
		PhoneNumber: account.PhoneNumber,
		EventTime:   at.UTC(),
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, writeTimeout time.Duration, maxAttempts int) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: writeTimeout,
			MaxAttempts:  maxAttempts,
		},
	}
}

// Publish writes the event keyed by user id so that events for one account
// stay ordered within a partition.
func (k *KafkaPublisher) Publish(ctx context.Context, topic string, event models.AccountChangeEvent) error {
	const op = "events.KafkaPublisher.Publish"

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(event.UserID),
		Value: payload,
		Time:  event.EventTime,
		Headers: []kafka.Header{
			{Key: "eventId", Value: []byte(event.EventID)},
			{Key: "action", Value: []byte(event.Action)},
		},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// LogPublisher stands in for a broker in local setups.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (l *LogPublisher) Publish(ctx context.Context, topic string, event models.AccountChangeEvent) error {
	l.log.InfoContext(ctx, "account event",
		slog.String("topic", topic),
		slog.String("event_id", event.EventID),
		slog.String("action", event.Action),
		slog.String("user_id", event.UserID),
		slog.Time("event_time", event.EventTime),
	)
	return nil
}
