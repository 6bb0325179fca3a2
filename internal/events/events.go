// Package events provides storage change-event emission.
//
// Purpose:
//
//	Downstream consumers (cache warmers, analytics, tombstone reapers) want
//	to know when a user's data changed without polling the info endpoints.
//	Every mutating operation emits an Event describing what changed; the
//	emitter is Kafka when brokers are configured and the service log
//	otherwise.
//
// Key Responsibilities:
//   - Event struct describes one storage mutation
//   - Emitter interface abstracts Kafka vs logger implementations
//   - KafkaEmitter produces JSON events via segmentio/kafka-go
//   - LoggerEmitter logs events for development setups
//
// Error Handling:
//   - Emission is best-effort: handlers record the outcome in metrics and
//     never fail the client request over it
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Actions describing storage mutations.
const (
	ActionItemWrite        = "item.write"
	ActionItemDelete       = "item.delete"
	ActionBatchWrite       = "collection.batch_write"
	ActionItemsDelete      = "collection.items_delete"
	ActionCollectionDelete = "collection.delete"
	ActionStorageDelete    = "storage.delete"
)

// Event describes one storage mutation.
type Event struct {
	EventID    uuid.UUID `json:"event_id"`
	UserID     uint64    `json:"user_id"`
	Collection string    `json:"collection,omitempty"`
	Action     string    `json:"action"`
	Version    int64     `json:"version,omitempty"`
	ItemCount  int       `json:"item_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// New constructs an event with a fresh id and timestamp.
func New(userID uint64, collection, action string, version int64, itemCount int) Event {
	return Event{
		EventID:    uuid.New(),
		UserID:     userID,
		Collection: collection,
		Action:     action,
		Version:    version,
		ItemCount:  itemCount,
		CreatedAt:  time.Now().UTC(),
	}
}

// Emitter sends storage change events.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// LoggerEmitter logs change events instead of producing them. Used when
// Kafka is not configured.
type LoggerEmitter struct {
	logger zerolog.Logger
}

// NewLoggerEmitter creates a logger-based emitter.
func NewLoggerEmitter(logger zerolog.Logger) *LoggerEmitter {
	return &LoggerEmitter{logger: logger.With().Str("component", "events").Logger()}
}

// Emit logs the event. Never fails.
func (e *LoggerEmitter) Emit(ctx context.Context, event Event) error {
	e.logger.Info().
		Str("event_id", event.EventID.String()).
		Uint64("user", event.UserID).
		Str("collection", event.Collection).
		Str("action", event.Action).
		Int64("version", event.Version).
		Int("items", event.ItemCount).
		Msg("storage change")
	return nil
}

// KafkaEmitter produces change events to a Kafka topic.
type KafkaEmitter struct {
	writer *kafka.Writer
}

// NewKafkaEmitter creates a Kafka-backed emitter from a comma-separated
// broker list. Returns (nil, nil) when brokers is empty so callers can fall
// back to the logger emitter.
func NewKafkaEmitter(brokers, topic, clientID string) (*KafkaEmitter, error) {
	if strings.TrimSpace(brokers) == "" {
		return nil, nil
	}
	addrs := strings.Split(brokers, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return &KafkaEmitter{writer: writer}, nil
}

// Emit produces the event, keyed by user id so one user's events stay
// ordered within a partition.
func (e *KafkaEmitter) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(event.UserID, 10)),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}
