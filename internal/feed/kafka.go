package feed

import (
	"context"
	"errors"
	"fmt"
	"io"

	json "github.com/segmentio/encoding/json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// IngestFunc is the pipeline's ingestion entry point. The adapter never sees
// an error from it; all failure handling lives behind it.
type IngestFunc func(dataType string, payload map[string]interface{})

// envelope is the upstream wire shape: a type tag plus the raw payload.
type envelope struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// KafkaSource consumes parsed market events from a Kafka topic and feeds
// them into the pipeline.
type KafkaSource struct {
	reader *kafka.Reader
	ingest IngestFunc
	log    *zap.Logger
}

// NewKafkaSource builds a consumer-group reader on topic.
func NewKafkaSource(brokers []string, topic, groupID string, ingest IngestFunc, log *zap.Logger) *KafkaSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		ingest: ingest,
		log:    log,
	}
}

// Run consumes until ctx is cancelled. Undecodable messages are logged and
// skipped; the pipeline's own drop accounting covers unknown types.
func (s *KafkaSource) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("feed: kafka read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			s.log.Warn("undecodable feed message",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		s.ingest(env.Type, env.Payload)
	}
}

// Close releases the underlying reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
