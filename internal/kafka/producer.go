package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"relentless-harvester/internal/models"
)

// RequestProducer publishes ScanRequest messages.
type RequestProducer interface {
	WriteRequest(ctx context.Context, req models.ScanRequest) error
}

// Producer wraps a Kafka writer for publishing scan requests.
type Producer struct {
	writer MessageWriter
}

// NewProducer creates a Kafka producer for the given brokers and topic.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{writer: NewWriter(brokers, topic)}
}

// NewProducerWithWriter builds a producer using a custom writer (tests).
func NewProducerWithWriter(writer MessageWriter) *Producer {
	return &Producer{writer: writer}
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// WriteRequest publishes a ScanRequest keyed by family, so requests for one family stay
// ordered on a single partition.
func (p *Producer) WriteRequest(ctx context.Context, req models.ScanRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(req.Family),
		Value: payload,
		Time:  time.Now().UTC(),
	}

	return p.writer.WriteMessages(ctx, msg)
}
