package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"relentless-harvester/internal/models"
)

// ResultPublisher sends qualifying listings to the results topic and exhausted targets
// to the failures topic.
type ResultPublisher struct {
	results  MessageWriter
	failures MessageWriter
}

// NewResultPublisher wraps the two writers. failures may be nil to drop failure records.
func NewResultPublisher(results, failures MessageWriter) *ResultPublisher {
	return &ResultPublisher{results: results, failures: failures}
}

// PublishResult writes one scan result keyed by target id.
func (p *ResultPublisher) PublishResult(ctx context.Context, result models.ScanResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return p.results.WriteMessages(ctx, kafka.Message{
		Key:   []byte(result.Target.ID),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

// PublishFailure writes one target failure record keyed by target id.
func (p *ResultPublisher) PublishFailure(ctx context.Context, failure models.TargetFailure) error {
	if p.failures == nil {
		return nil
	}
	payload, err := json.Marshal(failure)
	if err != nil {
		return err
	}
	return p.failures.WriteMessages(ctx, kafka.Message{
		Key:   []byte(failure.TargetID),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

// Close closes both writers.
func (p *ResultPublisher) Close() error {
	var errs []error
	if err := p.results.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.failures != nil {
		if err := p.failures.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
