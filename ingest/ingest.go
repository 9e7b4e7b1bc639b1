// Package ingest adapts external event transports into eventchain.Envelope
// slices that the bundle builder can assemble into a proof bundle. The
// Kafka source mirrors the producer-side conventions used elsewhere in this
// codebase (bounded retries, sensible defaults, explicit config) but reads.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nooterra/nooterra-sub010/eventchain"
)

// KafkaSourceConfig configures a KafkaSource.
type KafkaSourceConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic the stream's envelopes were produced to.
	Topic string

	// GroupID, if set, makes the reader join a consumer group instead of
	// reading every partition from a fixed offset.
	GroupID string

	// MaxAttempts bounds retries of a single ReadMessage call on
	// transient error. Defaults to 3 if <= 0.
	MaxAttempts int

	// ReadTimeout bounds each ReadMessage attempt. Defaults to 10s.
	ReadTimeout time.Duration
}

// KafkaSource reads envelopes previously produced to a Kafka topic.
type KafkaSource struct {
	reader      *kafka.Reader
	maxAttempts int
	readTimeout time.Duration
}

// NewKafkaSource constructs a KafkaSource.
func NewKafkaSource(cfg KafkaSourceConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("ingest: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("ingest: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})

	return &KafkaSource{reader: reader, maxAttempts: cfg.MaxAttempts, readTimeout: cfg.ReadTimeout}, nil
}

// ReadEnvelopes drains up to maxMessages canonical envelopes from the topic,
// starting from the reader's current offset. It stops early (without error)
// if ctx is cancelled between messages, returning what it already has.
func (s *KafkaSource) ReadEnvelopes(ctx context.Context, maxMessages int) ([]*eventchain.Envelope, error) {
	envelopes := make([]*eventchain.Envelope, 0, maxMessages)

	for i := 0; i < maxMessages; i++ {
		select {
		case <-ctx.Done():
			return envelopes, nil
		default:
		}

		msg, err := s.fetchWithRetries(ctx)
		if err != nil {
			return envelopes, err
		}

		var env eventchain.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return envelopes, fmt.Errorf("ingest: decoding envelope at offset %d: %w", msg.Offset, err)
		}
		envelopes = append(envelopes, &env)
	}

	return envelopes, nil
}

// fetchWithRetries reads and (when GroupID is set) auto-commits the next
// message, retrying on transient error.
func (s *KafkaSource) fetchWithRetries(ctx context.Context) (kafka.Message, error) {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		msg, err := s.reader.ReadMessage(attemptCtx)
		cancel()
		if err == nil {
			return msg, nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	return kafka.Message{}, fmt.Errorf("ingest: fetch failed after %d attempts: %w", s.maxAttempts, lastErr)
}

// Close releases the underlying connection.
func (s *KafkaSource) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}
