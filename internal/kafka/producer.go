// Package kafka fans newly ingested telemetry out to a Kafka topic and
// publishes per-user tombstones when a user's data is deleted.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"beacon/internal/config"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// Message header keys.
const (
	HeaderType    = "type"
	HeaderEventID = "event_id"
	HeaderUserID  = "user_id"

	TypeEvent       = "event"
	TypeUserDeleted = "user_deleted"
)

var (
	ErrProducerClosed = errors.New("kafka: producer is closed")
	ErrNoBrokers      = errors.New("kafka: at least one broker is required")
	ErrNoTopic        = errors.New("kafka: topic is required")
)

// Producer publishes records through a small pool of synchronous writers.
type Producer struct {
	cfg     config.ProducerConfig
	topic   string
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	// Metrics
	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer creates the writer pool. It does not dial the brokers.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		return nil, ErrNoTopic
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &Producer{
		cfg:     cfg,
		topic:   topic,
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}

	for i := range p.writers {
		w := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // keyed by user, so a user's events stay ordered
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression(cfg.Compression),
			MaxAttempts:  1,
		}
		p.writers[i] = w
		p.pool <- w
	}

	return p, nil
}

func compression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// partitionKey groups a user's records; anonymous events fall back to the
// device.
func partitionKey(ev models.Event) string {
	if ev.UserID != "" {
		return "user:" + ev.UserID
	}
	return "device:" + ev.DeviceID
}

func recordMessage(rec models.Record) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return kafka.Message{
		Key:   []byte(partitionKey(rec.Event)),
		Value: data,
		Headers: []kafka.Header{
			{Key: HeaderType, Value: []byte(TypeEvent)},
			{Key: HeaderEventID, Value: []byte(rec.ID)},
			{Key: HeaderUserID, Value: []byte(rec.UserID)},
		},
		Time: rec.ReceivedAt,
	}, nil
}

func tombstoneMessage(userID string, at time.Time) kafka.Message {
	return kafka.Message{
		Key: []byte("user:" + userID),
		Headers: []kafka.Header{
			{Key: HeaderType, Value: []byte(TypeUserDeleted)},
			{Key: HeaderUserID, Value: []byte(userID)},
		},
		Time: at,
	}
}

// Forward publishes newly inserted records.
func (p *Producer) Forward(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	messages := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msg, err := recordMessage(rec)
		if err != nil {
			log.Error().Err(err).Str("event_id", rec.ID).Msg("failed to serialize record")
			p.messagesFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		messages = append(messages, msg)
	}

	return p.publish(ctx, messages)
}

// Tombstone publishes a keyed, empty-valued message announcing that every
// record for userID was deleted. Compacted topics drop the user's key.
func (p *Producer) Tombstone(ctx context.Context, userID string) error {
	return p.publish(ctx, []kafka.Message{tombstoneMessage(userID, time.Now().UTC())})
}

func (p *Producer) publish(ctx context.Context, messages []kafka.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(messages) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	var writer *kafka.Writer
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	err := p.publishWithRetry(ctx, writer, messages)
	duration := time.Since(start)
	metrics.KafkaPublishDuration.Observe(duration.Seconds())

	if err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(messages)).
			Dur("duration", duration).
			Msg("failed to publish to kafka")
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	var bytes uint64
	for _, m := range messages {
		bytes += uint64(len(m.Key) + len(m.Value))
	}
	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(bytes)
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", duration).
		Msg("published to kafka")
	return nil
}

// publishWithRetry retries with exponential backoff. Cancellation is never
// retried.
func (p *Producer) publishWithRetry(ctx context.Context, writer *kafka.Writer, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	backoff := p.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.KafkaPublishRetries.Inc()
			log.Warn().
				Int("attempt", attempt).
				Int("batch_size", len(messages)).
				Dur("backoff", backoff).
				Msg("retrying kafka publish")

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("kafka publish failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

// Close closes every writer in the pool.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProducerStats holds producer counters.
type ProducerStats struct {
	MessagesSent   uint64 `json:"messagesSent"`
	MessagesFailed uint64 `json:"messagesFailed"`
	BytesWritten   uint64 `json:"bytesWritten"`
}

// Stats returns producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}
