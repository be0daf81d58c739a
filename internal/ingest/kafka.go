package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/models"
)

const (
	retryBackoffMin = 500 * time.Millisecond
	retryBackoffMax = 30 * time.Second
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer feeds envelopes from a topic into the dispatcher. Each
// message holds one envelope or an array of them. Offsets are committed
// after the message is processed; malformed messages are logged and skipped,
// storage failures are retried with backoff without committing.
type KafkaConsumer struct {
	reader     MessageReader
	dispatcher *Dispatcher
	logger     *zap.Logger
	backoffMin time.Duration
	backoffMax time.Duration
}

// NewKafkaConsumer creates a consumer group reader from config.
func NewKafkaConsumer(cfg config.KafkaConfig, d *Dispatcher, logger *zap.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newKafkaConsumer(reader, d, logger), nil
}

func newKafkaConsumer(reader MessageReader, d *Dispatcher, logger *zap.Logger) *KafkaConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{
		reader:     reader,
		dispatcher: d,
		logger:     logger,
		backoffMin: retryBackoffMin,
		backoffMax: retryBackoffMax,
	}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// process dispatches one message, retrying while storage is unavailable.
func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message) error {
	envs, err := DecodeEnvelopes(msg.Value)
	if err != nil {
		c.logger.Warn("Skipping undecodable message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}

	backoff := c.backoffMin
	for {
		// The whole message is re-dispatched. Envelopes that already went
		// through hit existing session, touchpoint, event and order ids.
		_, err := c.dispatcher.DispatchBatch(ctx, envs)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrStorageUnavailable) {
			c.logger.Error("Dropping message after processing error",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return nil
		}

		c.logger.Warn("Storage unavailable, retrying message",
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

// Close closes the reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
