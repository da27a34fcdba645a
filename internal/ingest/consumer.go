// Package ingest consumes sensor events from Kafka and feeds them through
// normalization into the correlation pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvonguyen/honeynet/internal/event"
	"github.com/lvonguyen/honeynet/internal/observability"
	"github.com/lvonguyen/honeynet/internal/session"
)

// Pipeline is the correlation surface the consumer feeds.
type Pipeline interface {
	Correlate(ctx context.Context, ev *event.AttackEvent) (session.UpdateResult, error)
}

// Config holds the consumer settings.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads sensor events off a Kafka topic. Malformed records are
// dropped and counted; they never stall the partition.
type Consumer struct {
	reader   *kafka.Reader
	pipeline Pipeline
	log      *zap.Logger
	metrics  *observability.Metrics
}

// NewConsumer creates a Kafka consumer for the event topic.
func NewConsumer(cfg Config, pipeline Pipeline, log *zap.Logger, metrics *observability.Metrics) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		MaxWait:        5 * time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})

	return &Consumer{
		reader:   reader,
		pipeline: pipeline,
		log:      log,
		metrics:  metrics,
	}
}

// Run consumes until ctx ends. Offsets are committed only after the event
// reached the correlator, so a crash replays rather than drops; replays are
// safe because session close is idempotent.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("fetching kafka message: %w", err)
		}

		if err := c.handleMessage(ctx, msg.Value); err != nil {
			// Correlation failures are store-level; leave the offset
			// uncommitted and surface the error to the lifecycle group.
			return fmt.Errorf("handling message at offset %d: %w", msg.Offset, err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("committing offset %d: %w", msg.Offset, err)
		}
	}
}

// handleMessage normalizes one record and correlates it. A normalization
// failure drops the record and returns nil.
func (c *Consumer) handleMessage(ctx context.Context, raw []byte) error {
	ev, err := event.Normalize(raw, "")
	if err != nil {
		var nerr *event.NormalizationError
		if errors.As(err, &nerr) {
			if c.metrics != nil {
				c.metrics.EventsDropped.Inc()
			}
			c.log.Warn("dropping malformed event", zap.String("reason", nerr.Reason))
			return nil
		}
		return err
	}
	if c.metrics != nil {
		c.metrics.EventsNormalized.Inc()
	}

	result, err := c.pipeline.Correlate(ctx, ev)
	if err != nil {
		return err
	}

	c.log.Debug("event correlated",
		zap.String("session_id", result.SessionID),
		zap.String("source_ip", ev.SourceIP),
		zap.Bool("new_session", result.IsNewSession))
	return nil
}
