package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"marketflow/config"
	"marketflow/internal/model"
	"marketflow/logger"
)

// Publisher hands decoded ticks to the distribution layer. The Kafka-backed
// implementation is used in production; Inline short-circuits the broker for
// single-process deployments.
type Publisher interface {
	Publish(ctx context.Context, tick model.RealtimeTick) error
	Close() error
}

// KafkaProducer publishes ticks to the realtime topic, keyed by stock code so
// one instrument's updates stay ordered within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewKafkaProducer(cfg *config.Config) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
		},
		log: logger.GetLogger(),
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, tick model.RealtimeTick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tick.StockCode),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("write tick for %s: %w", tick.StockCode, err)
	}
	logger.IncrementTickPublished()
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// TickHandler consumes one decoded tick. Returning an error marks the tick as
// failed; the caller decides whether to log or retry.
type TickHandler func(ctx context.Context, tick model.RealtimeTick) error

// Inline bypasses the broker and invokes the handler synchronously. Used when
// kafka is disabled in configuration.
type Inline struct {
	handler TickHandler
	log     *logger.Log
}

func NewInline(handler TickHandler) *Inline {
	return &Inline{handler: handler, log: logger.GetLogger()}
}

func (i *Inline) Publish(ctx context.Context, tick model.RealtimeTick) error {
	logger.IncrementTickPublished()
	if err := i.handler(ctx, tick); err != nil {
		return fmt.Errorf("handle tick for %s: %w", tick.StockCode, err)
	}
	return nil
}

func (i *Inline) Close() error { return nil }
