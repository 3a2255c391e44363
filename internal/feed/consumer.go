package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/segmentio/kafka-go"

	"marketflow/config"
	"marketflow/internal/model"
	"marketflow/logger"
)

// Consumer reads ticks back off the realtime topic inside a consumer group
// and feeds them to the handler. Offsets are committed only after the handler
// returns, so a crash replays unprocessed ticks.
type Consumer struct {
	reader  *kafka.Reader
	handler TickHandler
	log     *logger.Log

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(cfg *config.Config, handler TickHandler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}),
		handler: handler,
		log:     logger.GetLogger(),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx)
	}()
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.log.WithComponent("tick_consumer").WithError(err).Warn("reader close failed")
	}
}

func (c *Consumer) consume(ctx context.Context) {
	log := c.log.WithComponent("tick_consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			log.WithError(err).Warn("fetch failed")
			continue
		}

		var tick model.RealtimeTick
		if err := json.Unmarshal(msg.Value, &tick); err != nil {
			// A poison message is committed and skipped, not replayed.
			log.WithError(err).WithFields(logger.Fields{
				"offset": msg.Offset,
			}).Warn("undecodable message skipped")
			c.commit(ctx, log, msg)
			continue
		}

		if err := c.handler(ctx, tick); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"stock_code": tick.StockCode,
			}).Error("tick handling failed")
			continue
		}

		logger.IncrementTickConsumed()
		c.commit(ctx, log, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, log *logger.Entry, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Warn("offset commit failed")
	}
}
