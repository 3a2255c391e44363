package feed

import (
	"context"
	"sync"

	"marketflow/internal/model"
	"marketflow/logger"
)

// Ingestor pumps decoded ticks from the stream into the publisher. A publish
// failure drops the tick with a log line rather than stalling the socket
// reader; the flusher and warm-up paths repair any resulting staleness.
type Ingestor struct {
	ticks     <-chan model.RealtimeTick
	publisher Publisher
	log       *logger.Log

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestor(ticks <-chan model.RealtimeTick, publisher Publisher) *Ingestor {
	return &Ingestor{
		ticks:     ticks,
		publisher: publisher,
		log:       logger.GetLogger(),
	}
}

func (i *Ingestor) Start(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.pump(ctx)
	}()
}

func (i *Ingestor) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	i.wg.Wait()
}

func (i *Ingestor) pump(ctx context.Context) {
	log := i.log.WithComponent("tick_ingestor")

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-i.ticks:
			if err := i.publisher.Publish(ctx, tick); err != nil {
				log.WithError(err).WithFields(logger.Fields{
					"stock_code": tick.StockCode,
				}).Error("tick publish failed")
			}
		}
	}
}
