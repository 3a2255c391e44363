package feed

import (
	"context"

	"marketflow/internal/cache"
	"marketflow/internal/model"
	"marketflow/logger"
)

// NewCacheApplier builds the handler that lands consumed ticks in the
// snapshot cache. Applied ticks fan out to broadcast subscribers; ticks that
// lose the newest-wins comparison are counted and dropped silently, which is
// the normal fate of out-of-order delivery.
func NewCacheApplier(snapshotCache cache.SnapshotCache, broadcast *Broadcast) TickHandler {
	log := logger.GetLogger().WithComponent("cache_applier")

	return func(ctx context.Context, tick model.RealtimeTick) error {
		applied, err := snapshotCache.UpdateIfNewer(ctx, tick)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"stock_code": tick.StockCode,
			}).Error("cache update failed")
			return err
		}
		if !applied {
			logger.IncrementCacheReject()
			return nil
		}

		logger.IncrementCacheUpdate()
		if broadcast != nil {
			broadcast.Publish(tick)
		}
		return nil
	}
}
