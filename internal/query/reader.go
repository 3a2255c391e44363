package query

import (
	"context"
	"fmt"

	"marketflow/internal/cache"
	"marketflow/internal/model"
	"marketflow/internal/store"
	"marketflow/logger"
)

// Reader serves snapshot and master-data lookups. Reads go to the cache
// first; codes the cache does not hold fall through to durable storage, and
// rows found there are seeded back so the next read is warm. An unknown code
// is a nil result, not an error.
type Reader struct {
	cache  cache.SnapshotCache
	store  store.SnapshotStore
	stocks store.StockStore
	log    *logger.Log
}

func NewReader(snapshotCache cache.SnapshotCache, snapshotStore store.SnapshotStore, stockStore store.StockStore) *Reader {
	return &Reader{
		cache:  snapshotCache,
		store:  snapshotStore,
		stocks: stockStore,
		log:    logger.GetLogger(),
	}
}

func (r *Reader) GetSnapshot(ctx context.Context, stockCode string) (*model.StockPriceSnapshot, error) {
	results, err := r.GetSnapshots(ctx, []string{stockCode})
	if err != nil {
		return nil, err
	}
	return results[stockCode], nil
}

func (r *Reader) GetSnapshots(ctx context.Context, stockCodes []string) (map[string]*model.StockPriceSnapshot, error) {
	results, err := r.cache.GetSnapshots(ctx, stockCodes)
	if err != nil {
		// A broken cache degrades to database reads instead of failing.
		r.log.WithComponent("snapshot_reader").WithError(err).Warn("cache read failed, falling back to store")
		results = make(map[string]*model.StockPriceSnapshot, len(stockCodes))
	}

	var missing []string
	for _, code := range stockCodes {
		if _, ok := results[code]; !ok {
			missing = append(missing, code)
		}
	}
	if len(missing) == 0 {
		return results, nil
	}

	stored, err := r.store.GetSnapshots(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("store fallback: %w", err)
	}
	if len(stored) > 0 {
		for i := range stored {
			snapshot := stored[i]
			results[snapshot.StockCode] = &snapshot
		}
		// Backfill so repeated misses do not keep hitting the database.
		if err := r.cache.WarmUp(ctx, stored); err != nil {
			r.log.WithComponent("snapshot_reader").WithError(err).Warn("cache backfill failed")
		}
	}
	return results, nil
}

// GetStock resolves instrument master data. Nil means unknown code.
func (r *Reader) GetStock(ctx context.Context, stockCode string) (*model.Stock, error) {
	return r.stocks.GetStock(ctx, stockCode)
}

func (r *Reader) ListActiveStocks(ctx context.Context) ([]model.Stock, error) {
	return r.stocks.ListActiveStocks(ctx)
}
