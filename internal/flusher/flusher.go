package flusher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketflow/config"
	"marketflow/internal/cache"
	"marketflow/internal/store"
	"marketflow/logger"
)

// Flusher periodically drains the cache's dirty set and persists the touched
// snapshots. One failed row does not abort the batch; the row stays in the
// database at its previous state and the next tick for that code will dirty
// it again.
type Flusher struct {
	cfg   config.FlusherConfig
	cache cache.SnapshotCache
	store store.SnapshotStore
	log   *logger.Log

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, snapshotCache cache.SnapshotCache, snapshotStore store.SnapshotStore) *Flusher {
	return &Flusher{
		cfg:   cfg.Flusher,
		cache: snapshotCache,
		store: snapshotStore,
		log:   logger.GetLogger(),
	}
}

func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Flush(ctx)
			}
		}
	}()
}

// Stop halts the ticker and runs one final flush so a clean shutdown leaves
// no dirty codes behind.
func (f *Flusher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.Flush(ctx)
}

// Flush performs one drain-read-persist cycle and returns the number of
// snapshots written.
func (f *Flusher) Flush(ctx context.Context) int {
	log := f.log.WithComponent("snapshot_flusher")

	codes, err := f.cache.DrainDirty(ctx)
	if err != nil {
		log.WithError(err).Error("dirty set drain failed")
		return 0
	}
	if len(codes) == 0 {
		return 0
	}

	batchID := uuid.NewString()
	snapshots, err := f.cache.GetSnapshots(ctx, codes)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"batch_id": batchID}).Error("snapshot read failed")
		return 0
	}

	flushed := 0
	for _, code := range codes {
		snapshot, ok := snapshots[code]
		if !ok {
			continue
		}
		if err := f.store.UpsertSnapshot(ctx, snapshot); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"batch_id":   batchID,
				"stock_code": code,
			}).Error("snapshot persist failed")
			continue
		}
		flushed++
	}

	if flushed > 0 {
		logger.IncrementSnapshotsFlushed(flushed)
		log.WithFields(logger.Fields{
			"batch_id": batchID,
			"dirty":    len(codes),
			"flushed":  flushed,
		}).Debug("flush cycle complete")
	}
	return flushed
}
