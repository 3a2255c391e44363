package warmup

import (
	"context"

	"marketflow/internal/cache"
	"marketflow/internal/store"
	"marketflow/logger"
)

// Run seeds the cache from durable storage so reads are warm before the
// first tick arrives. Warm-up is best effort; a cold cache degrades read
// latency but never correctness, so failures are logged and swallowed.
func Run(ctx context.Context, snapshotStore store.SnapshotStore, snapshotCache cache.SnapshotCache) int {
	log := logger.GetLogger().WithComponent("cache_warmup")

	snapshots, err := snapshotStore.LoadSnapshots(ctx)
	if err != nil {
		log.WithError(err).Warn("snapshot load failed, starting cold")
		return 0
	}
	if len(snapshots) == 0 {
		log.Info("no persisted snapshots, starting cold")
		return 0
	}

	if err := snapshotCache.WarmUp(ctx, snapshots); err != nil {
		log.WithError(err).Warn("cache seed failed, starting cold")
		return 0
	}

	log.WithFields(logger.Fields{"count": len(snapshots)}).Info("cache warmed")
	return len(snapshots)
}
