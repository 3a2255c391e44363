package cache

import (
	"context"

	"marketflow/internal/model"
)

// SnapshotCache is the hot read path for stock price snapshots. Writes follow
// the newest-wins rule: a tick only lands if its event time is strictly newer
// than what the cache already holds, so out-of-order delivery can never roll
// a price backwards.
type SnapshotCache interface {
	// UpdateIfNewer applies the tick when it is strictly newer than the
	// stored snapshot and reports whether it was applied. Applied updates
	// mark the code dirty for the flusher.
	UpdateIfNewer(ctx context.Context, tick model.RealtimeTick) (bool, error)

	// GetSnapshot returns the cached snapshot, or nil when the code is
	// not cached. Absence is not an error.
	GetSnapshot(ctx context.Context, stockCode string) (*model.StockPriceSnapshot, error)

	// GetSnapshots resolves many codes at once. Missing codes are simply
	// absent from the result.
	GetSnapshots(ctx context.Context, stockCodes []string) (map[string]*model.StockPriceSnapshot, error)

	// DrainDirty atomically returns and clears the set of codes written
	// since the previous drain. Two concurrent drains never see the same
	// code.
	DrainDirty(ctx context.Context) ([]string, error)

	// WarmUp seeds snapshots without marking them dirty. Entries that are
	// older than what the cache already holds are ignored.
	WarmUp(ctx context.Context, snapshots []model.StockPriceSnapshot) error
}

// snapshotFromTick maps a trade tick onto the snapshot shape. The snapshot's
// volume is the session's accumulated volume, not the single trade size.
// Market cap is not carried by ticks and is preserved separately.
func snapshotFromTick(tick model.RealtimeTick) model.StockPriceSnapshot {
	changeRate := tick.ChangeRate
	return model.StockPriceSnapshot{
		StockCode:    tick.StockCode,
		CurrentPrice: tick.CurrentPrice,
		ChangeRate:   &changeRate,
		Volume:       tick.AccumulatedVolume,
		TradingValue: tick.TradingValue,
		UpdatedAt:    tick.EventTime,
	}
}
