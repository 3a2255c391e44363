package store

import (
	"context"

	"marketflow/internal/model"
)

// SnapshotStore is the durable side of the snapshot pipeline. The cache is
// authoritative for freshness; the store only ever moves forward in time.
type SnapshotStore interface {
	// UpsertSnapshot writes one snapshot, skipping the update when the
	// stored row is already newer.
	UpsertSnapshot(ctx context.Context, snapshot *model.StockPriceSnapshot) error

	// LoadSnapshots returns every persisted snapshot, used to warm the
	// cache at startup.
	LoadSnapshots(ctx context.Context) ([]model.StockPriceSnapshot, error)

	// GetSnapshots resolves specific codes. Missing codes are simply not
	// in the result.
	GetSnapshots(ctx context.Context, stockCodes []string) ([]model.StockPriceSnapshot, error)
}

// StockStore holds the instrument master data synced from the exchange.
type StockStore interface {
	ListActiveStocks(ctx context.Context) ([]model.Stock, error)

	// GetStock returns nil without error when the code is unknown.
	GetStock(ctx context.Context, stockCode string) (*model.Stock, error)

	UpsertStocks(ctx context.Context, stocks []model.Stock) error
}
