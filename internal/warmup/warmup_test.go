package warmup

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketflow/internal/cache"
	"marketflow/internal/model"
)

type stubStore struct {
	snapshots []model.StockPriceSnapshot
	err       error
}

func (s *stubStore) UpsertSnapshot(context.Context, *model.StockPriceSnapshot) error { return nil }

func (s *stubStore) LoadSnapshots(context.Context) ([]model.StockPriceSnapshot, error) {
	return s.snapshots, s.err
}

func (s *stubStore) GetSnapshots(context.Context, []string) ([]model.StockPriceSnapshot, error) {
	return nil, nil
}

func TestRunSeedsCache(t *testing.T) {
	ctx := context.Background()
	snapshotCache := cache.NewMemory()
	snapshotStore := &stubStore{snapshots: []model.StockPriceSnapshot{
		{StockCode: "005930", CurrentPrice: 72000, UpdatedAt: time.Now()},
		{StockCode: "000660", CurrentPrice: 180000, UpdatedAt: time.Now()},
	}}

	if got := Run(ctx, snapshotStore, snapshotCache); got != 2 {
		t.Fatalf("expected 2 warmed snapshots, got %d", got)
	}

	snapshot, err := snapshotCache.GetSnapshot(ctx, "005930")
	if err != nil || snapshot == nil || snapshot.CurrentPrice != 72000 {
		t.Errorf("cache not seeded: %+v err=%v", snapshot, err)
	}

	// Warm-up must not dirty anything.
	codes, _ := snapshotCache.DrainDirty(ctx)
	if len(codes) != 0 {
		t.Errorf("warm-up dirtied codes: %v", codes)
	}
}

func TestRunToleratesStoreFailure(t *testing.T) {
	snapshotStore := &stubStore{err: errors.New("database down")}
	if got := Run(context.Background(), snapshotStore, cache.NewMemory()); got != 0 {
		t.Errorf("expected cold start, got %d", got)
	}
}

func TestRunWithEmptyStore(t *testing.T) {
	if got := Run(context.Background(), &stubStore{}, cache.NewMemory()); got != 0 {
		t.Errorf("expected nothing warmed, got %d", got)
	}
}
