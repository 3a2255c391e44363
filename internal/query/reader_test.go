package query

import (
	"context"
	"testing"
	"time"

	"marketflow/internal/cache"
	"marketflow/internal/model"
)

type stubSnapshotStore struct {
	rows  map[string]model.StockPriceSnapshot
	calls int
}

func (s *stubSnapshotStore) UpsertSnapshot(context.Context, *model.StockPriceSnapshot) error {
	return nil
}

func (s *stubSnapshotStore) LoadSnapshots(context.Context) ([]model.StockPriceSnapshot, error) {
	return nil, nil
}

func (s *stubSnapshotStore) GetSnapshots(_ context.Context, codes []string) ([]model.StockPriceSnapshot, error) {
	s.calls++
	var out []model.StockPriceSnapshot
	for _, code := range codes {
		if row, ok := s.rows[code]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

type stubStockStore struct {
	stocks map[string]model.Stock
}

func (s *stubStockStore) ListActiveStocks(context.Context) ([]model.Stock, error) {
	var out []model.Stock
	for _, stock := range s.stocks {
		if stock.IsActive {
			out = append(out, stock)
		}
	}
	return out, nil
}

func (s *stubStockStore) GetStock(_ context.Context, code string) (*model.Stock, error) {
	if stock, ok := s.stocks[code]; ok {
		return &stock, nil
	}
	return nil, nil
}

func (s *stubStockStore) UpsertStocks(context.Context, []model.Stock) error { return nil }

func newReaderFixture() (*Reader, *cache.Memory, *stubSnapshotStore) {
	snapshotCache := cache.NewMemory()
	snapshotStore := &stubSnapshotStore{rows: make(map[string]model.StockPriceSnapshot)}
	stockStore := &stubStockStore{stocks: map[string]model.Stock{
		"005930": {StockCode: "005930", StockName: "삼성전자", Market: "KOSPI", IsActive: true},
	}}
	return NewReader(snapshotCache, snapshotStore, stockStore), snapshotCache, snapshotStore
}

func TestGetSnapshotFromCache(t *testing.T) {
	ctx := context.Background()
	reader, snapshotCache, snapshotStore := newReaderFixture()

	snapshotCache.WarmUp(ctx, []model.StockPriceSnapshot{
		{StockCode: "005930", CurrentPrice: 72000, UpdatedAt: time.Now()},
	})

	snapshot, err := reader.GetSnapshot(ctx, "005930")
	if err != nil || snapshot == nil {
		t.Fatalf("expected cached snapshot: %v", err)
	}
	if snapshot.CurrentPrice != 72000 {
		t.Errorf("unexpected price: %d", snapshot.CurrentPrice)
	}
	if snapshotStore.calls != 0 {
		t.Errorf("cache hit should not touch the store, got %d calls", snapshotStore.calls)
	}
}

func TestGetSnapshotFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	reader, snapshotCache, snapshotStore := newReaderFixture()
	snapshotStore.rows["005930"] = model.StockPriceSnapshot{
		StockCode: "005930", CurrentPrice: 71000, UpdatedAt: time.Now(),
	}

	snapshot, err := reader.GetSnapshot(ctx, "005930")
	if err != nil || snapshot == nil {
		t.Fatalf("expected store fallback: %v", err)
	}
	if snapshot.CurrentPrice != 71000 {
		t.Errorf("unexpected price: %d", snapshot.CurrentPrice)
	}

	// The fallback row is now cached.
	cached, _ := snapshotCache.GetSnapshot(ctx, "005930")
	if cached == nil || cached.CurrentPrice != 71000 {
		t.Errorf("fallback row not backfilled into cache: %+v", cached)
	}
}

func TestGetSnapshotUnknownCode(t *testing.T) {
	reader, _, _ := newReaderFixture()

	snapshot, err := reader.GetSnapshot(context.Background(), "999999")
	if err != nil {
		t.Fatalf("unknown code must not error: %v", err)
	}
	if snapshot != nil {
		t.Errorf("expected nil for unknown code, got %+v", snapshot)
	}
}

func TestGetSnapshotsMixedSources(t *testing.T) {
	ctx := context.Background()
	reader, snapshotCache, snapshotStore := newReaderFixture()

	snapshotCache.WarmUp(ctx, []model.StockPriceSnapshot{
		{StockCode: "005930", CurrentPrice: 72000, UpdatedAt: time.Now()},
	})
	snapshotStore.rows["000660"] = model.StockPriceSnapshot{
		StockCode: "000660", CurrentPrice: 180000, UpdatedAt: time.Now(),
	}

	results, err := reader.GetSnapshots(ctx, []string{"005930", "000660", "999999"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results["005930"].CurrentPrice != 72000 || results["000660"].CurrentPrice != 180000 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestGetStock(t *testing.T) {
	reader, _, _ := newReaderFixture()

	stock, err := reader.GetStock(context.Background(), "005930")
	if err != nil || stock == nil {
		t.Fatalf("expected stock: %v", err)
	}
	if stock.Market != "KOSPI" {
		t.Errorf("unexpected market: %s", stock.Market)
	}

	stock, err = reader.GetStock(context.Background(), "999999")
	if err != nil || stock != nil {
		t.Errorf("unknown stock should be nil without error: %+v %v", stock, err)
	}
}
