package cache

import (
	"context"
	"sync"
	"time"

	"marketflow/internal/model"
	"marketflow/logger"
)

// Memory is the in-process cache used when redis is disabled. Same
// newest-wins and dirty-set semantics as the Redis implementation, scoped to
// a single process.
type Memory struct {
	log *logger.Log

	mu      sync.Mutex
	entries map[string]memoryEntry
	dirty   map[string]struct{}
}

type memoryEntry struct {
	snapshot  model.StockPriceSnapshot
	eventTime time.Time
}

func NewMemory() *Memory {
	return &Memory{
		log:     logger.GetLogger(),
		entries: make(map[string]memoryEntry),
		dirty:   make(map[string]struct{}),
	}
}

func (m *Memory) UpdateIfNewer(_ context.Context, tick model.RealtimeTick) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[tick.StockCode]
	if ok && !tick.EventTime.After(current.eventTime) {
		return false, nil
	}

	snapshot := snapshotFromTick(tick)
	if ok {
		snapshot.MarketCap = current.snapshot.MarketCap
	}
	m.entries[tick.StockCode] = memoryEntry{snapshot: snapshot, eventTime: tick.EventTime}
	m.dirty[tick.StockCode] = struct{}{}
	return true, nil
}

func (m *Memory) GetSnapshot(_ context.Context, stockCode string) (*model.StockPriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[stockCode]
	if !ok {
		return nil, nil
	}
	snapshot := entry.snapshot
	return &snapshot, nil
}

func (m *Memory) GetSnapshots(_ context.Context, stockCodes []string) (map[string]*model.StockPriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[string]*model.StockPriceSnapshot, len(stockCodes))
	for _, code := range stockCodes {
		if entry, ok := m.entries[code]; ok {
			snapshot := entry.snapshot
			results[code] = &snapshot
		}
	}
	return results, nil
}

func (m *Memory) DrainDirty(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.dirty) == 0 {
		return nil, nil
	}
	codes := make([]string, 0, len(m.dirty))
	for code := range m.dirty {
		codes = append(codes, code)
	}
	m.dirty = make(map[string]struct{})
	return codes, nil
}

func (m *Memory) WarmUp(_ context.Context, snapshots []model.StockPriceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snapshot := range snapshots {
		current, ok := m.entries[snapshot.StockCode]
		if ok && !snapshot.UpdatedAt.After(current.eventTime) {
			continue
		}
		m.entries[snapshot.StockCode] = memoryEntry{
			snapshot:  snapshot,
			eventTime: snapshot.UpdatedAt,
		}
	}
	return nil
}
