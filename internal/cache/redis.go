package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"marketflow/internal/model"
	"marketflow/logger"
)

const (
	keyPrefix = "snapshot:"
	dirtyKey  = "snapshot:dirty"
)

// updateScript implements newest-wins compare-and-set in one round trip.
// Event times are compared as unix microseconds; ties lose so replays of the
// same tick are idempotent rejections.
var updateScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], 'eventTime')
if stored and tonumber(stored) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1],
  'currentPrice', ARGV[2],
  'changeRate', ARGV[3],
  'volume', ARGV[4],
  'tradingValue', ARGV[5],
  'updatedAt', ARGV[6],
  'eventTime', ARGV[1])
redis.call('SADD', KEYS[2], ARGV[7])
return 1
`)

// drainScript reads and clears the dirty set atomically so two flushers can
// never claim the same code.
var drainScript = redis.NewScript(`
local codes = redis.call('SMEMBERS', KEYS[1])
if #codes > 0 then
  redis.call('DEL', KEYS[1])
end
return codes
`)

// warmScript seeds a snapshot unless the cache already holds something newer.
// It never touches the dirty set.
var warmScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], 'eventTime')
if stored and tonumber(stored) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1],
  'currentPrice', ARGV[2],
  'changeRate', ARGV[3],
  'volume', ARGV[4],
  'marketCap', ARGV[5],
  'tradingValue', ARGV[6],
  'updatedAt', ARGV[7],
  'eventTime', ARGV[1])
return 1
`)

// Redis is the shared snapshot cache. All write paths go through Lua so the
// newest-wins rule holds across processes.
type Redis struct {
	client redis.UniversalClient
	log    *logger.Log
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, log: logger.GetLogger()}
}

func snapshotKey(stockCode string) string { return keyPrefix + stockCode }

func (r *Redis) UpdateIfNewer(ctx context.Context, tick model.RealtimeTick) (bool, error) {
	snapshot := snapshotFromTick(tick)
	res, err := updateScript.Run(ctx, r.client,
		[]string{snapshotKey(tick.StockCode), dirtyKey},
		tick.EventTime.UnixMicro(),
		snapshot.CurrentPrice,
		snapshot.ChangeRate.String(),
		snapshot.Volume,
		snapshot.TradingValue,
		snapshot.UpdatedAt.UnixMicro(),
		tick.StockCode,
	).Int()
	if err != nil {
		return false, fmt.Errorf("cache update for %s: %w", tick.StockCode, err)
	}
	return res == 1, nil
}

func (r *Redis) GetSnapshot(ctx context.Context, stockCode string) (*model.StockPriceSnapshot, error) {
	fields, err := r.client.HGetAll(ctx, snapshotKey(stockCode)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache read for %s: %w", stockCode, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeSnapshot(stockCode, fields)
}

func (r *Redis) GetSnapshots(ctx context.Context, stockCodes []string) (map[string]*model.StockPriceSnapshot, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(stockCodes))
	for _, code := range stockCodes {
		cmds[code] = pipe.HGetAll(ctx, snapshotKey(code))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("cache batch read: %w", err)
	}

	results := make(map[string]*model.StockPriceSnapshot, len(stockCodes))
	for code, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		snapshot, err := decodeSnapshot(code, fields)
		if err != nil {
			r.log.WithComponent("snapshot_cache").WithError(err).WithFields(logger.Fields{
				"stock_code": code,
			}).Warn("corrupt cache entry skipped")
			continue
		}
		results[code] = snapshot
	}
	return results, nil
}

func (r *Redis) DrainDirty(ctx context.Context) ([]string, error) {
	res, err := drainScript.Run(ctx, r.client, []string{dirtyKey}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("drain dirty set: %w", err)
	}
	return res, nil
}

func (r *Redis) WarmUp(ctx context.Context, snapshots []model.StockPriceSnapshot) error {
	for _, snapshot := range snapshots {
		changeRate := ""
		if snapshot.ChangeRate != nil {
			changeRate = snapshot.ChangeRate.String()
		}
		marketCap := ""
		if snapshot.MarketCap != nil {
			marketCap = strconv.FormatInt(*snapshot.MarketCap, 10)
		}
		err := warmScript.Run(ctx, r.client,
			[]string{snapshotKey(snapshot.StockCode)},
			snapshot.UpdatedAt.UnixMicro(),
			snapshot.CurrentPrice,
			changeRate,
			snapshot.Volume,
			marketCap,
			snapshot.TradingValue,
			snapshot.UpdatedAt.UnixMicro(),
		).Err()
		if err != nil {
			return fmt.Errorf("warm up %s: %w", snapshot.StockCode, err)
		}
	}
	return nil
}

func decodeSnapshot(stockCode string, fields map[string]string) (*model.StockPriceSnapshot, error) {
	currentPrice, err := strconv.ParseInt(fields["currentPrice"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse currentPrice %q: %w", fields["currentPrice"], err)
	}

	snapshot := &model.StockPriceSnapshot{
		StockCode:    stockCode,
		CurrentPrice: currentPrice,
	}

	if raw := fields["changeRate"]; raw != "" {
		if changeRate, err := decimal.NewFromString(raw); err == nil {
			snapshot.ChangeRate = &changeRate
		}
	}
	if volume, err := strconv.ParseInt(fields["volume"], 10, 64); err == nil {
		snapshot.Volume = volume
	}
	if raw := fields["marketCap"]; raw != "" {
		if marketCap, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snapshot.MarketCap = &marketCap
		}
	}
	if value, err := strconv.ParseInt(fields["tradingValue"], 10, 64); err == nil {
		snapshot.TradingValue = value
	}
	if micros, err := strconv.ParseInt(fields["updatedAt"], 10, 64); err == nil {
		snapshot.UpdatedAt = time.UnixMicro(micros)
	}

	return snapshot, nil
}
