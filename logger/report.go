package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	ticksReceived    int64
	ticksPublished   int64
	ticksConsumed    int64
	cacheUpdates     int64
	cacheRejects     int64
	snapshotsFlushed int64
	archiveWrites    int64
	components       sync.Map // map[string]*componentStat
)

func recordWarn(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).warns, 1)
}

func recordError(component string) {
	v, _ := components.LoadOrStore(component, &componentStat{})
	atomic.AddInt64(&v.(*componentStat).errors, 1)
}

// IncrementTickReceived counts ticks decoded from the exchange socket.
func IncrementTickReceived() { atomic.AddInt64(&ticksReceived, 1) }

// IncrementTickPublished counts ticks written to the durable log.
func IncrementTickPublished() { atomic.AddInt64(&ticksPublished, 1) }

// IncrementTickConsumed counts ticks read back from the durable log.
func IncrementTickConsumed() { atomic.AddInt64(&ticksConsumed, 1) }

// IncrementCacheUpdate counts snapshot cache writes that won the
// newest-wins comparison; IncrementCacheReject counts the losers.
func IncrementCacheUpdate() { atomic.AddInt64(&cacheUpdates, 1) }
func IncrementCacheReject() { atomic.AddInt64(&cacheRejects, 1) }

// IncrementSnapshotsFlushed counts snapshots upserted into durable storage.
func IncrementSnapshotsFlushed(n int) { atomic.AddInt64(&snapshotsFlushed, int64(n)) }

// IncrementArchiveWrite counts tick batches archived to cold storage.
func IncrementArchiveWrite() { atomic.AddInt64(&archiveWrites, 1) }

// StartReport begins periodic logging of pipeline and system statistics,
// mirrored to CloudWatch when the client is initialised.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	fields := Fields{
		"ticks_received":    atomic.LoadInt64(&ticksReceived),
		"ticks_published":   atomic.LoadInt64(&ticksPublished),
		"ticks_consumed":    atomic.LoadInt64(&ticksConsumed),
		"cache_updates":     atomic.LoadInt64(&cacheUpdates),
		"cache_rejects":     atomic.LoadInt64(&cacheRejects),
		"snapshots_flushed": atomic.LoadInt64(&snapshotsFlushed),
		"archive_writes":    atomic.LoadInt64(&archiveWrites),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memMB,
		"components":        componentData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("TicksReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksReceived)))},
		{MetricName: aws.String("TicksPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksPublished)))},
		{MetricName: aws.String("TicksConsumed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ticksConsumed)))},
		{MetricName: aws.String("CacheUpdates"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cacheUpdates)))},
		{MetricName: aws.String("CacheRejects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cacheRejects)))},
		{MetricName: aws.String("SnapshotsFlushed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotsFlushed)))},
		{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&archiveWrites)))},
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
	}

	for name, stats := range componentData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ComponentWarns"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["warns"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ComponentErrors"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["errors"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
