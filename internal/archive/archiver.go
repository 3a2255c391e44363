package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "marketflow/config"
	"marketflow/internal/feed"
	"marketflow/internal/model"
	"marketflow/logger"
)

// tickRow is the parquet shape of one archived trade tick. Timestamps are
// unix microseconds.
type tickRow struct {
	StockCode         string `parquet:"name=stock_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	TickType          string `parquet:"name=tick_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	CurrentPrice      int64  `parquet:"name=current_price, type=INT64"`
	ChangeRate        string `parquet:"name=change_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume            int64  `parquet:"name=volume, type=INT64"`
	AccumulatedVolume int64  `parquet:"name=accumulated_volume, type=INT64"`
	TradingValue      int64  `parquet:"name=trading_value, type=INT64"`
	TradeTime         int64  `parquet:"name=trade_time, type=INT64"`
	EventTime         int64  `parquet:"name=event_time, type=INT64"`
}

func rowFromTick(tick model.RealtimeTick) tickRow {
	return tickRow{
		StockCode:         tick.StockCode,
		TickType:          string(tick.TickType),
		CurrentPrice:      tick.CurrentPrice,
		ChangeRate:        tick.ChangeRate.String(),
		Volume:            tick.Volume,
		AccumulatedVolume: tick.AccumulatedVolume,
		TradingValue:      tick.TradingValue,
		TradeTime:         tick.TradeTime.UnixMicro(),
		EventTime:         tick.EventTime.UnixMicro(),
	}
}

// Archiver batches every applied tick and writes snappy-compressed parquet
// objects to S3. Cold storage is strictly best effort; a failed upload loses
// that batch and the pipeline carries on.
type Archiver struct {
	cfg       appconfig.ArchiveConfig
	s3Client  *s3.Client
	broadcast *feed.Broadcast
	log       *logger.Log

	batch  []tickRow
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewArchiver(ctx context.Context, cfg *appconfig.Config, broadcast *feed.Broadcast) (*Archiver, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Archive.Region)}
	if cfg.Archive.AccessKeyID != "" && cfg.Archive.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Archive.AccessKeyID,
				cfg.Archive.SecretAccessKey,
				"",
			),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}

	return &Archiver{
		cfg:       cfg.Archive,
		s3Client:  s3.NewFromConfig(awsCfg),
		broadcast: broadcast,
		log:       logger.GetLogger(),
	}, nil
}

func (a *Archiver) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	ticks, unsubscribe := a.broadcast.Subscribe()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		a.collect(ctx, ticks)
	}()
}

func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Archiver) collect(ctx context.Context, ticks <-chan model.RealtimeTick) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush(context.Background())
			return
		case tick := <-ticks:
			a.batch = append(a.batch, rowFromTick(tick))
			if len(a.batch) >= a.cfg.BatchSize {
				a.flush(ctx)
			}
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

func (a *Archiver) flush(ctx context.Context) {
	if len(a.batch) == 0 {
		return
	}
	log := a.log.WithComponent("tick_archiver")

	rows := a.batch
	a.batch = nil

	payload, err := encodeParquet(rows)
	if err != nil {
		log.WithError(err).Error("parquet encode failed, batch dropped")
		return
	}

	key := a.objectKey(time.Now())
	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: awsv2.String(a.cfg.Bucket),
		Key:    awsv2.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"key":  key,
			"rows": len(rows),
		}).Error("s3 upload failed, batch dropped")
		return
	}

	logger.IncrementArchiveWrite()
	log.WithFields(logger.Fields{
		"key":   key,
		"rows":  len(rows),
		"bytes": len(payload),
	}).Debug("batch archived")
}

func (a *Archiver) objectKey(now time.Time) string {
	prefix := strings.TrimSuffix(a.cfg.Prefix, "/")
	if prefix == "" {
		prefix = "ticks"
	}
	return fmt.Sprintf("%s/%s/%s.parquet", prefix, now.Format("2006/01/02"), uuid.NewString())
}

func encodeParquet(rows []tickRow) ([]byte, error) {
	fw := buffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(tickRow), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		if err := pw.Write(rows[i]); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return fw.Bytes(), nil
}
