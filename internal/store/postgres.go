package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"marketflow/config"
	"marketflow/internal/model"
)

// Postgres implements both stores on one gorm connection.
type Postgres struct {
	db *gorm.DB
}

// Open connects to the configured database. Query logging is off; the
// application logger carries the operational signal.
func Open(cfg *config.Config) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection, mainly for tests.
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertSnapshot inserts or updates one row. The conflict clause guards
// against stale writes: an update only lands when the incoming row is newer
// than the stored one. Market cap is kept when the incoming row lacks it.
func (p *Postgres) UpsertSnapshot(ctx context.Context, snapshot *model.StockPriceSnapshot) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stock_code"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"current_price": gorm.Expr("EXCLUDED.current_price"),
			"change_rate":   gorm.Expr("EXCLUDED.change_rate"),
			"volume":        gorm.Expr("EXCLUDED.volume"),
			"market_cap":    gorm.Expr("COALESCE(EXCLUDED.market_cap, stock_price_snapshot.market_cap)"),
			"trading_value": gorm.Expr("EXCLUDED.trading_value"),
			"updated_at":    gorm.Expr("EXCLUDED.updated_at"),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("stock_price_snapshot.updated_at < EXCLUDED.updated_at"),
		}},
	}).Create(snapshot).Error
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snapshot.StockCode, err)
	}
	return nil
}

func (p *Postgres) LoadSnapshots(ctx context.Context) ([]model.StockPriceSnapshot, error) {
	var snapshots []model.StockPriceSnapshot
	if err := p.db.WithContext(ctx).Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return snapshots, nil
}

func (p *Postgres) GetSnapshots(ctx context.Context, stockCodes []string) ([]model.StockPriceSnapshot, error) {
	if len(stockCodes) == 0 {
		return nil, nil
	}
	var snapshots []model.StockPriceSnapshot
	err := p.db.WithContext(ctx).
		Where("stock_code IN ?", stockCodes).
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	return snapshots, nil
}

func (p *Postgres) ListActiveStocks(ctx context.Context) ([]model.Stock, error) {
	var stocks []model.Stock
	err := p.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&stocks).Error
	if err != nil {
		return nil, fmt.Errorf("list active stocks: %w", err)
	}
	return stocks, nil
}

func (p *Postgres) GetStock(ctx context.Context, stockCode string) (*model.Stock, error) {
	var stock model.Stock
	err := p.db.WithContext(ctx).
		Where("stock_code = ?", stockCode).
		First(&stock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stock %s: %w", stockCode, err)
	}
	return &stock, nil
}

// UpsertStocks refreshes the instrument master in bulk after a KRX sync.
func (p *Postgres) UpsertStocks(ctx context.Context, stocks []model.Stock) error {
	if len(stocks) == 0 {
		return nil
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stock_code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"stock_name", "market", "is_active", "updated_at",
		}),
	}).Create(&stocks).Error
	if err != nil {
		return fmt.Errorf("upsert stocks: %w", err)
	}
	return nil
}
