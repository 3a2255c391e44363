package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockPriceSnapshot is the latest known aggregate state for one instrument.
// One logical row per stock code; written only by the newest-wins cache rule,
// the write-behind flusher or the startup warm-up.
type StockPriceSnapshot struct {
	StockCode    string           `json:"stockCode" gorm:"column:stock_code;primaryKey"`
	CurrentPrice int64            `json:"currentPrice" gorm:"column:current_price"`
	ChangeRate   *decimal.Decimal `json:"changeRate,omitempty" gorm:"column:change_rate"`
	Volume       int64            `json:"volume" gorm:"column:volume"`
	MarketCap    *int64           `json:"marketCap,omitempty" gorm:"column:market_cap"`
	TradingValue int64            `json:"tradingValue" gorm:"column:trading_value"`
	UpdatedAt    time.Time        `json:"updatedAt" gorm:"column:updated_at"`
}

func (StockPriceSnapshot) TableName() string { return "stock_price_snapshot" }
