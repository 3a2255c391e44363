package model

import "time"

// Stock is static reference data for a listed instrument.
type Stock struct {
	StockCode string    `json:"stockCode" gorm:"column:stock_code;primaryKey"`
	StockName string    `json:"stockName" gorm:"column:stock_name"`
	Market    string    `json:"market" gorm:"column:market"`
	IsActive  bool      `json:"isActive" gorm:"column:is_active"`
	CreatedAt time.Time `json:"createdAt" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"column:updated_at"`
}

func (Stock) TableName() string { return "stock" }
