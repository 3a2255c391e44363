package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickType distinguishes trade executions from order book events.
type TickType string

const (
	TickTypeTrade     TickType = "TRADE"
	TickTypeOrderbook TickType = "ORDERBOOK"
)

// RealtimeTick is one decoded real-time event from the exchange feed.
// It is produced once per inbound message and never mutated afterwards.
type RealtimeTick struct {
	StockCode         string          `json:"stockCode"`
	CurrentPrice      int64           `json:"currentPrice"`
	ChangeRate        decimal.Decimal `json:"changeRate"`
	Volume            int64           `json:"volume"`
	AccumulatedVolume int64           `json:"accumulatedVolume"`
	TradingValue      int64           `json:"tradingValue"`
	TradeTime         time.Time       `json:"tradeTime"`
	EventTime         time.Time       `json:"eventTime"`
	TickType          TickType        `json:"tickType"`
}
