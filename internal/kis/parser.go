package kis

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketflow/internal/model"
)

// TrIDTrade is the KIS transaction id for real-time trade executions.
const TrIDTrade = "H0STCNT0"

const (
	fieldSeparator  = "^"
	headerSeparator = "|"

	// H0STCNT0 trade payload field offsets.
	idxStockCode         = 0
	idxTradeTime         = 1
	idxCurrentPrice      = 2
	idxChangeRate        = 5
	idxVolume            = 9
	idxAccumulatedVolume = 12
	idxTradingValue      = 14
	minTradeFields       = 15

	tradeTimeLayout = "150405"
)

// Message is the decoded form of one raw frame from the KIS WebSocket.
// Exactly one of the concrete types below is produced per frame.
type Message interface {
	isMessage()
}

// Trade carries a decoded tick from a data frame.
type Trade struct {
	Tick model.RealtimeTick
}

// Heartbeat is a PINGPONG keep-alive frame. The raw payload must be echoed
// back verbatim on the outbound side of the socket.
type Heartbeat struct {
	Raw string
}

// SubscriptionResponse is the exchange's answer to a subscribe or
// unsubscribe request.
type SubscriptionResponse struct {
	TrID      string
	StockCode string
	Success   bool
}

// Unknown is everything the parser cannot decode. Corrupt frames degrade to
// Unknown instead of failing.
type Unknown struct {
	Raw string
}

func (Trade) isMessage()                {}
func (Heartbeat) isMessage()            {}
func (SubscriptionResponse) isMessage() {}
func (Unknown) isMessage()              {}

type controlFrame struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body struct {
		RtCd  string `json:"rt_cd"`
		MsgCd string `json:"msg_cd"`
	} `json:"body"`
}

// successCodes is the whitelist of acknowledgement codes treated as a
// successful (un)subscribe. Anything else is a failure.
var successCodes = map[string]struct{}{
	"OPSP0000": {},
	"OPSP0001": {},
}

// Parse decodes one raw inbound frame. now is stamped as the tick's event
// time so the function stays deterministic for a given input pair.
func Parse(raw string, now time.Time) Message {
	if strings.TrimSpace(raw) == "" {
		return Unknown{Raw: raw}
	}

	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return parseControlFrame(raw)
	}

	return parseDataFrame(raw, now)
}

func parseControlFrame(raw string) Message {
	if strings.Contains(raw, "PINGPONG") {
		return Heartbeat{Raw: raw}
	}

	var frame controlFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		return Unknown{Raw: raw}
	}
	if frame.Header.TrID == "" {
		return Unknown{Raw: raw}
	}

	_, ok := successCodes[frame.Body.MsgCd]
	return SubscriptionResponse{
		TrID:      frame.Header.TrID,
		StockCode: frame.Header.TrKey,
		Success:   ok,
	}
}

// parseDataFrame handles frames shaped encrypted|trId|count|fieldData.
func parseDataFrame(raw string, now time.Time) Message {
	headerParts := strings.Split(raw, headerSeparator)
	if len(headerParts) < 4 {
		return Unknown{Raw: raw}
	}

	trID := headerParts[1]
	dataBody := headerParts[3]

	if trID != TrIDTrade {
		return Unknown{Raw: raw}
	}

	return parseTradeData(dataBody, now)
}

func parseTradeData(dataBody string, now time.Time) Message {
	fields := strings.Split(dataBody, fieldSeparator)
	if len(fields) <= minTradeFields {
		return Unknown{Raw: dataBody}
	}

	tradeTime, err := time.Parse(tradeTimeLayout, fields[idxTradeTime])
	if err != nil {
		return Unknown{Raw: dataBody}
	}
	currentPrice, err := strconv.ParseInt(fields[idxCurrentPrice], 10, 64)
	if err != nil {
		return Unknown{Raw: dataBody}
	}
	changeRate, err := decimal.NewFromString(fields[idxChangeRate])
	if err != nil {
		return Unknown{Raw: dataBody}
	}
	volume, err := strconv.ParseInt(fields[idxVolume], 10, 64)
	if err != nil {
		return Unknown{Raw: dataBody}
	}
	accumulatedVolume, err := strconv.ParseInt(fields[idxAccumulatedVolume], 10, 64)
	if err != nil {
		return Unknown{Raw: dataBody}
	}
	tradingValue, err := strconv.ParseInt(fields[idxTradingValue], 10, 64)
	if err != nil {
		return Unknown{Raw: dataBody}
	}

	return Trade{Tick: model.RealtimeTick{
		StockCode:         fields[idxStockCode],
		CurrentPrice:      currentPrice,
		ChangeRate:        changeRate,
		Volume:            volume,
		AccumulatedVolume: accumulatedVolume,
		TradingValue:      tradingValue,
		TradeTime:         tradeTime,
		EventTime:         now,
		TickType:          model.TickTypeTrade,
	}}
}
