package kis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"marketflow/config"
	"marketflow/internal/model"
	"marketflow/logger"
)

const (
	endpointInquirePrice = "/uapi/domestic-stock/v1/quotations/inquire-price"
	trIDInquirePrice     = "FHKST01010100"

	marketDivisionStock = "J"

	// hts_avls is quoted in hundred million won.
	marketCapUnit = 100_000_000
)

// Client calls the KIS quotation REST API. Requests are rate limited because
// the exchange throttles per app key.
type Client struct {
	cfg        config.KisConfig
	httpClient *http.Client
	tokens     *TokenManager
	limiter    *rate.Limiter
	log        *logger.Log
}

func NewClient(cfg *config.Config, tokens *TokenManager) *Client {
	return &Client{
		cfg:        cfg.Kis,
		httpClient: newHTTPClient(cfg.Kis),
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Kis.RequestsPerSecond), 1),
		log:        logger.GetLogger(),
	}
}

type priceResponse struct {
	RtCd   string `json:"rt_cd"`
	MsgCd  string `json:"msg_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		StckPrpr   string `json:"stck_prpr"`
		PrdyCtrt   string `json:"prdy_ctrt"`
		AcmlVol    string `json:"acml_vol"`
		HtsAvls    string `json:"hts_avls"`
		AcmlTrPbmn string `json:"acml_tr_pbmn"`
	} `json:"output"`
}

// CurrentPrice fetches the latest quote for one stock code. On an auth
// rejection the cached token is dropped and the call retried once with a
// fresh one.
func (c *Client) CurrentPrice(ctx context.Context, stockCode string) (*model.StockPriceSnapshot, error) {
	snapshot, err := c.fetchPrice(ctx, stockCode)
	if errors.Is(err, ErrAuth) {
		c.tokens.Invalidate()
		snapshot, err = c.fetchPrice(ctx, stockCode)
	}
	return snapshot, err
}

// LatestPrices fetches quotes for many codes, tolerating per-code failures.
// The returned map only contains codes that resolved.
func (c *Client) LatestPrices(ctx context.Context, stockCodes []string) map[string]*model.StockPriceSnapshot {
	log := c.log.WithComponent("kis_client")
	results := make(map[string]*model.StockPriceSnapshot, len(stockCodes))
	for _, code := range stockCodes {
		snapshot, err := c.CurrentPrice(ctx, code)
		if err != nil {
			log.WithFields(logger.Fields{"stock_code": code}).WithError(err).Warn("price lookup failed")
			continue
		}
		results[code] = snapshot
	}
	return results
}

func (c *Client) fetchPrice(ctx context.Context, stockCode string) (*model.StockPriceSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+endpointInquirePrice, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("fid_cond_mrkt_div_code", marketDivisionStock)
	q.Set("fid_input_iscd", stockCode)
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	req.Header.Set("tr_id", trIDInquirePrice)
	req.Header.Set("custtype", "P")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}
	if body.RtCd != "0" {
		return nil, fmt.Errorf("%w: rt_cd=%s msg_cd=%s msg=%s", ErrAPI, body.RtCd, body.MsgCd, body.Msg1)
	}

	return buildSnapshot(stockCode, body)
}

func buildSnapshot(stockCode string, body priceResponse) (*model.StockPriceSnapshot, error) {
	currentPrice, err := strconv.ParseInt(body.Output.StckPrpr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse current price %q: %w", body.Output.StckPrpr, err)
	}

	snapshot := &model.StockPriceSnapshot{
		StockCode:    stockCode,
		CurrentPrice: currentPrice,
		UpdatedAt:    time.Now(),
	}

	if changeRate, err := decimal.NewFromString(body.Output.PrdyCtrt); err == nil {
		snapshot.ChangeRate = &changeRate
	}
	if volume, err := strconv.ParseInt(body.Output.AcmlVol, 10, 64); err == nil {
		snapshot.Volume = volume
	}
	if avls, err := strconv.ParseInt(body.Output.HtsAvls, 10, 64); err == nil {
		marketCap := avls * marketCapUnit
		snapshot.MarketCap = &marketCap
	}
	if value, err := strconv.ParseInt(body.Output.AcmlTrPbmn, 10, 64); err == nil {
		snapshot.TradingValue = value
	}

	return snapshot, nil
}
