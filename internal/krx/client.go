package krx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketflow/config"
	"marketflow/internal/model"
	"marketflow/internal/retry"
	"marketflow/internal/store"
	"marketflow/logger"
)

const (
	endpointKospi  = "/svc/apis/sto/stk_isu_base_info"
	endpointKosdaq = "/svc/apis/sto/ksq_isu_base_info"

	MarketKospi  = "KOSPI"
	MarketKosdaq = "KOSDAQ"
)

// Client fetches the listed-instrument master from the KRX data API.
type Client struct {
	cfg        config.KrxConfig
	retryOpts  retry.Options
	httpClient *http.Client
	log        *logger.Log
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg.Krx,
		retryOpts: retry.Options{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.BackoffMultiplier,
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.GetLogger(),
	}
}

type issueResponse struct {
	OutBlock []issue `json:"OutBlock_1"`
}

type issue struct {
	ShortCode string `json:"ISU_SRT_CD"`
	Name      string `json:"ISU_ABBRV"`
}

// FetchStocks returns the instrument master for both markets.
func (c *Client) FetchStocks(ctx context.Context) ([]model.Stock, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("krx api key not configured")
	}

	now := time.Now()
	var stocks []model.Stock
	for market, endpoint := range map[string]string{
		MarketKospi:  endpointKospi,
		MarketKosdaq: endpointKosdaq,
	} {
		issues, err := c.fetchMarket(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("fetch %s master: %w", market, err)
		}
		for _, iss := range issues {
			code := strings.TrimSpace(iss.ShortCode)
			if code == "" {
				continue
			}
			stocks = append(stocks, model.Stock{
				StockCode: code,
				StockName: strings.TrimSpace(iss.Name),
				Market:    market,
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}
	return stocks, nil
}

func (c *Client) fetchMarket(ctx context.Context, endpoint string) ([]issue, error) {
	return retry.Do(ctx, c.retryOpts, func(ctx context.Context) ([]issue, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("AUTH_KEY", c.cfg.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("krx responded with status %d", resp.StatusCode)
		}

		var body issueResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode issue response: %w", err)
		}
		return body.OutBlock, nil
	})
}

// Sync refreshes the stored instrument master. Used at startup and from
// scheduled maintenance.
func (c *Client) Sync(ctx context.Context, stocks store.StockStore) (int, error) {
	fetched, err := c.FetchStocks(ctx)
	if err != nil {
		return 0, err
	}
	if err := stocks.UpsertStocks(ctx, fetched); err != nil {
		return 0, err
	}
	c.log.WithComponent("krx_client").WithFields(logger.Fields{
		"count": len(fetched),
	}).Info("instrument master synced")
	return len(fetched), nil
}

// GuessMarket is a last-resort heuristic for codes missing from the master
// data. KOSPI main-board codes conventionally end in zero. Callers should
// prefer the stored master; this exists so a fresh deployment without a KRX
// key still labels instruments somehow.
func GuessMarket(stockCode string) string {
	if strings.HasSuffix(stockCode, "0") {
		return MarketKospi
	}
	return MarketKosdaq
}
