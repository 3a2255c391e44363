package kis

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"marketflow/config"
	"marketflow/internal/retry"
	"marketflow/logger"
)

// ApprovalKeyManager owns the WebSocket approval key. Same single-flight
// shape as the token manager, but the key has no expiry: it is invalidated
// explicitly on reconnect because the exchange allows one active key.
type ApprovalKeyManager struct {
	cfg        config.KisConfig
	retryOpts  retry.Options
	httpClient *http.Client
	log        *logger.Log

	mu      sync.Mutex
	current atomic.Pointer[string]
}

func NewApprovalKeyManager(cfg *config.Config) *ApprovalKeyManager {
	return &ApprovalKeyManager{
		cfg: cfg.Kis,
		retryOpts: retry.Options{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.BackoffMultiplier,
		},
		httpClient: newHTTPClient(cfg.Kis),
		log:        logger.GetLogger(),
	}
}

// ApprovalKey returns the cached key, fetching it once under concurrent
// demand.
func (m *ApprovalKeyManager) ApprovalKey(ctx context.Context) (string, error) {
	if key := m.current.Load(); key != nil {
		return *key, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if key := m.current.Load(); key != nil {
		return *key, nil
	}

	return m.fetch(ctx)
}

// Invalidate drops the cached key so the next caller fetches a fresh one.
func (m *ApprovalKeyManager) Invalidate() {
	m.current.Store(nil)
	m.log.WithComponent("approval_manager").Info("approval key invalidated")
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// fetch retrieves a new approval key. Callers must hold m.mu.
func (m *ApprovalKeyManager) fetch(ctx context.Context) (string, error) {
	log := m.log.WithComponent("approval_manager")
	log.Info("fetching websocket approval key")

	resp, err := retry.Do(ctx, m.retryOpts, func(ctx context.Context) (approvalResponse, error) {
		var out approvalResponse
		err := postJSON(ctx, m.httpClient, m.cfg.BaseURL+endpointApproval, map[string]string{
			"grant_type": grantTypeClientCredentials,
			"appkey":     m.cfg.AppKey,
			"secretkey":  m.cfg.AppSecret,
		}, &out)
		return out, err
	})
	if err != nil {
		return "", err
	}

	key := resp.ApprovalKey
	m.current.Store(&key)
	log.Info("websocket approval key obtained")
	return key, nil
}
