package kis

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"marketflow/config"
	"marketflow/internal/retry"
	"marketflow/logger"
)

// Token is an access credential with its expiry instant. Tokens are replaced
// wholesale on refresh, never mutated.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// ExpiringSoon reports whether the token falls inside the pre-expiry
// refresh window.
func (t Token) ExpiringSoon(before time.Duration) bool {
	return time.Now().Add(before).After(t.ExpiresAt)
}

// TokenManager owns the KIS REST access token. Concurrent callers observe at
// most one in-flight refresh; a background timer refreshes ahead of expiry
// without waiting for a caller.
type TokenManager struct {
	cfg        config.KisConfig
	retryOpts  retry.Options
	httpClient *http.Client
	log        *logger.Log

	mu      sync.Mutex
	current atomic.Pointer[Token]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewTokenManager(cfg *config.Config) *TokenManager {
	return &TokenManager{
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

// Start launches the periodic self-check that refreshes the token before it
// expires, independent of caller demand.
func (m *TokenManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TokenCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAndRefresh(ctx)
			}
		}
	}()
}

// Stop cancels the background refresh loop and waits for it to exit.
func (m *TokenManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// AccessToken returns a token that is not expired at hand-out time,
// refreshing it first when absent or inside the pre-expiry window.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	if tok := m.current.Load(); tok != nil && !tok.ExpiringSoon(m.cfg.TokenRefreshBefore) {
		return tok.Value, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the lock: another caller may have
	// refreshed while we waited.
	if tok := m.current.Load(); tok != nil && !tok.ExpiringSoon(m.cfg.TokenRefreshBefore) {
		return tok.Value, nil
	}

	tok, err := m.refresh(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Invalidate clears the cached token, e.g. after a 401 from the exchange.
func (m *TokenManager) Invalidate() {
	m.current.Store(nil)
	m.log.WithComponent("token_manager").Info("access token invalidated")
}

func (m *TokenManager) checkAndRefresh(ctx context.Context) {
	tok := m.current.Load()
	if tok == nil || !tok.ExpiringSoon(m.cfg.TokenRefreshBefore) {
		return
	}

	m.log.WithComponent("token_manager").Info("scheduled token refresh triggered")
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.refresh(ctx); err != nil {
		m.log.WithComponent("token_manager").WithError(err).Error("scheduled token refresh failed")
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// refresh fetches a new token through the bounded retry helper.
// Callers must hold m.mu.
func (m *TokenManager) refresh(ctx context.Context) (Token, error) {
	log := m.log.WithComponent("token_manager")
	log.Info("refreshing access token")

	resp, err := retry.Do(ctx, m.retryOpts, func(ctx context.Context) (tokenResponse, error) {
		var out tokenResponse
		err := postJSON(ctx, m.httpClient, m.cfg.BaseURL+endpointToken, map[string]string{
			"grant_type": grantTypeClientCredentials,
			"appkey":     m.cfg.AppKey,
			"appsecret":  m.cfg.AppSecret,
		}, &out)
		return out, err
	})
	if err != nil {
		return Token{}, err
	}

	tok := Token{
		Value:     resp.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	m.current.Store(&tok)
	log.WithField("expires_at", tok.ExpiresAt).Info("access token refreshed")
	return tok, nil
}
