package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"marketflow/config"
)

// ErrAuth marks responses that indicate an expired or rejected credential.
// Callers invalidate the cached credential and let the retry loop refetch.
var ErrAuth = errors.New("kis: authentication rejected")

// ErrAPI marks a response the exchange itself flagged as unsuccessful.
var ErrAPI = errors.New("kis: api error")

const (
	grantTypeClientCredentials = "client_credentials"

	endpointToken    = "/oauth2/tokenP"
	endpointApproval = "/oauth2/Approval"
)

// newHTTPClient builds the shared client for KIS REST calls. The dialer
// carries the connect timeout, the client the overall response timeout.
func newHTTPClient(cfg config.KisConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 4,
		},
		Timeout: cfg.ResponseTimeout,
	}
}

// postJSON posts a JSON body and decodes a JSON response into out.
func postJSON(ctx context.Context, client *http.Client, url string, body map[string]string, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
