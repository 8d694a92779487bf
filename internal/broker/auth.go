// Package broker implements the KIS (Korea Investment & Securities) open-API
// REST client used for order management and market data:
//
//   - ApprovalKey:   POST /oauth2/Approval       — websocket session key
//   - AccessToken:   POST /oauth2/tokenP          — REST bearer token (cached)
//   - PlaceOrder:    POST .../order-cash          — limit buy/sell
//   - CancelOrder:   POST .../order-rvsecncl      — full-quantity cancel
//   - InquirePrice:  GET  .../inquire-price       — current quote + session flags
//   - DailyCharts:   GET  .../inquire-daily-itemchartprice
//   - rank reads:    GET  .../ranking/*           — intraday scan inputs
//   - Balance:       GET  .../inquire-balance     — cash + holdings valuation
//
// Every request is rate-limited through per-category token buckets and
// retried on 5xx. The broker rate-limits token issuance hard, so the bearer
// token is cached on disk and reused until near expiry.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"kis-daytrader/internal/config"
)

// tokens closer than this to expiry are reissued.
const tokenExpiryMargin = 10 * time.Minute

// Auth issues and caches the REST bearer token and the websocket approval key.
type Auth struct {
	cfg    config.KISConfig
	http   *resty.Client
	logger *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

type cachedToken struct {
	Token   string    `json:"access_token"`
	Expires time.Time `json:"expires_at"`
}

// NewAuth creates the credential provider. A previously cached token is
// loaded from disk when still valid.
func NewAuth(cfg config.KISConfig, logger *slog.Logger) *Auth {
	a := &Auth{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
		logger: logger.With("component", "auth"),
	}
	a.loadCachedToken()
	return a
}

// AccessToken returns a valid bearer token, reissuing only when the cached
// one is missing or about to expire.
func (a *Auth) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Until(a.expires) > tokenExpiryMargin {
		return a.token, nil
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     a.cfg.AppKey,
			"appsecret":  a.cfg.AppSecret,
		}).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("issue token: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("issue token: empty access_token in response")
	}

	a.token = result.AccessToken
	a.expires = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	a.saveCachedToken()
	a.logger.Info("access token issued", "expires", a.expires.Format(time.RFC3339))
	return a.token, nil
}

// ApprovalKey fetches a fresh websocket session key. The gateway calls this
// on every (re)connect; the broker does not rate-limit this endpoint the way
// it limits tokenP, so no caching.
func (a *Auth) ApprovalKey(ctx context.Context) (string, error) {
	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     a.cfg.AppKey,
			"secretkey":  a.cfg.AppSecret,
		}).
		SetResult(&result).
		Post("/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("approval key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("approval key: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.ApprovalKey == "" {
		return "", fmt.Errorf("approval key: empty approval_key in response")
	}
	return result.ApprovalKey, nil
}

// Invalidate drops the cached token so the next call reissues. Used when the
// broker rejects a request with an auth error mid-session.
func (a *Auth) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.expires = time.Time{}
	a.mu.Unlock()
}

func (a *Auth) loadCachedToken() {
	if a.cfg.TokenCachePath == "" {
		return
	}
	raw, err := os.ReadFile(a.cfg.TokenCachePath)
	if err != nil {
		return
	}
	var c cachedToken
	if err := json.Unmarshal(raw, &c); err != nil {
		return
	}
	if time.Until(c.Expires) > tokenExpiryMargin {
		a.token = c.Token
		a.expires = c.Expires
		a.logger.Info("reusing cached token", "expires", c.Expires.Format(time.RFC3339))
	}
}

// saveCachedToken writes atomically (tmp + rename) so a crash mid-write
// never leaves a corrupt cache. Failures only cost a reissue next start.
func (a *Auth) saveCachedToken() {
	if a.cfg.TokenCachePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.TokenCachePath), 0o755); err != nil {
		a.logger.Warn("token cache dir", "error", err)
		return
	}
	data, err := json.Marshal(cachedToken{Token: a.token, Expires: a.expires})
	if err != nil {
		return
	}
	tmp := a.cfg.TokenCachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		a.logger.Warn("token cache write", "error", err)
		return
	}
	if err := os.Rename(tmp, a.cfg.TokenCachePath); err != nil {
		a.logger.Warn("token cache rename", "error", err)
	}
}
