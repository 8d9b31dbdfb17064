package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
)

// refreshThreshold matches §4.6/§8: "NeedsRefresh() returns true when
// fewer than 5 minutes remain."
const refreshThreshold = 5 * time.Minute

// DeviceCodeResponse is the issuer's response to a device-code request.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// TokenCache is the on-disk credential cache (§4.6, §5: chmod 0600).
type TokenCache struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *TokenCache) remaining() time.Duration {
	if c == nil {
		return 0
	}
	return time.Until(c.ExpiresAt)
}

func (c *TokenCache) valid() bool { return c != nil && c.remaining() > 0 }

// PresentUserCode is the external "present user code" signal (§9): the UX
// ceremony of showing the user code and verification URI belongs to a
// thin external collaborator, not the core.
type PresentUserCode func(ctx context.Context, resp DeviceCodeResponse)

// DeviceCode implements the OAuth device-code ceremony Authenticator
// strategy: request a device code, present it, poll for an access token,
// cache it on disk with expires_at. The polled access token is used as is;
// it is not exchanged for a separate service token.
type DeviceCode struct {
	ClientID        string
	DeviceCodeURL   string
	AccessTokenURL  string
	ExchangeURL     string // not consulted: no token exchange is performed
	CachePath       string
	Present         PresentUserCode
	HTTPClient      *http.Client

	mu    sync.Mutex
	cache *TokenCache
}

// NewDeviceCode builds a DeviceCode authenticator. cachePath defaults to
// ~/.agentcore/credentials/<clientID>.json when empty.
func NewDeviceCode(clientID, deviceCodeURL, accessTokenURL, cachePath string, present PresentUserCode) *DeviceCode {
	if cachePath == "" {
		home, _ := os.UserHomeDir()
		cachePath = filepath.Join(home, ".agentcore", "credentials", clientID+".json")
	}
	return &DeviceCode{
		ClientID:       clientID,
		DeviceCodeURL:  deviceCodeURL,
		AccessTokenURL: accessTokenURL,
		CachePath:      cachePath,
		Present:        present,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *DeviceCode) loadCache() *TokenCache {
	data, err := os.ReadFile(d.CachePath)
	if err != nil {
		return nil
	}
	var tc TokenCache
	if err := json.Unmarshal(data, &tc); err != nil {
		// Best-effort cache: delete-on-corrupt per §9.
		os.Remove(d.CachePath)
		return nil
	}
	return &tc
}

func (d *DeviceCode) saveCache(tc *TokenCache) error {
	data, err := json.Marshal(tc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.CachePath), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(d.CachePath, data, 0600); err != nil {
		return err
	}
	return os.Chmod(d.CachePath, 0600)
}

func (d *DeviceCode) currentCache() *TokenCache {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache == nil {
		d.cache = d.loadCache()
	}
	return d.cache
}

func (d *DeviceCode) AuthHeaders(ctx context.Context) (map[string]string, error) {
	tc := d.currentCache()
	if !tc.valid() {
		if err := d.Refresh(ctx); err != nil {
			return nil, err
		}
		tc = d.currentCache()
	}
	if !tc.valid() {
		return nil, fmt.Errorf("%w: device-code authentication incomplete", apperr.ErrAuth)
	}
	return map[string]string{"Authorization": "Bearer " + tc.Token}, nil
}

func (d *DeviceCode) NeedsRefresh(ctx context.Context) bool {
	tc := d.currentCache()
	return !tc.valid() || tc.remaining() < refreshThreshold
}

// Refresh re-runs the device-code ceremony. There is no silent refresh
// route once the cached token has expired (matching §4.6: "otherwise
// requires a fresh interactive ceremony"); this always performs the
// interactive flow when the cache is missing or expired.
func (d *DeviceCode) Refresh(ctx context.Context) error {
	resp, err := d.requestDeviceCode(ctx)
	if err != nil {
		return fmt.Errorf("%w: device code request failed: %v", apperr.ErrAuth, err)
	}
	if d.Present != nil {
		d.Present(ctx, *resp)
	}
	token, expiresIn, err := d.pollAccessToken(ctx, resp)
	if err != nil {
		return fmt.Errorf("%w: device code polling failed: %v", apperr.ErrAuth, err)
	}
	tc := &TokenCache{Token: token, ExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second)}
	if err := d.saveCache(tc); err != nil {
		return fmt.Errorf("%w: failed to persist token cache: %v", apperr.ErrInternal, err)
	}
	d.mu.Lock()
	d.cache = tc
	d.mu.Unlock()
	return nil
}

// Logout deletes the cached token and clears in-memory state.
func (d *DeviceCode) Logout() error {
	d.mu.Lock()
	d.cache = nil
	d.mu.Unlock()
	if err := os.Remove(d.CachePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *DeviceCode) requestDeviceCode(ctx context.Context) (*DeviceCodeResponse, error) {
	form := url.Values{"client_id": {d.ClientID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.DeviceCodeURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	res, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return nil, &httpStatusError{res.StatusCode, string(body)}
	}
	var out DeviceCodeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	if out.Interval == 0 {
		out.Interval = 5
	}
	return &out, nil
}

func (d *DeviceCode) pollAccessToken(ctx context.Context, dc *DeviceCodeResponse) (string, int, error) {
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	interval := time.Duration(dc.Interval) * time.Second
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(interval):
		}
		token, expiresIn, pending, err := d.tryExchange(ctx, dc.DeviceCode)
		if err != nil {
			return "", 0, err
		}
		if pending {
			continue
		}
		return token, expiresIn, nil
	}
	return "", 0, fmt.Errorf("device code expired before authorization completed")
}

func (d *DeviceCode) tryExchange(ctx context.Context, deviceCode string) (token string, expiresIn int, pending bool, err error) {
	form := url.Values{
		"client_id":   {d.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, d.AccessTokenURL, bytes.NewBufferString(form.Encode()))
	if rerr != nil {
		return "", 0, false, rerr
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	res, rerr := d.HTTPClient.Do(req)
	if rerr != nil {
		return "", 0, false, rerr
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if jerr := json.Unmarshal(body, &out); jerr != nil {
		return "", 0, false, jerr
	}
	if out.Error == "authorization_pending" || out.Error == "slow_down" {
		return "", 0, true, nil
	}
	if out.Error != "" {
		return "", 0, false, fmt.Errorf("device code exchange error: %s", out.Error)
	}
	if out.ExpiresIn == 0 {
		out.ExpiresIn = 3600
	}
	return out.AccessToken, out.ExpiresIn, false, nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("device code endpoint returned HTTP %d: %s", e.status, e.body)
}
