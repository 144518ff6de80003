// Package appauth queries the external app registry, the authority on who
// owns an application and when it expires.
package appauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/driveback/internal/common"
)

// ErrAppNotFound signals that the registry has no record of the application.
var ErrAppNotFound = errors.New("application not found")

// AppSpecs is the registry's view of an application.
type AppSpecs struct {
	Owner  string `json:"owner"`
	Expire int64  `json:"expire"`
	Height int64  `json:"height"`
}

// ExpireHeight is the block height at which the app's current lease runs out.
func (s *AppSpecs) ExpireHeight() int64 {
	return s.Expire + s.Height
}

const ownerCacheTTL = 1 * time.Hour

type cachedOwner struct {
	owner   string
	expires time.Time
}

// Client talks to the registry's public JSON API. Resolved owners are cached
// for an hour, matching the registry's own session expiry.
type Client struct {
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	owners map[string]cachedOwner

	now func() time.Time
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		owners:  make(map[string]cachedOwner),
		now:     time.Now,
	}
}

type apiResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (c *Client) getJSON(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: registry: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: registry status %d", common.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: registry decode: %v", common.ErrUpstreamUnavailable, err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("%w: registry reported %q", common.ErrUpstreamUnavailable, body.Status)
	}
	return body.Data, nil
}

// GetAppSpecs returns the registry record for appname. A registry answer of
// "Application not found" maps to ErrAppNotFound; transport failures map to
// common.ErrUpstreamUnavailable.
func (c *Client) GetAppSpecs(ctx context.Context, appname string) (*AppSpecs, error) {
	if appname == "" {
		return nil, ErrAppNotFound
	}
	data, err := c.getJSON(ctx, "/apps/appspecifications/"+appname)
	if err != nil {
		return nil, err
	}

	// the registry answers a plain string for unknown apps
	var notFound string
	if err := json.Unmarshal(data, &notFound); err == nil {
		return nil, ErrAppNotFound
	}

	var specs AppSpecs
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("%w: registry specs decode: %v", common.ErrUpstreamUnavailable, err)
	}
	return &specs, nil
}

// GetAppExpireHeight returns the app's current lease end.
func (c *Client) GetAppExpireHeight(ctx context.Context, appname string) (int64, error) {
	specs, err := c.GetAppSpecs(ctx, appname)
	if err != nil {
		return 0, err
	}
	return specs.ExpireHeight(), nil
}

// VerifyOwner reports whether owner currently owns appname. Ownership is
// cached; a false answer from a stale cache entry heals on the next TTL
// rollover.
func (c *Client) VerifyOwner(ctx context.Context, owner, appname string) (bool, error) {
	c.mu.Lock()
	cached, ok := c.owners[appname]
	if ok && c.now().Before(cached.expires) {
		c.mu.Unlock()
		return cached.owner == owner, nil
	}
	c.mu.Unlock()

	specs, err := c.GetAppSpecs(ctx, appname)
	if errors.Is(err, ErrAppNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.owners[appname] = cachedOwner{owner: specs.Owner, expires: c.now().Add(ownerCacheTTL)}
	c.mu.Unlock()

	return specs.Owner == owner, nil
}

// VerifyLogin asks the registry's identity service to validate a signed
// login phrase. A rejected signature is reported as false, not as an error.
func (c *Client) VerifyLogin(ctx context.Context, zelid, signature, loginPhrase string) (bool, error) {
	payload, err := json.Marshal(map[string]string{
		"zelid":       zelid,
		"signature":   signature,
		"loginPhrase": loginPhrase,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/id/verifylogin", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: registry: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: registry status %d", common.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("%w: registry decode: %v", common.ErrUpstreamUnavailable, err)
	}
	return body.Status == "success", nil
}

// GetBlockHeight returns the registry chain's current block height.
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	data, err := c.getJSON(ctx, "/daemon/getblockcount")
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(data, &height); err != nil {
		return 0, fmt.Errorf("%w: block height decode: %v", common.ErrUpstreamUnavailable, err)
	}
	return height, nil
}
