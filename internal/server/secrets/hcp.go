package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/driveback/internal/common"
)

const defaultHCPAPIBase = "https://api.cloud.hashicorp.com"

// HCPConfig carries the OAuth client credentials and the coordinates of the
// secrets app inside HCP Vault Secrets.
type HCPConfig struct {
	EndpointURL  string // token endpoint
	ClientID     string
	ClientSecret string
	OrgID        string
	ProjectID    string
	AppID        string

	// APIBase overrides the secrets API host, used in tests.
	APIBase string
}

// HCPProvider fetches secrets from HCP Vault Secrets. The access token and
// every fetched secret are cached after the first success, so collaborators
// can call Get on every request without hammering the vault.
type HCPProvider struct {
	cfg    HCPConfig
	client *http.Client

	mu      sync.Mutex
	token   string
	secrets map[string]string
}

func NewHCPProvider(cfg HCPConfig) *HCPProvider {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultHCPAPIBase
	}
	return &HCPProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		secrets: make(map[string]string),
	}
}

func (p *HCPProvider) ensureToken(ctx context.Context) (string, error) {
	if p.token != "" {
		return p.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"audience":      "https://api.hashicorp.cloud",
		"grant_type":    "client_credentials",
		"client_id":     p.cfg.ClientID,
		"client_secret": p.cfg.ClientSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token request status %d", common.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("%w: token decode: %v", common.ErrUpstreamUnavailable, err)
	}

	p.token = tokenResp.AccessToken
	return p.token, nil
}

// Get returns the secret value for key, fetching and caching it on first use.
func (p *HCPProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.secrets[key]; ok {
		return v, nil
	}

	token, err := p.ensureToken(ctx)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/secrets/2023-06-13/organizations/%s/projects/%s/apps/%s/open/%s",
		p.cfg.APIBase, p.cfg.OrgID, p.cfg.ProjectID, p.cfg.AppID, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: secret request: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: secret request status %d", common.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var secretResp struct {
		Secret struct {
			Version struct {
				Value string `json:"value"`
			} `json:"version"`
		} `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&secretResp); err != nil {
		return "", fmt.Errorf("%w: secret decode: %v", common.ErrUpstreamUnavailable, err)
	}

	p.secrets[key] = secretResp.Secret.Version.Value
	return p.secrets[key], nil
}
