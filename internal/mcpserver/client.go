package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to the sybilguard admin API.
type Config struct {
	APIURL  string        // Base URL, e.g. "http://localhost:8080"
	APIKey  string        // Operator API key
	Timeout time.Duration // Per-request timeout; 30s when zero
}

// Client is a read-only HTTP client for the sybilguard admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new admin API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// get makes a GET request to the API and returns the response body.
func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetFingerprint returns a preview fingerprint report for a wallet. The
// server computes the score without storing it.
func (c *Client) GetFingerprint(ctx context.Context, address string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/scores/fingerprint/"+url.PathEscape(address), url.Values{"preview": {"true"}})
}

// GetWalletTier returns the effective tier and XP multiplier for a wallet.
func (c *Client) GetWalletTier(ctx context.Context, address string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/scores/wallet/"+url.PathEscape(address), nil)
}

// ListFlagged lists wallets at or above the clustering threshold.
func (c *Client) ListFlagged(ctx context.Context, publicOnly bool) (json.RawMessage, error) {
	q := url.Values{}
	if publicOnly {
		q.Set("public", "true")
	}
	return c.get(ctx, "/v1/scores/flagged", q)
}

// ListIPClusters lists IP hashes shared by at least minWallets wallets.
func (c *Client) ListIPClusters(ctx context.Context, minWallets int) (json.RawMessage, error) {
	return c.get(ctx, "/v1/scores/suspicious", minWalletsQuery(minWallets))
}

// ListDeviceClusters lists device tokens shared by at least minWallets wallets.
func (c *Client) ListDeviceClusters(ctx context.Context, minWallets int) (json.RawMessage, error) {
	return c.get(ctx, "/v1/scores/tokens", minWalletsQuery(minWallets))
}

// ListScores lists persisted scores, most recently updated first.
func (c *Client) ListScores(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/scores", q)
}

// ListAudit returns override audit entries, optionally for one wallet.
func (c *Client) ListAudit(ctx context.Context, address string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if address != "" {
		q.Set("address", address)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/scores/audit", q)
}

func minWalletsQuery(n int) url.Values {
	q := url.Values{}
	if n > 0 {
		q.Set("minWallets", strconv.Itoa(n))
	}
	return q
}
