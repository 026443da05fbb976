package identity

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

	"github.com/mbd888/sybilguard/internal/circuitbreaker"
	"github.com/mbd888/sybilguard/internal/metrics"
	"github.com/mbd888/sybilguard/internal/retry"
)

// HTTPConfig configures the HTTP identity provider.
type HTTPConfig struct {
	BaseURL     string        // e.g. "http://identity:8081"
	APIKey      string        // optional bearer token
	Timeout     time.Duration // per attempt
	MaxAttempts int
	BaseDelay   time.Duration
}

// HTTPProvider queries a remote identity service at GET {base}/v1/identity/{wallet}.
type HTTPProvider struct {
	cfg        HTTPConfig
	httpClient *http.Client
	policy     retry.Policy
	breaker    *circuitbreaker.Breaker
}

// NewHTTPProvider creates an HTTP-backed identity provider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.Timeout,
		},
		breaker: circuitbreaker.New("identity", circuitbreaker.Config{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		}),
	}
}

func (p *HTTPProvider) Lookup(ctx context.Context, wallet string) (*Status, error) {
	if err := p.breaker.Allow(); err != nil {
		metrics.IdentityLookupsTotal.WithLabelValues("circuit_open").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var st *Status
	err := p.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		st, err = p.fetch(ctx, wallet)
		return err
	})
	if err != nil {
		// A 4xx answer means the service is up; only outages trip the circuit.
		if retry.IsPermanent(err) {
			p.breaker.Success()
		} else {
			p.breaker.Failure()
		}
		metrics.IdentityLookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	p.breaker.Success()
	metrics.IdentityLookupsTotal.WithLabelValues("ok").Inc()
	return st, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, wallet string) (*Status, error) {
	u := p.cfg.BaseURL + "/v1/identity/" + url.PathEscape(strings.ToLower(wallet))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &Status{}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("identity service returned %d", resp.StatusCode)
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return nil, retry.After(err, d)
		}
		return nil, err
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("identity service returned %d", resp.StatusCode))
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return &st, nil
}

// CircuitState reports the breaker state guarding the identity service.
func (p *HTTPProvider) CircuitState() circuitbreaker.State {
	return p.breaker.State()
}

// retryAfter parses the delta-seconds form of a Retry-After header.
func retryAfter(v string) (time.Duration, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
