// Package provider is a client for the API-Football v3 fixtures endpoints.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/livescore-pipeline/internal/domain"
	"github.com/livescore-pipeline/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://v3.football.api-sports.io"
	apiKeyHeader    = "x-apisports-key"
	maxResponseSize = 6 << 20

	// MaxIDsPerRequest is the most fixture ids one ids= lookup accepts
	MaxIDsPerRequest = 20
)

// Fixture is one provider fixture normalized to pipeline types
type Fixture struct {
	ProviderID  int64
	LeagueID    int64
	Season      int
	Round       string
	HomeTeamID  int64
	AwayTeamID  int64
	HomeTeam    string
	AwayTeam    string
	KickoffAt   time.Time
	ShortStatus string
	Status      domain.FixtureStatus
	Elapsed     *int
	HomeScore   *int
	AwayScore   *int
}

// ClientConfig configures a Client
type ClientConfig struct {
	HTTPClient        *http.Client
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	RequestsPerSecond float64
	Metrics           *metrics.Manager
	Logger            *slog.Logger
}

// Client fetches fixtures from the provider
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	maxRetries   int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	metrics      *metrics.Manager
	logger       *slog.Logger
}

// NewClient creates a provider client
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if httpClient.Timeout <= 0 {
		httpClient.Timeout = 20 * time.Second
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		maxRetries:   max(cfg.MaxRetries, 0),
		retryBackoff: backoff,
		limiter:      rate.NewLimiter(limit, 1),
		metrics:      cfg.Metrics,
		logger:       logger,
	}
}

// LiveFixtures returns every fixture the provider currently reports as in play
func (c *Client) LiveFixtures(ctx context.Context) ([]Fixture, error) {
	var envelope fixturesEnvelope
	if err := c.doJSON(ctx, "live", "/fixtures", url.Values{"live": {"all"}}, &envelope); err != nil {
		return nil, fmt.Errorf("fetch live fixtures: %w", err)
	}
	return envelope.normalize(), nil
}

// FixturesByDate returns every fixture scheduled on the calendar day of date
func (c *Client) FixturesByDate(ctx context.Context, date time.Time) ([]Fixture, error) {
	day := date.Format(time.DateOnly)
	var envelope fixturesEnvelope
	if err := c.doJSON(ctx, "date", "/fixtures", url.Values{"date": {day}}, &envelope); err != nil {
		return nil, fmt.Errorf("fetch fixtures date=%s: %w", day, err)
	}
	return envelope.normalize(), nil
}

// FixturesByIDs returns the current state of specific fixtures, at most MaxIDsPerRequest per call
func (c *Client) FixturesByIDs(ctx context.Context, providerIDs []int64) ([]Fixture, error) {
	if len(providerIDs) == 0 {
		return nil, nil
	}
	if len(providerIDs) > MaxIDsPerRequest {
		return nil, fmt.Errorf("fetch fixtures by id: %d ids exceeds %d", len(providerIDs), MaxIDsPerRequest)
	}
	ids := make([]string, len(providerIDs))
	for i, id := range providerIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	var envelope fixturesEnvelope
	if err := c.doJSON(ctx, "ids", "/fixtures", url.Values{"ids": {strings.Join(ids, "-")}}, &envelope); err != nil {
		return nil, fmt.Errorf("fetch fixtures by id: %w", err)
	}
	return envelope.normalize(), nil
}

func (c *Client) doJSON(ctx context.Context, endpoint, path string, query url.Values, target *fixturesEnvelope) error {
	fullURL := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	start := time.Now()
	raw, err := c.executeRequest(ctx, fullURL)
	c.metrics.RecordProviderRequest(endpoint, time.Since(start), err)
	if err != nil {
		return err
	}

	if err := sonic.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: decode provider payload: %v", domain.ErrProviderFailure, err)
	}
	if msg := target.errorMessage(); msg != "" {
		return fmt.Errorf("%w: provider reported errors: %s", domain.ErrProviderFailure, c.redact(msg))
	}
	return nil
}

func (c *Client) executeRequest(ctx context.Context, fullURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: waiting for request slot: %v", domain.ErrProviderFailure, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("accept", "application/json")
		req.Header.Set(apiKeyHeader, c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: send request: %s", domain.ErrProviderFailure, c.redact(err.Error()))
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
			_ = resp.Body.Close()
			switch {
			case readErr != nil:
				lastErr = fmt.Errorf("%w: read response body: %v", domain.ErrProviderFailure, readErr)
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return raw, nil
			default:
				lastErr = fmt.Errorf("%w: provider status=%d body=%s", domain.ErrProviderFailure, resp.StatusCode, abbreviate(c.redact(string(raw))))
				if !isRetryableStatus(resp.StatusCode) {
					return nil, lastErr
				}
			}
		}

		if attempt == c.maxRetries {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * c.retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderFailure, ctx.Err())
		case <-timer.C:
		}
	}

	c.logger.WarnContext(ctx, "provider request failed", "url", fullURL, "error", lastErr)
	return nil, lastErr
}

func (c *Client) redact(value string) string {
	if c.apiKey == "" {
		return value
	}
	return strings.ReplaceAll(value, c.apiKey, "REDACTED")
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func abbreviate(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 256 {
		return body[:256] + "..."
	}
	return body
}
