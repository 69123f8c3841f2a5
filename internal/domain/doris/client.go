package doris

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/crvs/deathform/internal/platform/cache"
	"github.com/crvs/deathform/internal/platform/metrics"
)

// ErrorCategory classifies a failed DORIS call.
type ErrorCategory string

const (
	ErrorTimeout        ErrorCategory = "timeout"
	ErrorBadData        ErrorCategory = "bad_data"
	ErrorAuthentication ErrorCategory = "authentication"
	ErrorRateLimited    ErrorCategory = "rate_limited"
	ErrorOutage         ErrorCategory = "outage"
)

// Error is a failed DORIS call. A failed call is never reported as an empty
// stem code.
type Error struct {
	Category   ErrorCategory
	StatusCode int
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("doris [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("doris [%s]: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Underlying }

// Response is the DORIS answer. StemCode is empty when no underlying cause
// could be selected; Warning then explains why.
type Response struct {
	StemCode string `json:"stemCode"`
	Report   string `json:"report"`
	Warning  string `json:"warning"`
}

// Config configures the DORIS client.
type Config struct {
	BaseURL    string
	APIVersion string
	Token      string
	Language   string
	Timeout    time.Duration
	CacheTTL   time.Duration
}

const maxBodyBytes = 1 << 20

// Client calls DORIS. Identical concurrent queries share one request and
// successful answers are cached for Config.CacheTTL.
type Client struct {
	cfg     Config
	http    *http.Client
	results cache.Results
	metrics *metrics.Metrics
	logger  zerolog.Logger
	group   singleflight.Group
}

// NewClient returns a client. results and m may be nil.
func NewClient(cfg Config, results cache.Results, m *metrics.Metrics, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v2"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		results: results,
		metrics: m,
		logger:  logger.With().Str("component", "doris").Logger(),
	}
}

// BaseURL is the endpoint queries are built against.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// Detect asks DORIS for the underlying cause of the certificate encoded in
// u. It returns an *Error when the call fails.
func (c *Client) Detect(ctx context.Context, u *url.URL) (*Response, error) {
	key := u.String()

	if resp, ok := c.cached(ctx, key); ok {
		c.metrics.ObserveDoris(metrics.OutcomeCached, 0)
		return resp, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		start := time.Now()
		resp, err := c.fetch(context.WithoutCancel(ctx), key)
		outcome := metrics.OutcomeStem
		switch {
		case err != nil:
			outcome = metrics.OutcomeError
		case resp.StemCode == "":
			outcome = metrics.OutcomeNoStem
		}
		c.metrics.ObserveDoris(outcome, time.Since(start))
		if err == nil {
			c.store(ctx, key, resp)
		}
		return resp, err
	})

	select {
	case <-ctx.Done():
		return nil, &Error{Category: ErrorTimeout, Message: "request cancelled", Underlying: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := *res.Val.(*Response)
		return &resp, nil
	}
}

func (c *Client) fetch(ctx context.Context, rawURL string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Category: ErrorBadData, Message: "build request", Underlying: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("API-Version", c.cfg.APIVersion)
	req.Header.Set("Accept-Language", c.cfg.Language)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Category: ErrorTimeout, Message: "request timed out", Underlying: err}
		}
		return nil, &Error{Category: ErrorOutage, Message: "request failed", Underlying: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Category: ErrorOutage, Message: "read response", Underlying: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Category: categoryForStatus(resp.StatusCode), StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &Error{Category: ErrorBadData, StatusCode: resp.StatusCode, Message: "decode response", Underlying: err}
	}
	return &out, nil
}

func categoryForStatus(code int) ErrorCategory {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorAuthentication
	case code == http.StatusTooManyRequests:
		return ErrorRateLimited
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return ErrorTimeout
	case code >= 500:
		return ErrorOutage
	}
	return ErrorBadData
}

func (c *Client) cached(ctx context.Context, key string) (*Response, bool) {
	if c.results == nil || c.cfg.CacheTTL <= 0 {
		return nil, false
	}
	b, ok, err := c.results.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Msg("read cached DORIS result")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *Client) store(ctx context.Context, key string, resp *Response) {
	if c.results == nil || c.cfg.CacheTTL <= 0 {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.results.Set(context.WithoutCancel(ctx), key, b, c.cfg.CacheTTL); err != nil {
		c.logger.Warn().Err(err).Msg("cache DORIS result")
	}
}
