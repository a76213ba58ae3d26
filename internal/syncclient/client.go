// Package syncclient talks to the Sync Endpoint on behalf of the mutation
// call site, the background worker and the cache fetcher.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxRetries bounds the 429 retries of a single call
	DefaultMaxRetries = 3

	// DefaultBackoff is the first wait after a 429 without Retry-After
	DefaultBackoff = 1 * time.Second

	// DefaultPageSize is the limit used when walking a collection
	DefaultPageSize = 500
)

// Options configures a Client
type Options struct {
	BaseURL    string
	Token      string        // bearer token; empty selects dev mode
	DebugSub   string        // X-Debug-Sub subject in dev mode
	Timeout    time.Duration // per attempt (default 30s)
	MaxRetries int           // 429 retries (default 3)
	PageSize   int           // list page size (default 500)
}

// Client wraps http.Client with authentication and rate-limit handling.
// Automatically injects:
// - Authorization: Bearer <token> (production) OR X-Debug-Sub (dev mode)
// - X-Correlation-ID: <uuid>
//
// 429 responses are retried after Retry-After, or an exponential backoff when
// the header is missing. Every other status is returned to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	debugSub   string
	maxRetries int
	pageSize   int
	backoff    time.Duration
}

// New creates a Client for the endpoint at opts.BaseURL
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		token:      opts.Token,
		debugSub:   opts.DebugSub,
		maxRetries: opts.MaxRetries,
		pageSize:   opts.PageSize,
		backoff:    DefaultBackoff,
	}
}

// Apply sends one write to POST /v1/sync/apply.
//
// Failures are classified for the caller:
// - the request never got a response: *syncx.OfflineError
// - 408, 429, 401 and 5xx: *syncx.ApplyError with Retryable set
// - any other 4xx: *syncx.ApplyError, terminal
//
// A cancelled ctx is returned as is so shutdown is not mistaken for an outage.
func (c *Client) Apply(ctx context.Context, item syncx.WireItem) (*syncx.Record, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncx.ErrInvalidItem, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sync/apply", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, c.transportError(ctx, "apply", err)
	}
	defer resp.Body.Close()

	var env syncx.ApplyResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode == http.StatusOK && decodeErr == nil && env.Success && env.Record != nil {
		return env.Record, nil
	}
	return nil, applyError(resp, env, decodeErr)
}

// Fetch walks every page of a collection and returns the live records in
// their flattened form. It satisfies cache.Fetcher.
func (c *Client) Fetch(ctx context.Context, collection string) ([]map[string]any, error) {
	out := []map[string]any{}
	cursor := ""

	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		endpoint := c.baseURL + "/v1/collections/" + url.PathEscape(collection) + "?" + q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build list request: %w", err)
		}

		resp, err := c.Do(ctx, req)
		if err != nil {
			return nil, c.transportError(ctx, "fetch "+collection, err)
		}

		var page syncx.ListResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, applyError(resp, syncx.ApplyResponse{}, decodeErr)
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode %s page: %w", collection, decodeErr)
		}

		for _, rec := range page.Items {
			out = append(out, rec.Flatten())
		}

		if page.NextCursor == nil || *page.NextCursor == "" || *page.NextCursor == cursor {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

// Ping checks GET /healthz. It satisfies connectivity.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, "ping", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

// Do executes an HTTP request with auth headers and 429 handling
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	correlationID := uuid.New().String()

	logger := log.With().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("correlationId", correlationID).
		Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 0; ; attempt++ {
		reqClone, err := cloneRequest(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to clone request: %w", err)
		}
		c.injectHeaders(reqClone, correlationID, &logger)

		start := time.Now()
		resp, err := c.httpClient.Do(reqClone)
		duration := time.Since(start)

		if err != nil {
			logger.Warn().Err(err).Dur("duration", duration).Msg("HTTP request failed")
			return nil, err
		}

		logger.Debug().
			Int("status", resp.StatusCode).
			Dur("duration", duration).
			Int("retryCount", attempt).
			Msg("HTTP request completed")

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= c.maxRetries {
			if resp.StatusCode == http.StatusTooManyRequests {
				logger.Warn().Msg("Rate limited - max retries exceeded")
			}
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if retryAfter == 0 {
			retryAfter = b.NextBackOff()
		}
		resp.Body.Close()

		logger.Warn().
			Dur("retryAfter", retryAfter).
			Int("retryCount", attempt).
			Str("rateLimitRemaining", resp.Header.Get("X-RateLimit-Remaining")).
			Str("rateLimitReset", resp.Header.Get("X-RateLimit-Reset")).
			Msg("Rate limited - backing off")

		timer := time.NewTimer(retryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *Client) injectHeaders(req *http.Request, correlationID string, logger *zerolog.Logger) {
	req.Header.Set("X-Correlation-ID", correlationID)
	if c.token == "" {
		req.Header.Set("X-Debug-Sub", c.debugSub)
		logger.Debug().Str("debugSub", c.debugSub).Msg("using dev mode auth (X-Debug-Sub)")
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// transportError classifies a failure to get any response
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctxErr
	}
	return &syncx.OfflineError{Op: op, Err: err}
}

// applyError turns a non-success response into an *syncx.ApplyError
func applyError(resp *http.Response, env syncx.ApplyResponse, decodeErr error) error {
	ae := &syncx.ApplyError{
		Status:    resp.StatusCode,
		Retryable: retryableStatus(resp.StatusCode),
	}

	switch {
	case decodeErr == nil && env.Error != nil:
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		// the server's own verdict wins unless the status says otherwise
		ae.Retryable = ae.Retryable || env.Error.Retryable
	case resp.StatusCode == http.StatusOK:
		// 200 without a record is a broken server, try again later
		ae.Code = syncx.CodeInternal
		ae.Message = "malformed success response"
		ae.Retryable = true
	default:
		ae.Code = codeForStatus(resp.StatusCode)
		ae.Message = http.StatusText(resp.StatusCode)
	}
	return ae
}

// retryableStatus: 401 may clear once the token is refreshed
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusUnauthorized:
		return true
	}
	return status >= 500
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return syncx.CodeNotFound
	case status == http.StatusForbidden:
		return syncx.CodeForbidden
	case status == http.StatusTooManyRequests:
		return syncx.CodeRateLimited
	case status >= 500:
		return syncx.CodeUnavailable
	default:
		return syncx.CodeInvalidRequest
	}
}

// cloneRequest creates a copy of an HTTP request for retry
// Preserves the request body by reading and restoring it
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	reqClone, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	for k, v := range req.Header {
		if k == "Authorization" || k == "X-Debug-Sub" {
			continue // re-injected per attempt
		}
		reqClone.Header[k] = v
	}

	return reqClone, nil
}

// parseRetryAfter parses the Retry-After header
// Supports both integer seconds and HTTP-date format
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}
