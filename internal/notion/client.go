// Package notion is a rate-limited, retrying client for the subset of the
// Notion API used to mirror inbox items into workspace databases.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/inboxsync/internal/logging"
)

const (
	defaultBaseURL        = "https://api.notion.com"
	defaultAPIVersion     = "2022-06-28"
	defaultUserAgent      = "inboxsync/1"
	defaultMaxAttempts    = 5
	defaultBaseDelay      = 100 * time.Millisecond
	defaultMaxDelay       = 2 * time.Second
	defaultRequestTimeout = 20 * time.Second
	defaultRPS            = 3
	maxResponseBytes      = 8 << 20
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider for a token resolved ahead of time.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type Options struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	// MaxAttempts counts the first try.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RequestTimeout bounds each attempt, not the whole retry sequence.
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Properties        PropertyNames
	Logger            *slog.Logger
}

type Client struct {
	baseURL        string
	tokenProvider  TokenProvider
	httpClient     *http.Client
	apiVersion     string
	userAgent      string
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	requestTimeout time.Duration
	limiter        *rate.Limiter
	props          PropertyNames
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
	schemas        schemaCache
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		baseURL:        baseURL,
		tokenProvider:  opts.TokenProvider,
		httpClient:     httpClient,
		apiVersion:     apiVersion,
		userAgent:      userAgent,
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		requestTimeout: requestTimeout,
		limiter:        rate.NewLimiter(rate.Limit(rps), 1),
		props:          opts.Properties.withDefaults(),
		logger:         logger,
		sleep:          sleepContext,
		now:            time.Now,
	}
}

func (c *Client) Properties() PropertyNames {
	return c.props
}

// appliedCheck reports whether an earlier attempt, whose response was lost
// or was a server error, took effect anyway.
type appliedCheck func(ctx context.Context) (bool, error)

// do sends one logical request, retrying transient failures, and decodes a
// 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	return c.doChecked(ctx, method, path, payload, out, nil)
}

// doChecked is do for requests that are not idempotent. Before retrying
// after an attempt with an unknown outcome it calls applied; when that
// reports true the request is not sent again and doChecked returns nil
// without touching out.
func (c *Client) doChecked(ctx context.Context, method, path string, payload, out any, applied appliedCheck) error {
	if c == nil {
		return fmt.Errorf("notion client is nil")
	}
	if c.tokenProvider == nil {
		return fmt.Errorf("%w: token provider is required", ErrUnauthorized)
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is empty", ErrUnauthorized)
	}

	var bodyBytes []byte
	if payload != nil {
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	correlationID := uuid.NewString()
	url := c.baseURL + path

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		status, header, respBody, err := c.send(ctx, method, url, token, correlationID, bodyBytes)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxAttempts {
				c.logger.Debug("notion request failed, retrying",
					"method", method, "path", path, "attempt", attempt, "correlation_id", correlationID, "error", err)
				if waitErr := c.sleep(ctx, c.retryDelay(attempt, "")); waitErr != nil {
					return waitErr
				}
				if done, checkErr := c.checkApplied(ctx, applied, method, path); checkErr != nil || done {
					return checkErr
				}
				continue
			}
			return &APIError{Method: method, Path: path, Attempts: attempt, Err: err}
		}
		if status >= 200 && status <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := decodeJSON(respBody, out); err != nil {
				return fmt.Errorf("decode notion response for %s %s: %w", method, path, err)
			}
			return nil
		}
		if isTransientStatus(status) && attempt < c.maxAttempts {
			c.logger.Debug("notion request throttled, retrying",
				"method", method, "path", path, "status", status, "attempt", attempt, "correlation_id", correlationID)
			if waitErr := c.sleep(ctx, c.retryDelay(attempt, header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			// A 429 was rejected before processing; a 5xx may not have been.
			if status >= http.StatusInternalServerError {
				if done, checkErr := c.checkApplied(ctx, applied, method, path); checkErr != nil || done {
					return checkErr
				}
			}
			continue
		}
		return newStatusError(method, path, status, respBody, attempt)
	}
}

func (c *Client) checkApplied(ctx context.Context, applied appliedCheck, method, path string) (bool, error) {
	if applied == nil {
		return false, nil
	}
	done, err := applied(ctx)
	if err != nil {
		return false, fmt.Errorf("confirm outcome of %s %s: %w", method, path, err)
	}
	if done {
		c.logger.Info("notion request took effect despite failed response", "method", method, "path", path)
	}
	return done, nil
}

func (c *Client) send(ctx context.Context, method, url, token, correlationID string, body []byte) (int, http.Header, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Notion-Version", c.apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Correlation-Id", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decodeJSON(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(data, out)
}
