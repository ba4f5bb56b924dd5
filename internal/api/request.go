package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxRetryWait caps a single wait between attempts, including waits the
// upstream asks for with Retry-After.
const maxRetryWait = 10 * time.Second

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
	RetryAfter time.Duration // From the Retry-After header; 0 if absent
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if sent again.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// newAPIError builds an APIError from a failed response. The provider
// reports failures as {"status": "...", "message": "..."}; the message is
// used when present.
func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Message != "":
			e.Message = payload.Message
		case payload.Error != "":
			e.Message = payload.Error
		}
	}
	return e
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// doRequest performs a single authenticated request.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.creds != nil {
		req.Header.Set("Authorization", c.creds.BasicAuthHeader())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, newAPIError(resp, body)
	}
	return body, nil
}

// retryWait returns the wait before retry number attempt (1-based). An
// upstream Retry-After wins over the jittered doubling schedule.
func (c *Client) retryWait(attempt int, apiErr *APIError) time.Duration {
	if apiErr.RetryAfter > 0 {
		return min(apiErr.RetryAfter, maxRetryWait)
	}

	base := c.retryBackoff << (attempt - 1)
	if base <= 0 || base > maxRetryWait {
		base = maxRetryWait
	}
	// 0.5x to 1.5x of the schedule.
	wait := base/2 + time.Duration(rand.Int64N(int64(base)))
	return min(wait, maxRetryWait)
}

// doWithRetry retries 5xx and 429 responses up to maxRetries times.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body, err := c.doRequest(ctx, method, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}

		wait := c.retryWait(attempt+1, apiErr)
		c.logger.Debug("retrying request",
			"path", path,
			"status", apiErr.StatusCode,
			"attempt", attempt+1,
			"wait", wait,
			"retry_after", apiErr.RetryAfter > 0,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// get performs a GET request with retries and decodes the JSON body.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, http.MethodGet, path, query)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
