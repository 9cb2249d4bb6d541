package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const maxRetries = 3

// retryBackoff returns the wait before the given retry attempt (1-based).
var retryBackoff = func(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

// statusError is a non-2xx reply from an upstream API.
type statusError struct {
	statusCode int
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// doWithRetry executes an HTTP request, retrying network failures, 5xx and
// 429 replies with exponential backoff. Any other status is returned as is.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(attempt)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			logger.Warn("request failed", "url", req.URL.Path, "error", err)
			continue
		}

		if retryable(resp.StatusCode) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &statusError{statusCode: resp.StatusCode, body: string(body)}
			logger.Warn("server error", "status", resp.StatusCode, "url", req.URL.Path)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, lastErr)
}

// checkStatus turns a non-2xx response into an error, consuming the body.
func checkStatus(resp *http.Response, api string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: %w", api, &statusError{statusCode: resp.StatusCode, body: string(body)})
}
