// Package httpretry wraps HTTP transports with bounded retries for the
// upstream calls the service makes on its own behalf, such as
// entitlement lookups and remote attachment fetches. Webhook deliveries
// stay single-attempt and do not use it.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// HTTPDoer executes a single HTTP request. *http.Client and *RetryClient
// both satisfy it, so callers can swap the transport in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures with full-jitter exponential
// backoff. Terminal responses pass through untouched.
type RetryClient struct {
	next    HTTPDoer
	retries int
	minWait time.Duration
	maxWait time.Duration
}

// NewRetryClient wraps client with up to maxRetries re-sends after the
// initial attempt. A nil client gets a 30s-timeout http.Client; a
// non-positive maxRetries defaults to 3.
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{
		next:    client,
		retries: maxRetries,
		minWait: time.Second,
		maxWait: 30 * time.Second,
	}
}

// Do sends the request, re-sending on 429/5xx responses and transport
// errors until the retry budget runs out. The final response comes back
// as-is so callers can read the status and body. Context cancellation
// stops the loop, and client errors other than 429 never retry.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.retries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if err := rewind(req); err != nil {
				return nil, err
			}
			wait := rc.backoff(attempt)
			logger.Debug("http retry",
				"method", req.Method,
				"host", req.URL.Host,
				"attempt", fmt.Sprintf("%d/%d", attempt, rc.retries),
				"wait", wait.String())
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.next.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		if !retryableStatus(resp.StatusCode) || attempt == rc.retries {
			return resp, nil
		}

		// Drain before closing so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: status %d from %s", resp.StatusCode, req.URL.Host)
	}

	return nil, lastErr
}

// rewind restores the request body ahead of a re-send. Requests built by
// http.NewRequest from an in-memory reader carry GetBody already.
func rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

// backoff picks a random wait up to min(maxWait, minWait*2^(attempt-1)),
// floored at 100ms so a tight loop cannot hammer the upstream.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	ceil := rc.minWait << uint(attempt-1)
	if ceil > rc.maxWait || ceil <= 0 {
		ceil = rc.maxWait
	}
	wait := time.Duration(rand.Float64() * float64(ceil))
	if wait < 100*time.Millisecond {
		wait = 100 * time.Millisecond
	}
	return wait
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
