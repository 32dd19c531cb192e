// Package remote resolves deferred schedule payloads from a remote service
// at prepare time. One Resolve call performs a single attempt; retry pacing
// belongs to the prepare pipeline, which maps retryable failures to its own
// backoff. The client wraps outbound calls in a circuit breaker so a
// misbehaving resolution endpoint cannot be hammered by many schedules
// retrying at once.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"autoflow/internal/types"
)

// Result is the outcome of a successful resolution call.
type Result struct {
	// AudienceMatch reports whether the remote audience evaluation passed.
	// Nil means the service performed no audience evaluation.
	AudienceMatch *bool `json:"audience_match,omitempty"`

	// Payload is the concrete schedule payload to prepare. Empty when
	// AudienceMatch is false.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Type optionally overrides the payload kind to prepare the result as.
	Type string `json:"type,omitempty"`
}

// Resolver performs deferred payload resolution.
type Resolver interface {
	Resolve(ctx context.Context, url string, tc *types.TriggerContext) (*Result, error)
}

// Sentinel errors classifying resolution failures for the pipeline.
var (
	// ErrRetryable marks transient transport failures (timeouts, 5xx,
	// throttling, open breaker).
	ErrRetryable = errors.New("deferred resolution temporarily unavailable")
	// ErrTerminal marks failures that will not succeed on retry.
	ErrTerminal = errors.New("deferred resolution failed permanently")
)

// IsRetryable reports whether the error should surface as a pipeline retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// Client is the production Resolver over HTTP.
type Client struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient creates a Client. A nil httpClient gets a 30 second timeout
// default.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "deferred-resolver",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Client{client: httpClient, breaker: cb}
}

// statusError carries a retryable upstream HTTP status out of the breaker's
// execute func.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.code)
}

// resolveRequest is the wire body sent to the resolution endpoint.
type resolveRequest struct {
	TriggerContext *types.TriggerContext `json:"trigger_context,omitempty"`
}

// Resolve performs one resolution attempt against the given URL.
//
// Failure classification:
//   - network timeouts and temporary errors, HTTP 429/5xx, and an open
//     circuit breaker wrap ErrRetryable;
//   - any other HTTP status or a malformed response body wraps ErrTerminal.
func (c *Client) Resolve(ctx context.Context, url string, tc *types.TriggerContext) (*Result, error) {
	body, err := json.Marshal(resolveRequest{TriggerContext: tc})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrTerminal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrTerminal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close()
			return nil, &statusError{code: r.StatusCode}
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrRetryable)
		}
		if isTransient(err) {
			return nil, fmt.Errorf("%w: %v", ErrRetryable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTerminal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrTerminal, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRetryable, err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrTerminal, err)
	}
	return &result, nil
}

// isTransient reports whether a transport error is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var statusErr *statusError
	return errors.As(err, &statusErr)
}
