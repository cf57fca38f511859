// Package engine defines the ASR inference collaborator contract (§6)
// and an HTTP-backed implementation. The retry/backoff shape is
// generalized from the teacher's RunPod client
// (internal/runpod/client.go: doRequestWithRetry/doRequest/
// retryableError/isRetryable), and each device-bound client is wrapped
// in its own sony/gobreaker circuit breaker so a failing GPU endpoint
// stops absorbing retries from every worker that happens to land on it.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maauso/asr-gateway/internal/job"
	"github.com/maauso/asr-gateway/internal/pool"
	"github.com/sony/gobreaker"
)

// Static errors for engine client operations.
var (
	ErrEndpointRequired = errors.New("engine: endpoint URL is required")
	ErrServerError      = errors.New("engine: server error")
	ErrRateLimited      = errors.New("engine: rate limited")
	ErrRequestFailed    = errors.New("engine: request failed")
)

// Engine is the inference collaborator contract: infer(audio_path,
// options) -> {text, segments[], info}.
type Engine interface {
	Infer(ctx context.Context, audioPath string, opts job.DecodeOptions) (job.Result, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// HTTPClient is an Engine backed by an HTTP inference endpoint (e.g. a
// model server sitting behind a single GPU device).
type HTTPClient struct {
	endpointURL string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
	breaker     *gobreaker.CircuitBreaker
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) { hc.httpClient = c }
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) { hc.maxRetries = n }
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) { hc.baseBackoff = d }
}

// WithBreakerSettings overrides the default gobreaker.Settings, keyed by
// endpoint so distinct devices fail independently.
func WithBreakerSettings(s gobreaker.Settings) ClientOption {
	return func(hc *HTTPClient) { hc.breaker = gobreaker.NewCircuitBreaker(s) }
}

// NewHTTPClient builds an Engine pointed at a single inference endpoint,
// typically one per pool worker/device.
func NewHTTPClient(endpointURL string, opts ...ClientOption) (*HTTPClient, error) {
	if endpointURL == "" {
		return nil, ErrEndpointRequired
	}

	c := &HTTPClient{
		endpointURL: endpointURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxRetries:  3,
		baseBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "engine-" + endpointURL,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c, nil
}

type inferRequest struct {
	AudioPath string            `json:"audio_path"`
	Options   job.DecodeOptions `json:"decode_options"`
}

type inferResponse struct {
	Text     string         `json:"text"`
	Segments []job.Segment  `json:"segments"`
	Info     map[string]any `json:"info"`
	Error    string         `json:"error,omitempty"`
}

// Infer submits one inference request through the circuit breaker.
func (c *HTTPClient) Infer(ctx context.Context, audioPath string, opts job.DecodeOptions) (job.Result, error) {
	body, err := json.Marshal(inferRequest{AudioPath: audioPath, Options: opts})
	if err != nil {
		return job.Result{}, fmt.Errorf("engine: marshal request: %w", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var resp inferResponse
		if err := c.doRequestWithRetry(ctx, http.MethodPost, c.endpointURL+"/infer", body, &resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("engine: inference failed: %s", resp.Error)
		}
		return resp, nil
	})
	if err != nil {
		return job.Result{}, err
	}

	resp := out.(inferResponse)
	return job.Result{Text: resp.Text, Segments: resp.Segments, Info: resp.Info}, nil
}

// HealthCheck probes the endpoint's liveness without going through the
// circuit breaker, so pool checkout can distinguish "breaker open" from
// "instance actually unhealthy".
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, c.endpointURL+"/health", nil, nil)
}

// Close releases client resources. HTTPClient holds no persistent
// connections beyond the pooled *http.Client, so this is a no-op.
func (c *HTTPClient) Close() error { return nil }

func (c *HTTPClient) doRequestWithRetry(ctx context.Context, method, url string, body []byte, result interface{}) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("engine: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := c.doRequest(ctx, method, url, body, result)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("engine: max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, method, url string, body []byte, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("engine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("engine: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("engine: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(respBody))}
		}
		if resp.StatusCode == 429 {
			return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))}
		}
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("engine: unmarshal response: %w", err)
		}
	}
	return nil
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Factory adapts Engine construction to pool.Factory, binding one
// HTTPClient per device endpoint.
type Factory struct {
	// EndpointForDevice maps a pool device id to its inference
	// endpoint URL. deviceID -1 (CPU fallback) must also have an entry.
	EndpointForDevice map[int]string
	Options           []ClientOption
}

var _ pool.Factory = (*Factory)(nil)

// New implements pool.Factory.
func (f *Factory) New(ctx context.Context, deviceID int) (pool.Instance, error) {
	endpoint, ok := f.EndpointForDevice[deviceID]
	if !ok {
		return nil, fmt.Errorf("engine: no endpoint configured for device %d", deviceID)
	}
	return NewHTTPClient(endpoint, f.Options...)
}
