// Package provider invokes registered operations against external provider
// services.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowforge/flowforge/registry"
)

// ErrRateLimited reports that a provider's rate limiter rejected the call
// before it was dialed. It is retryable.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// TransientError marks an invocation failure worth retrying: timeouts,
// 408/429 and 5xx statuses.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient invocation error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient invocation error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient) || errors.Is(err, ErrRateLimited)
}

// Response is the parsed result of an operation invocation.
type Response struct {
	Status int
	Output map[string]any
}

// Invoker executes a single operation with fully resolved parameters.
type Invoker interface {
	Invoke(ctx context.Context, op registry.Operation, params map[string]any) (*Response, error)
}

// HTTPInvoker posts operation calls as JSON to per-provider endpoints at
// {base}/{provider}/{operation}. Each provider gets its own rate limiter.
type HTTPInvoker struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	providerRate  rate.Limit
	providerBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// HTTPInvokerConfig configures an HTTPInvoker. Zero values get defaults:
// 10 requests/second with burst 20 per provider, 30 second timeout.
type HTTPInvokerConfig struct {
	BaseURL       string
	Timeout       time.Duration
	ProviderRate  float64
	ProviderBurst int
}

// NewHTTPInvoker creates an invoker for the given provider gateway base URL.
func NewHTTPInvoker(cfg HTTPInvokerConfig, logger *slog.Logger) *HTTPInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	r := cfg.ProviderRate
	if r == 0 {
		r = 10
	}
	burst := cfg.ProviderBurst
	if burst == 0 {
		burst = 20
	}
	return &HTTPInvoker{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger,
		providerRate:  rate.Limit(r),
		providerBurst: burst,
		limiters:      make(map[string]*rate.Limiter),
	}
}

func (inv *HTTPInvoker) limiter(providerID string) *rate.Limiter {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	l, ok := inv.limiters[providerID]
	if !ok {
		l = rate.NewLimiter(inv.providerRate, inv.providerBurst)
		inv.limiters[providerID] = l
	}
	return l
}

// Invoke posts the parameters to the operation's provider endpoint. A 2xx
// response's JSON body becomes the output; 408, 429 and 5xx statuses are
// transient, other 4xx are permanent.
func (inv *HTTPInvoker) Invoke(ctx context.Context, op registry.Operation, params map[string]any) (*Response, error) {
	if !inv.limiter(op.ProviderID).Allow() {
		return nil, fmt.Errorf("%s: %w", op.ProviderID, ErrRateLimited)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal params for %s: %w", op.QualifiedName, err)
	}

	url := fmt.Sprintf("%s/%s/%s", inv.baseURL, op.ProviderID, op.Name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := inv.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &TransientError{Err: err}
		}
		return nil, fmt.Errorf("provider: %s: %w", op.QualifiedName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	inv.logger.Debug("operation invoked",
		"operation", op.QualifiedName,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		output := map[string]any{}
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &output); err != nil {
				return nil, fmt.Errorf("provider: %s returned invalid JSON: %w", op.QualifiedName, err)
			}
		}
		return &Response{Status: resp.StatusCode, Output: output}, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, &TransientError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s: %s", op.QualifiedName, strings.TrimSpace(string(respBody))),
		}
	default:
		return nil, fmt.Errorf("provider: %s failed (status %d): %s", op.QualifiedName, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}
