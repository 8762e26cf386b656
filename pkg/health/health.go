package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Result captures the outcome of one health check.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes an instance's /healthz endpoint. Workers use it to wait
// for the manager before dialing the replication endpoint.
type Checker struct {
	// URL is the full health URL, e.g. "http://manager:8448/healthz".
	URL string

	// Client allows custom HTTP configuration.
	Client *http.Client
}

// NewChecker creates a checker for url.
func NewChecker(url string) *Checker {
	return &Checker{
		URL: url,
		Client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Check performs one probe.
func (h *Checker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode <= 299
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Wait polls until the endpoint reports healthy or ctx expires. Returns
// the last result either way.
func (h *Checker) Wait(ctx context.Context, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		result := h.Check(ctx)
		if result.Healthy {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, fmt.Errorf("waiting for %s: %w (last: %s)", h.URL, ctx.Err(), result.Message)
		case <-time.After(interval):
		}
	}
}
