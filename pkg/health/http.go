package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pmdaemon/pmdaemon/pkg/types"
)

// HTTPChecker performs HTTP GET health checks against a descriptor's
// configured URL. A probe succeeds when the response status is 2xx; there
// is no configurable status range, since the success condition is fixed.
type HTTPChecker struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPChecker creates an HTTP checker bound to url, using timeout as
// both the HTTP client's deadline and the Check call's fallback deadline.
func NewHTTPChecker(url string, timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChecker{
		URL:     url,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Check performs the HTTP health check.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("failed to create request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

// Type returns the health check kind.
func (h *HTTPChecker) Type() types.CheckType { return types.CheckHTTP }
