package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// K8SChecker polls an orchestrator-style readiness endpoint (as Kubernetes exposes for
// pod readiness/liveness probes). No Kubernetes client library is part of this corpus,
// so the probe is a plain HTTP GET against the endpoint the orchestrator already
// exposes, rather than a full client-go dependency.
type K8SChecker struct {
	// URL is the readiness endpoint, e.g. "http://pod-ip:8080/readyz".
	URL string

	Client *http.Client
}

// NewK8SChecker creates a readiness-probe checker against url.
func NewK8SChecker(url string) *K8SChecker {
	return &K8SChecker{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Check performs a single readiness GET; any 2xx response is healthy.
func (k *K8SChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.URL, nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("build request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}

	resp, err := k.Client.Do(req)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("readiness probe failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type.
func (k *K8SChecker) Type() CheckType {
	return CheckTypeK8S
}
