// Package health probes registered services on a fixed interval and feeds
// the results into the breaker engine, the registry metrics and, when a
// service crosses a threshold, the failover and recovery paths.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Prober issues one bounded health check against a service endpoint.
type Prober interface {
	// Probe returns the measured latency. A non-nil error (including any
	// non-2xx response) marks the probe failed.
	Probe(ctx context.Context, url string) (time.Duration, error)
}

// HTTPProber probes HTTP(S) health endpoints.
type HTTPProber struct {
	client *resty.Client
}

// NewHTTPProber creates a prober whose requests never exceed timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "resilience-health/1.0")
	return &HTTPProber{client: client}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, url string) (time.Duration, error) {
	resp, err := p.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return 0, fmt.Errorf("health: probe %s: %w", url, err)
	}
	if resp.IsError() {
		return resp.Time(), fmt.Errorf("health: probe %s: status %s", url, resp.Status())
	}
	return resp.Time(), nil
}
