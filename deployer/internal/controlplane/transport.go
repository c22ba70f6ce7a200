package controlplane

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitedTransport throttles outgoing requests. One instance may be
// shared by every controller talking to the same control plane.
type RateLimitedTransport struct {
	limiter *rate.Limiter
	base    http.RoundTripper
}

// NewRateLimitedTransport allows rps requests per second with the given burst.
// A non-positive rps disables throttling.
func NewRateLimitedTransport(base http.RoundTripper, rps float64, burst int) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedTransport{limiter: rate.NewLimiter(limit, burst), base: base}
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
