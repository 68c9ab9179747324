package venue

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// throttledTransport spaces out venue requests so two calls never start within
// the configured minimum interval of each other. The interval is consumed on
// every attempt, so failed requests do not allow bursting. No retries happen
// here; retry policy belongs to callers.
type throttledTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// NewThrottledClient returns an HTTP client whose transport enforces the
// minimum inter-call interval. Every venue call in the process must go through
// a client built here.
func NewThrottledClient(minInterval, timeout time.Duration) *http.Client {
	if minInterval <= 0 {
		minInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &throttledTransport{
			base:    http.DefaultTransport,
			limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		},
	}
}
