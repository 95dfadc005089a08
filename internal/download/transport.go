package download

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/mt5prov/internal/metrics"
)

// RetryPolicy bounds transport-level retries.
type RetryPolicy struct {
	MaxRetries      int           // retries after the first attempt
	InitialInterval time.Duration // first backoff delay, doubled per retry
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: time.Second, MaxInterval: 30 * time.Second}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryTransport repeats requests that fail with a connection error or a
// transient server status, backing off exponentially between attempts.
type retryTransport struct {
	base   http.RoundTripper
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryTransport wraps base (http.DefaultTransport when nil) with policy.
func NewRetryTransport(base http.RoundTripper, policy RetryPolicy, logger *slog.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Second
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval * 8
	}
	return &retryTransport{base: base, policy: policy, logger: logger}
}

// NewBaseTransport returns a transport whose dial and header waits are bounded by timeout.
func NewBaseTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
		t.TLSHandshakeTimeout = timeout
		t.ResponseHeaderTimeout = timeout
	}
	return t
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.policy.InitialInterval
	eb.MaxInterval = t.policy.MaxInterval
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = eb
	if t.policy.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(eb, uint64(t.policy.MaxRetries))
	}

	attempt := 0
	var resp *http.Response
	op := func() error {
		attempt++
		r := req
		if attempt > 1 {
			r = req.Clone(ctx)
			if req.Body != nil {
				if req.GetBody == nil {
					return backoff.Permanent(errors.New("request body cannot be replayed"))
				}
				body, err := req.GetBody()
				if err != nil {
					return backoff.Permanent(err)
				}
				r.Body = body
			}
		}
		res, err := t.base.RoundTrip(r)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if retryableStatus(res.StatusCode) {
			_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
			_ = res.Body.Close()
			return fmt.Errorf("server returned %s", res.Status)
		}
		resp = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.IncDownloadRetry()
		t.logger.Warn("Retrying request", "url", req.URL.String(), "attempt", attempt, "wait", wait.String(), "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("GET %s failed after %d attempt(s): %w", req.URL.Redacted(), attempt, err)
	}
	return resp, nil
}
