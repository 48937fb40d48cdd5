// Package httpkit builds the HTTP clients used for outbound model
// provider calls. Clients share dial and TLS timeouts, a bounded idle
// pool and a User-Agent, and can retry requests that never reached the
// server.
package httpkit

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/companion-agent/internal/buildinfo"
)

// Transport defaults.
const (
	DialTimeout         = 10 * time.Second
	KeepAlive           = 30 * time.Second
	TLSHandshakeTimeout = 10 * time.Second
	IdleConnTimeout     = 90 * time.Second
	MaxIdleConns        = 20
	MaxIdleConnsPerHost = 5
)

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout    time.Duration
	userAgent  string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero means no timeout;
// requests are then bounded only by their context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent overrides the default User-Agent.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithRetry retries up to n times, waiting delay between attempts,
// when a request fails before reaching the server.
func WithRetry(n int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryDelay = delay
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewTransport returns a transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DialTimeout,
			KeepAlive: KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout: TLSHandshakeTimeout,
		IdleConnTimeout:     IdleConnTimeout,
		MaxIdleConns:        MaxIdleConns,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient builds an *http.Client over NewTransport.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout:   60 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &http.Client{
		Timeout:   o.timeout,
		Transport: wrap(NewTransport(), o),
	}
}

func wrap(base http.RoundTripper, o *options) http.RoundTripper {
	rt := base
	if o.userAgent != "" {
		rt = &userAgentTransport{base: rt, ua: o.userAgent}
	}
	if o.retries > 0 {
		logger := o.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &retryTransport{base: rt, retries: o.retries, delay: o.retryDelay, logger: logger}
	}
	return rt
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base    http.RoundTripper
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	// A body we cannot rewind cannot be resent.
	if !retryable(err) || (req.Body != nil && req.Body != http.NoBody && req.GetBody == nil) {
		return resp, err
	}

	for attempt := 1; attempt <= t.retries; attempt++ {
		t.logger.Debug("retrying request",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("rewind body: %w", berr)
			}
			next.Body = body
		}

		resp, err = t.base.RoundTrip(next)
		if !retryable(err) {
			return resp, err
		}
	}
	return resp, err
}

// retryable reports whether err is a dial failure. Errors after the
// connection was established are never retried.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}
