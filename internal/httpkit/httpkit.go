// Package httpkit builds the HTTP clients used by the model providers.
// All outbound calls share one set of dial, TLS, and header timeouts,
// send a taskloop User-Agent, and can retry dial failures that happen
// before any bytes reach the server.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/taskloop/internal/buildinfo"
	"github.com/nugget/taskloop/internal/retry"
)

// TransportConfig holds the connection-level timeouts of a transport.
type TransportConfig struct {
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	TLSHandshakeTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for the first response
	// byte. A model may think for a while before it streams anything.
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
}

// DefaultTransportConfig returns the timeouts used by [NewTransport].
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   5,
	}
}

// Transport builds an http.Transport from c.
func (c TransportConfig) Transport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   c.DialTimeout,
			KeepAlive: c.KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   c.TLSHandshakeTimeout,
		ResponseHeaderTimeout: c.ResponseHeaderTimeout,
		IdleConnTimeout:       c.IdleConnTimeout,
		MaxIdleConns:          4 * c.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewTransport creates an http.Transport with the default timeouts.
func NewTransport() *http.Transport {
	return DefaultTransportConfig().Transport()
}

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
	retries   int
	backoff   time.Duration
	logger    *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// streaming model responses need.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithTransport replaces the default transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithRetry retries requests that fail while dialing (host or network
// unreachable, connection refused) up to count times. The wait starts
// at backoff and doubles per attempt. Requests with a body are retried
// only when GetBody can rewind it.
func WithRetry(count int, backoff time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retries = count
		c.backoff = backoff
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewClient builds an *http.Client from the options.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.transport == nil {
		cfg.transport = NewTransport()
	}

	var rt http.RoundTripper = &userAgentTransport{base: cfg.transport, ua: cfg.userAgent}
	if cfg.retries > 0 {
		rt = &retryTransport{base: rt, count: cfg.retries, delay: cfg.backoff, logger: cfg.logger}
	}
	return &http.Client{Timeout: cfg.timeout, Transport: rt}
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

// retryTransport repeats a request while it fails before reaching the
// server, so a provider that is restarting does not cost the task a
// retry from its own budget.
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	delay := t.delay

	for attempt := 0; ; attempt++ {
		attemptReq := req
		if attempt > 0 {
			attemptReq = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("retry: rewind body: %w", err)
				}
				attemptReq.Body = body
			}
		}

		resp, err := t.base.RoundTrip(attemptReq)
		if err == nil || !IsDialError(err) || !rewindable || attempt >= t.count {
			return resp, err
		}

		if t.logger != nil {
			t.logger.Debug("provider unreachable, retrying",
				"host", req.URL.Host,
				"attempt", attempt+1,
				"max_retries", t.count,
				"delay", delay,
				"error", err,
			)
		}
		if err := retry.Sleep(req.Context(), delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
}

// IsDialError reports whether err is a connection-level failure that
// happened before the request reached the server. ECONNRESET is not
// included: the server may already have processed the request.
func IsDialError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response body for
// inclusion in an error message, then drains and closes the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
