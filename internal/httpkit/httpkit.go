// Package httpkit builds the outbound HTTP clients Newsreel uses for
// feed polling and the LLM API. Every client shares the same transport
// defaults: explicit dial and handshake deadlines, a bounded idle pool,
// an honest User-Agent, and an opt-in retry layer for the dial-phase
// errors a roster of a hundred third-party hosts produces daily.
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

	"github.com/nugget/newsreel/internal/buildinfo"
)

// Transport defaults. Feed hosts are many and small; the pool favors
// breadth over per-host depth.
const (
	dialTimeout         = 10 * time.Second
	tcpKeepAlive        = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	responseHeaderWait  = 15 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConns        = 40
	maxIdleConnsPerHost = 2
)

// NewTransport returns the baseline transport. Callers that need a
// different single knob (the LLM client waits far longer for response
// headers) adjust the returned value before handing it to NewClient.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: tcpKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderWait,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// ClientOption configures a client built by NewClient.
type ClientOption func(*options)

type options struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
	retries   int
	delay     time.Duration
	logger    *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it; pass
// zero when context deadlines drive cancellation instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the default User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(o *options) { o.userAgent = ua }
}

// WithTransport substitutes a prepared transport, usually one from
// NewTransport with a knob adjusted.
func WithTransport(t *http.Transport) ClientOption {
	return func(o *options) { o.transport = t }
}

// WithRetry retries requests that die during the dial phase, up to
// count extra attempts spaced delay apart. Only errors raised before
// any byte reaches the server qualify, so retried POSTs cannot double
// a side effect.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(o *options) {
		o.retries = count
		o.delay = delay
	}
}

// WithLogger enables retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *options) { o.logger = l }
}

// NewClient assembles an *http.Client from the shared transport and the
// given options.
func NewClient(opts ...ClientOption) *http.Client {
	o := &options{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(o)
	}

	t := o.transport
	if t == nil {
		t = NewTransport()
	}

	rt := http.RoundTripper(&userAgentTransport{base: t, ua: o.userAgent})
	if o.retries > 0 {
		rt = &retryTransport{base: rt, retries: o.retries, delay: o.delay, logger: o.logger}
	}

	return &http.Client{
		Timeout:   o.timeout,
		Transport: rt,
	}
}

// userAgentTransport stamps the configured User-Agent on requests that
// do not carry their own. Feed operators see this string in their
// access logs; it must always identify us.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// retryTransport re-runs requests that failed with a retryable dial
// error. A request with a body is retried only when GetBody can rewind
// it.
type retryTransport struct {
	base    http.RoundTripper
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		out := req
		if attempt > 0 {
			timer := time.NewTimer(t.delay)
			select {
			case <-req.Context().Done():
				timer.Stop()
				return nil, req.Context().Err()
			case <-timer.C:
			}

			out = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewind request body: %w", err)
				}
				out.Body = body
			}
		}

		resp, err := t.base.RoundTrip(out)
		if err == nil {
			if attempt > 0 && t.logger != nil {
				t.logger.Info("request recovered after retry",
					"method", req.Method,
					"url", req.URL.String(),
					"attempts", attempt+1,
					"last_error", lastErr)
			}
			return resp, nil
		}

		if !retryableDialError(err) || attempt >= t.retries {
			return resp, err
		}
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			return resp, err
		}

		lastErr = err
		if t.logger != nil {
			t.logger.Debug("transient dial failure",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt+1,
				"error", err)
		}
	}
}

// retryableDialError reports whether err is a connect-phase failure
// that cannot have reached the server. ECONNRESET is not in the set: a
// reset can arrive after the server processed the request.
func retryableDialError(err error) bool {
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

// DrainAndClose consumes up to limit bytes of rc and closes it, so the
// underlying connection returns to the pool instead of being torn down.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response for
// diagnostics, draining and closing the rest.
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
