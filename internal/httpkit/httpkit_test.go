package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if got := NewClient().Timeout; got != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", got)
	}
	if got := NewClient(WithTimeout(5 * time.Second)).Timeout; got != 5*time.Second {
		t.Errorf("custom timeout = %v, want 5s", got)
	}
	if got := NewClient(WithTimeout(0)).Timeout; got != 0 {
		t.Errorf("zero timeout = %v, want 0", got)
	}
}

func TestNewTransport_Deadlines(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout == 0 {
		t.Error("TLS handshake timeout unset")
	}
	if tr.ResponseHeaderTimeout == 0 {
		t.Error("response header timeout unset")
	}
	if tr.MaxIdleConnsPerHost == 0 {
		t.Error("per-host idle limit unset")
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("HTTP/2 not enabled")
	}
}

func userAgentSeen(t *testing.T, client *http.Client, set string) string {
	t.Helper()
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if set != "" {
		req.Header.Set("User-Agent", set)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	DrainAndClose(resp.Body, 1024)
	return got
}

func TestUserAgent(t *testing.T) {
	if got := userAgentSeen(t, NewClient(), ""); !strings.HasPrefix(got, "Newsreel/") {
		t.Errorf("default User-Agent = %q, want Newsreel/ prefix", got)
	}
	client := NewClient(WithUserAgent("feedlint-test/1.0"))
	if got := userAgentSeen(t, client, ""); got != "feedlint-test/1.0" {
		t.Errorf("configured User-Agent = %q", got)
	}
	// A header the caller set explicitly wins.
	if got := userAgentSeen(t, client, "curl/8.0"); got != "curl/8.0" {
		t.Errorf("explicit User-Agent overwritten: %q", got)
	}
}

// scriptedTripper fails its first fail calls with a connect error
// wrapping errno, then serves 200s. It records each request body so
// rewind behavior is observable.
type scriptedTripper struct {
	fail   int
	errno  syscall.Errno
	calls  int
	bodies []string
}

func (s *scriptedTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	if req.Body != nil && req.Body != http.NoBody {
		b, _ := io.ReadAll(req.Body)
		req.Body.Close()
		s.bodies = append(s.bodies, string(b))
	}
	if s.calls <= s.fail {
		return nil, &net.OpError{Op: "connect", Err: s.errno}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func retrying(base http.RoundTripper, retries int) *retryTransport {
	return &retryTransport{base: base, retries: retries, delay: time.Millisecond}
}

func TestRetry_RecoversFromDialFailure(t *testing.T) {
	base := &scriptedTripper{fail: 2, errno: syscall.EHOSTUNREACH}
	req, _ := http.NewRequest(http.MethodGet, "http://feeds.example/rss", nil)

	resp, err := retrying(base, 3).RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	DrainAndClose(resp.Body, 64)
	if base.calls != 3 {
		t.Errorf("calls = %d, want 3", base.calls)
	}
}

func TestRetry_Exhausts(t *testing.T) {
	base := &scriptedTripper{fail: 100, errno: syscall.ECONNREFUSED}
	req, _ := http.NewRequest(http.MethodGet, "http://feeds.example/rss", nil)

	_, err := retrying(base, 2).RoundTrip(req)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if base.calls != 3 {
		t.Errorf("calls = %d, want 3 (first try plus two retries)", base.calls)
	}
}

func TestRetry_PassesThroughNonDialErrors(t *testing.T) {
	base := &scriptedTripper{fail: 100, errno: syscall.ECONNRESET}
	req, _ := http.NewRequest(http.MethodGet, "http://feeds.example/rss", nil)

	_, err := retrying(base, 3).RoundTrip(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1 (reset must not retry)", base.calls)
	}
}

func TestRetry_RewindsBody(t *testing.T) {
	base := &scriptedTripper{fail: 1, errno: syscall.EHOSTUNREACH}
	req, err := http.NewRequest(http.MethodPost, "http://feeds.example/hub", strings.NewReader("topic=quake"))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	resp, err := retrying(base, 2).RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	DrainAndClose(resp.Body, 64)
	if len(base.bodies) != 2 || base.bodies[1] != "topic=quake" {
		t.Errorf("bodies = %q, want the payload on both attempts", base.bodies)
	}
}

func TestRetry_SkipsUnrewindableBody(t *testing.T) {
	base := &scriptedTripper{fail: 1, errno: syscall.EHOSTUNREACH}
	// A hand-built request has no GetBody, so the payload cannot be
	// replayed.
	u, _ := url.Parse("http://feeds.example/hub")
	req := &http.Request{
		Method: http.MethodPost,
		URL:    u,
		Header: make(http.Header),
		Body:   io.NopCloser(strings.NewReader("one-shot")),
	}

	if _, err := retrying(base, 2).RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestRetry_HonorsContext(t *testing.T) {
	base := &scriptedTripper{fail: 100, errno: syscall.EHOSTUNREACH}
	rt := &retryTransport{base: base, retries: 5, delay: 200 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://feeds.example/rss", nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1 (cancelled during backoff)", base.calls)
	}
}

func TestRetryableDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"EHOSTUNREACH", syscall.EHOSTUNREACH, true},
		{"ENETUNREACH", syscall.ENETUNREACH, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, false},
		{"wrapped", fmt.Errorf("connect: %w", syscall.EHOSTUNREACH), true},
		{"op error", &net.OpError{Op: "connect", Err: syscall.ECONNREFUSED}, true},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: &net.OpError{Op: "connect", Err: syscall.ENETUNREACH}}, true},
		{"plain", errors.New("no route to host"), false},
	}
	for _, tt := range tests {
		if got := retryableDialError(tt.err); got != tt.want {
			t.Errorf("%s: retryableDialError = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// countingReadCloser counts bytes read and records Close.
type countingReadCloser struct {
	r      io.Reader
	n      int
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *countingReadCloser) Close() error {
	c.closed = true
	return nil
}

func TestDrainAndClose(t *testing.T) {
	rc := &countingReadCloser{r: strings.NewReader(strings.Repeat("x", 4096))}
	DrainAndClose(rc, 100)
	if !rc.closed {
		t.Error("body not closed")
	}
	if rc.n > 100 {
		t.Errorf("read %d bytes, want at most the 100-byte limit", rc.n)
	}

	// nil must be a no-op, not a panic.
	DrainAndClose(nil, 100)
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, errors.New("read: connection reset") }
func (failReader) Close() error             { return nil }

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader(`{"error":{"type":"overloaded_error"}}`))
	if got := ReadErrorBody(body, 1024); !strings.Contains(got, "overloaded_error") {
		t.Errorf("body = %q", got)
	}

	long := io.NopCloser(strings.NewReader(strings.Repeat("a", 500)))
	if got := ReadErrorBody(long, 10); len(got) != 10 {
		t.Errorf("truncated body length = %d, want 10", len(got))
	}

	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil body = %q, want empty", got)
	}

	if got := ReadErrorBody(failReader{}, 10); !strings.Contains(got, "failed to read") {
		t.Errorf("failing body = %q", got)
	}
}
