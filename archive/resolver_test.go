package archive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// step is one scripted answer of the mock transport
type step struct {
	status   int
	location string
	err      error
}

func ok() step                  { return step{status: http.StatusOK} }
func redirect(to string) step   { return step{status: http.StatusFound, location: to} }
func status(code int) step      { return step{status: code} }
func transportErr(e error) step { return step{err: e} }

// mockTransport answers per host with a scripted sequence, repeating the last
// step once the script runs out, and counts the requests it sees.
type mockTransport struct {
	mu       sync.Mutex
	scripts  map[string][]step
	calls    map[string]int
	requests []*http.Request
}

func newMockTransport(scripts map[string][]step) *mockTransport {
	return &mockTransport{
		scripts: scripts,
		calls:   make(map[string]int),
	}
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	host := req.URL.Host
	n := m.calls[host]
	m.calls[host] = n + 1
	m.requests = append(m.requests, req)
	script := m.scripts[host]
	m.mu.Unlock()

	if len(script) == 0 {
		return nil, errors.New("no route to " + host)
	}
	s := script[len(script)-1]
	if n < len(script) {
		s = script[n]
	}
	if s.err != nil {
		return nil, s.err
	}

	header := make(http.Header)
	if s.location != "" {
		header.Set("Location", s.location)
	}
	return &http.Response{
		StatusCode: s.status,
		Status:     http.StatusText(s.status),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func (m *mockTransport) count(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[host]
}

func (m *mockTransport) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
	m.requests = nil
}

// recordingTimer fires immediately and remembers every delay it was asked for
type recordingTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time {
	return t.c
}

func (t *recordingTimer) recorded() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

var testMirrors = []string{
	"https://a.example/submit/?url=",
	"https://b.example/submit/?url=",
	"https://c.example/submit/?url=",
}

func newTestResolver(t *testing.T, transport *mockTransport, maxRetries int) (*Resolver, *recordingTimer) {
	t.Helper()

	resolver, err := NewResolver(Config{
		Mirrors:    testMirrors,
		MaxRetries: maxRetries,
		BaseDelay:  time.Second,
	}, &http.Client{Transport: transport})
	require.NoError(t, err)

	timer := newRecordingTimer()
	resolver.newTimer = func() backoff.Timer { return timer }
	return resolver, timer
}

func TestResolveFirstMirrorWins(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example":  {redirect("https://archive.ph/abc")},
		"b.example":  {redirect("https://archive.ph/def")},
		"c.example":  {redirect("https://archive.ph/ghi")},
		"archive.ph": {ok()},
	})
	resolver, timer := newTestResolver(t, transport, 2)

	archived, err := resolver.Resolve(context.Background(), "https://example.com/post")
	require.NoError(t, err)

	assert.Equal(t, "https://archive.ph/abc", archived)
	assert.Equal(t, 1, transport.count("a.example"))
	assert.Equal(t, 0, transport.count("b.example"))
	assert.Equal(t, 0, transport.count("c.example"))
	assert.Empty(t, timer.recorded())
}

func TestResolveSuccessWithoutRedirect(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example": {ok()},
	})
	resolver, _ := newTestResolver(t, transport, 2)

	archived, err := resolver.Resolve(context.Background(), "https://example.com/post")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/submit/?url=https%3A%2F%2Fexample.com%2Fpost", archived)
}

func TestResolveEncodesTargetURL(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example": {ok()},
	})
	resolver, _ := newTestResolver(t, transport, 2)

	target := "https://example.com/a b?x=1&y=2#frag"
	_, err := resolver.Resolve(context.Background(), target)
	require.NoError(t, err)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	assert.Equal(t, target, req.URL.Query().Get("url"))
	assert.Equal(t, "/submit/", req.URL.Path)
	assert.Equal(t, DefaultUserAgent, req.Header.Get("User-Agent"))
}

func TestResolveRateLimitRetryCeiling(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		delays     []time.Duration
	}{
		{
			name:       "no retries",
			maxRetries: 0,
			delays:     []time.Duration{},
		},
		{
			name:       "one retry",
			maxRetries: 1,
			delays:     []time.Duration{2 * time.Second},
		},
		{
			name:       "default retries",
			maxRetries: 2,
			delays:     []time.Duration{2 * time.Second, 4 * time.Second},
		},
		{
			name:       "four retries",
			maxRetries: 4,
			delays:     []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newMockTransport(map[string][]step{
				"a.example":  {status(http.StatusTooManyRequests)},
				"b.example":  {redirect("https://archive.ph/ok")},
				"archive.ph": {ok()},
			})
			resolver, timer := newTestResolver(t, transport, tt.maxRetries)

			archived, err := resolver.Resolve(context.Background(), "https://example.com/post")
			require.NoError(t, err)

			assert.Equal(t, "https://archive.ph/ok", archived)
			assert.Equal(t, tt.maxRetries+1, transport.count("a.example"))
			assert.Equal(t, 1, transport.count("b.example"))
			assert.Equal(t, tt.delays, append([]time.Duration{}, timer.recorded()...))
		})
	}
}

func TestResolveRecoversAfterRateLimit(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example":  {status(http.StatusTooManyRequests), redirect("https://archive.ph/late")},
		"archive.ph": {ok()},
	})
	resolver, timer := newTestResolver(t, transport, 2)

	archived, err := resolver.Resolve(context.Background(), "https://example.com/post")
	require.NoError(t, err)

	assert.Equal(t, "https://archive.ph/late", archived)
	assert.Equal(t, 2, transport.count("a.example"))
	assert.Equal(t, 0, transport.count("b.example"))
	assert.Equal(t, []time.Duration{2 * time.Second}, timer.recorded())
}

func TestResolveNonRateLimitErrorsFailOverImmediately(t *testing.T) {
	tests := []struct {
		name  string
		first step
	}{
		{name: "server error", first: status(http.StatusInternalServerError)},
		{name: "not found", first: status(http.StatusNotFound)},
		{name: "forbidden", first: status(http.StatusForbidden)},
		{name: "network failure", first: transportErr(errors.New("connection refused"))},
		{name: "timeout", first: transportErr(context.DeadlineExceeded)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newMockTransport(map[string][]step{
				"a.example":  {tt.first},
				"b.example":  {redirect("https://archive.ph/b")},
				"archive.ph": {ok()},
			})
			resolver, timer := newTestResolver(t, transport, 2)

			archived, err := resolver.Resolve(context.Background(), "https://example.com/post")
			require.NoError(t, err)

			assert.Equal(t, "https://archive.ph/b", archived)
			assert.Equal(t, 1, transport.count("a.example"))
			assert.Equal(t, 1, transport.count("b.example"))
			assert.Empty(t, timer.recorded())
		})
	}
}

func TestResolveAllMirrorsFail(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example": {status(http.StatusTooManyRequests)},
		"b.example": {status(http.StatusBadGateway)},
		"c.example": {transportErr(errors.New("dial tcp: no such host"))},
	})
	resolver, timer := newTestResolver(t, transport, 2)

	archived, err := resolver.Resolve(context.Background(), "https://example.com/post")

	assert.Empty(t, archived)
	assert.ErrorIs(t, err, ErrAllMirrorsFailed)
	assert.Equal(t, "all archive services failed", err.Error())
	assert.Equal(t, 3, transport.count("a.example"))
	assert.Equal(t, 1, transport.count("b.example"))
	assert.Equal(t, 1, transport.count("c.example"))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, timer.recorded())
}

func TestResolveIsIdempotent(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example":  {status(http.StatusServiceUnavailable)},
		"b.example":  {redirect("https://archive.ph/same")},
		"archive.ph": {ok()},
	})
	resolver, _ := newTestResolver(t, transport, 2)

	first, err := resolver.Resolve(context.Background(), "https://example.com/post")
	require.NoError(t, err)
	firstA, firstB := transport.count("a.example"), transport.count("b.example")

	transport.reset()

	second, err := resolver.Resolve(context.Background(), "https://example.com/post")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstA, transport.count("a.example"))
	assert.Equal(t, firstB, transport.count("b.example"))
}

func TestResolveRateLimitedThenFailingMirror(t *testing.T) {
	// A rate limits twice and then breaks, B archives, C is never asked
	transport := newMockTransport(map[string][]step{
		"a.example": {
			status(http.StatusTooManyRequests),
			status(http.StatusTooManyRequests),
			status(http.StatusInternalServerError),
		},
		"b.example":  {redirect("https://archive.ph/xyz123")},
		"c.example":  {redirect("https://archive.ph/never")},
		"archive.ph": {ok()},
	})
	resolver, timer := newTestResolver(t, transport, 2)

	archived, err := resolver.Resolve(context.Background(), "https://example.com/post")
	require.NoError(t, err)

	assert.Equal(t, "https://archive.ph/xyz123", archived)
	assert.Equal(t, 3, transport.count("a.example"))
	assert.Equal(t, 1, transport.count("b.example"))
	assert.Equal(t, 0, transport.count("c.example"))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, timer.recorded())
}

func TestResolveConcurrentCallsAreIndependent(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example":  {redirect("https://archive.ph/concurrent")},
		"archive.ph": {ok()},
	})
	resolver, _ := newTestResolver(t, transport, 2)

	const calls = 20
	var wg sync.WaitGroup
	results := make([]string, calls)
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = resolver.Resolve(context.Background(), "https://example.com/post")
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "https://archive.ph/concurrent", results[i])
	}
	assert.Equal(t, calls, transport.count("a.example"))
}

func TestResolveCancelledContext(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example": {ok()},
		"b.example": {ok()},
	})
	resolver, _ := newTestResolver(t, transport, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	archived, err := resolver.Resolve(ctx, "https://example.com/post")

	assert.Empty(t, archived)
	assert.ErrorIs(t, err, ErrAllMirrorsFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, transport.count("b.example"))
}

func TestResolveWithRealBackoff(t *testing.T) {
	transport := newMockTransport(map[string][]step{
		"a.example": {status(http.StatusTooManyRequests), ok()},
	})
	resolver, err := NewResolver(Config{
		Mirrors:    testMirrors,
		MaxRetries: 1,
		BaseDelay:  5 * time.Millisecond,
	}, &http.Client{Transport: transport})
	require.NoError(t, err)

	start := time.Now()
	_, err = resolver.Resolve(context.Background(), "https://example.com/post")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 2, transport.count("a.example"))
}

func TestNewResolverValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		errMsg string
	}{
		{
			name:   "no mirrors",
			config: Config{MaxRetries: 2, BaseDelay: time.Second},
			errMsg: "at least one archive mirror is required",
		},
		{
			name:   "relative mirror",
			config: Config{Mirrors: []string{"/submit/?url="}, MaxRetries: 2, BaseDelay: time.Second},
			errMsg: "unsupported scheme",
		},
		{
			name:   "negative retries",
			config: Config{Mirrors: testMirrors, MaxRetries: -1, BaseDelay: time.Second},
			errMsg: "max retries must be between",
		},
		{
			name:   "zero base delay",
			config: Config{Mirrors: testMirrors, MaxRetries: 2},
			errMsg: "base delay must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.config, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewResolverCopiesMirrors(t *testing.T) {
	config := DefaultConfig()
	resolver, err := NewResolver(config, nil)
	require.NoError(t, err)

	config.Mirrors[0] = "https://changed.example/?url="
	assert.Equal(t, DefaultMirrors, resolver.Mirrors())
}

func TestWorstCaseBackoff(t *testing.T) {
	config := DefaultConfig()
	// 7 mirrors each sleeping 2s + 4s
	assert.Equal(t, 42*time.Second, config.WorstCaseBackoff())

	config.MaxRetries = 0
	assert.Equal(t, time.Duration(0), config.WorstCaseBackoff())
}
