package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSleeper records requested sleeps without waiting
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

func (r *recordingSleeper) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv := make([]time.Duration, len(r.sleeps))
	copy(rv, r.sleeps)
	return rv
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// timeoutTransport fails every request with a timeout
type timeoutTransport struct {
	calls atomic.Int64
}

func (t *timeoutTransport) RoundTrip(_ *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return nil, timeoutError{}
}

func testTrackerConfig(t testing.TB, url string) *TrackerConfig {
	t.Helper()
	cfg := DefaultTrackerConfig("test")
	cfg.URL = url
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newTestFetcher(
	t testing.TB,
	cfg *TrackerConfig,
	client *http.Client,
) (*MetricFetcher, *recordingSleeper) {
	t.Helper()
	f := NewMetricFetcher("test", cfg, client, testLogger(t), nil)
	sleeper := &recordingSleeper{}
	f.sleep = sleeper.Sleep
	return f, sleeper
}

func TestMetricFetcher_OK(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
			assert.Empty(t, r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"count": 1234567}`))
		},
	))
	t.Cleanup(srv.Close)

	f, sleeper := newTestFetcher(t, testTrackerConfig(t, srv.URL), srv.Client())
	value, ok := f.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(1234567), value)
	assert.Empty(t, sleeper.Sleeps())
}

func TestMetricFetcher_JSONPathAndToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"full_name": "ente-io/ente", "stargazers_count": 17000, "owner": {"id": 1}}`))
		},
	))
	t.Cleanup(srv.Close)

	cfg := testTrackerConfig(t, srv.URL)
	cfg.JSONPath = "stargazers_count"
	cfg.Token = "s3cret"
	f, _ := newTestFetcher(t, cfg, srv.Client())

	value, ok := f.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(17000), value)
}

func TestMetricFetcher_RetryAfter(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"count": 42}`))
		},
	))
	t.Cleanup(srv.Close)

	f, sleeper := newTestFetcher(t, testTrackerConfig(t, srv.URL), srv.Client())
	value, ok := f.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(42), value)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Sleeps())
}

func TestMetricFetcher_RetryAfterWallClock(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for the Retry-After duration")
	}
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"count": 42}`))
		},
	))
	t.Cleanup(srv.Close)

	f := NewMetricFetcher(
		"test",
		testTrackerConfig(t, srv.URL),
		srv.Client(),
		testLogger(t),
		nil,
	)
	start := time.Now()
	value, ok := f.Fetch(context.Background())
	elapsed := time.Since(start)

	require.True(t, ok)
	assert.Equal(t, int64(42), value)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
}

func TestMetricFetcher_RetryAfterFallback(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "http-date", header: "Wed, 21 Oct 2015 07:28:00 GMT"},
		{name: "negative", header: "-5"},
		{name: "fractional", header: "1.5"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(
				func(w http.ResponseWriter, _ *http.Request) {
					if calls.Add(1) == 1 {
						if tc.header != "" {
							w.Header().Set("Retry-After", tc.header)
						}
						w.WriteHeader(http.StatusTooManyRequests)
						return
					}
					_, _ = w.Write([]byte(`{"count": 7}`))
				},
			))
			t.Cleanup(srv.Close)

			cfg := testTrackerConfig(t, srv.URL)
			cfg.RetryDelay = 1500 * time.Millisecond
			f, sleeper := newTestFetcher(t, cfg, srv.Client())

			value, ok := f.Fetch(context.Background())
			require.True(t, ok)
			assert.Equal(t, int64(7), value)
			assert.Equal(t, []time.Duration{cfg.RetryDelay}, sleeper.Sleeps())
		})
	}
}

func TestMetricFetcher_Exhaustion(t *testing.T) {
	t.Parallel()
	transport := &timeoutTransport{}
	cfg := testTrackerConfig(t, "http://metrics.invalid/count")
	f, sleeper := newTestFetcher(t, cfg, &http.Client{Transport: transport})

	value, ok := f.Fetch(context.Background())
	assert.False(t, ok)
	assert.Equal(t, int64(0), value)
	assert.Equal(t, int64(DefaultFetchMaxAttempts), transport.calls.Load())

	// no backoff after the final attempt
	assert.Len(t, sleeper.Sleeps(), DefaultFetchMaxAttempts-1)
}

func TestMetricFetcher_BadResponses(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"count": 1}`},
		{name: "not found", status: http.StatusNotFound, body: ``},
		{name: "missing field", status: http.StatusOK, body: `{"total": 1}`},
		{name: "string value", status: http.StatusOK, body: `{"count": "12"}`},
		{name: "fractional value", status: http.StatusOK, body: `{"count": 1.5}`},
		{name: "negative value", status: http.StatusOK, body: `{"count": -3}`},
		{name: "not json", status: http.StatusOK, body: `<html></html>`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(
				func(w http.ResponseWriter, _ *http.Request) {
					calls.Add(1)
					w.WriteHeader(tc.status)
					_, _ = w.Write([]byte(tc.body))
				},
			))
			t.Cleanup(srv.Close)

			f, sleeper := newTestFetcher(
				t,
				testTrackerConfig(t, srv.URL),
				srv.Client(),
			)
			_, ok := f.Fetch(context.Background())
			assert.False(t, ok)
			assert.Equal(t, int64(DefaultFetchMaxAttempts), calls.Load())
			for _, d := range sleeper.Sleeps() {
				assert.Equal(t, 10*time.Millisecond, d)
			}
		})
	}
}

func TestMetricFetcher_RecoversAfterFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) < int64(DefaultFetchMaxAttempts) {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"count": 99}`))
		},
	))
	t.Cleanup(srv.Close)

	f, _ := newTestFetcher(t, testTrackerConfig(t, srv.URL), srv.Client())
	value, ok := f.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(99), value)
}

func TestMetricFetcher_CancelledContext(t *testing.T) {
	t.Parallel()
	transport := &timeoutTransport{}
	cfg := testTrackerConfig(t, "http://metrics.invalid/count")
	f := NewMetricFetcher(
		"test",
		cfg,
		&http.Client{Transport: transport},
		testLogger(t),
		nil,
	)
	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(_ context.Context, _ time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, ok := f.Fetch(ctx)
	assert.False(t, ok)
	assert.Equal(t, int64(1), transport.calls.Load())
}

func TestExtractMetric(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		body    string
		path    string
		want    int64
		wantErr error
	}{
		{body: `{"count": 0}`, path: "count", want: 0},
		{body: `{"count": 5000000000}`, path: "count", want: 5000000000},
		{body: `{"data": {"files": {"count": 12}}}`, path: "data.files.count", want: 12},
		{body: `{"count": 3.0}`, path: "count", want: 3},
		{body: `{}`, path: "count", wantErr: ErrMetricPathNotFound},
		{body: `{"count": null}`, path: "count", wantErr: ErrInvalidMetricValue},
		{body: `{"count": true}`, path: "count", wantErr: ErrInvalidMetricValue},
		{body: `{"count": -1}`, path: "count", wantErr: ErrInvalidMetricValue},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s/%s", tc.path, tc.body), func(t *testing.T) {
			got, err := extractMetric([]byte(tc.body), tc.path)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		header   string
		expected time.Duration
		ok       bool
	}{
		{header: "2", expected: 2 * time.Second, ok: true},
		{header: " 30 ", expected: 30 * time.Second, ok: true},
		{header: "0", expected: 0, ok: true},
		{header: "3600", expected: time.Hour, ok: true},
		{header: "86400", expected: maxRetryAfter, ok: true},
		{header: "99999999999999999999", expected: maxRetryAfter, ok: true},
		{header: "", ok: false},
		{header: "soon", ok: false},
		{header: "-1", ok: false},
		{header: "-99999999999999999999", ok: false},
	}
	for _, tc := range testCases {
		t.Run(
			fmt.Sprintf("%q", tc.header), func(t *testing.T) {
				t.Parallel()
				d, ok := parseRetryAfter(tc.header)
				assert.Equal(t, tc.ok, ok)
				assert.Equal(t, tc.expected, d)
			},
		)
	}
}

func TestMetricFetcher_RetryAfterZero(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"count": 42}`))
		},
	))
	t.Cleanup(srv.Close)

	f, sleeper := newTestFetcher(t, testTrackerConfig(t, srv.URL), srv.Client())
	value, ok := f.Fetch(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(42), value)
	// retried immediately, rather than after RetryDelay
	assert.Equal(t, []time.Duration{0}, sleeper.Sleeps())
}
