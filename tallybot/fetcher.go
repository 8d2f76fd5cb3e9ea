package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/tidwall/gjson"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// fetchBodyLimit caps how much of a response body is read
	fetchBodyLimit = 1 << 20

	// maxRetryAfter caps the wait requested by a Retry-After header
	maxRetryAfter = time.Hour
)

var (
	ErrMetricPathNotFound = errors.New("metric path not found in response")
	ErrInvalidMetricValue = errors.New("metric value is not a non-negative integer")
)

// statusError is returned for non-200 responses
type statusError struct {
	StatusCode int

	// RetryAfter is only meaningful when HasRetryAfter is set, as
	// Retry-After: 0 is a valid header
	RetryAfter    time.Duration
	HasRetryAfter bool
}

func (e *statusError) Error() string {
	if e.HasRetryAfter {
		return fmt.Sprintf(
			"unexpected status: %d (retry after %s)",
			e.StatusCode,
			e.RetryAfter,
		)
	}
	return fmt.Sprintf("unexpected status: %d", e.StatusCode)
}

// MetricFetcher retrieves a single integer from a JSON HTTP endpoint.
// Failures are retried up to MaxAttempts times and then collapse to
// (0, false); Fetch never returns an error.
type MetricFetcher struct {
	name        string
	url         string
	jsonPath    string
	token       string
	userAgent   string
	timeout     time.Duration
	retryDelay  time.Duration
	maxAttempts int

	client  *http.Client
	logger  *slog.Logger
	metrics *metrics

	// sleep waits between attempts, and is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewMetricFetcher(
	name string,
	cfg *TrackerConfig,
	client *http.Client,
	logger *slog.Logger,
	m *metrics,
) *MetricFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = newMetrics(nil)
	}
	f := &MetricFetcher{
		name:        name,
		url:         cfg.URL,
		jsonPath:    cfg.JSONPath,
		token:       cfg.Token,
		userAgent:   cfg.UserAgent,
		timeout:     cfg.Timeout,
		retryDelay:  cfg.RetryDelay,
		maxAttempts: cfg.MaxAttempts,
		client:      client,
		logger:      logger.With(loggerNameKey, "fetcher", "tracker", name),
		metrics:     m,
		sleep:       sleepContext,
	}
	if f.jsonPath == "" {
		f.jsonPath = DefaultJSONPath
	}
	if f.maxAttempts < 1 {
		f.maxAttempts = DefaultFetchMaxAttempts
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	return f
}

// Fetch returns the current value, or false if every attempt failed or
// ctx was cancelled.
func (f *MetricFetcher) Fetch(ctx context.Context) (int64, bool) {
	start := time.Now()
	log := contextLoggerOr(ctx, f.logger)

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		value, err := f.fetchOnce(ctx)
		if err == nil {
			f.metrics.fetchAttempts.WithLabelValues(f.name, outcomeOK).Inc()
			f.metrics.fetchDuration.WithLabelValues(f.name, outcomeOK).Observe(
				time.Since(start).Seconds(),
			)
			log.DebugContext(
				ctx,
				"fetched metric",
				"value", value,
				"attempt", attempt,
			)
			return value, true
		}

		f.metrics.fetchAttempts.WithLabelValues(f.name, attemptOutcome(err)).Inc()
		if ctx.Err() != nil {
			log.WarnContext(ctx, "fetch cancelled", tint.Err(ctx.Err()))
			break
		}

		wait := f.retryDelay
		var se *statusError
		if errors.As(err, &se) && se.HasRetryAfter {
			wait = se.RetryAfter
		}

		log.WarnContext(
			ctx,
			"fetch attempt failed",
			tint.Err(err),
			"attempt", attempt,
			"max_attempts", f.maxAttempts,
		)
		if attempt == f.maxAttempts {
			break
		}
		if sleepErr := f.sleep(ctx, wait); sleepErr != nil {
			log.WarnContext(ctx, "fetch backoff interrupted", tint.Err(sleepErr))
			break
		}
	}

	f.metrics.fetchDuration.WithLabelValues(f.name, outcomeFailed).Observe(
		time.Since(start).Seconds(),
	)
	log.ErrorContext(
		ctx,
		"unable to fetch metric",
		"url", f.url,
		"max_attempts", f.maxAttempts,
	)
	return 0, false
}

func (f *MetricFetcher) fetchOnce(ctx context.Context) (int64, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, fetchBodyLimit))
		retryAfter, ok := parseRetryAfter(resp.Header.Get("Retry-After"))
		return 0, &statusError{
			StatusCode:    resp.StatusCode,
			RetryAfter:    retryAfter,
			HasRetryAfter: ok,
		}
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, fetchBodyLimit))
		return 0, &statusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return 0, err
	}
	return extractMetric(body, f.jsonPath)
}

// extractMetric reads the non-negative integer at path from a JSON body
func extractMetric(body []byte, path string) (int64, error) {
	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		return 0, fmt.Errorf("%w: %q", ErrMetricPathNotFound, path)
	}
	if result.Type != gjson.Number {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMetricValue, result.Raw)
	}
	if result.Num != math.Trunc(result.Num) || result.Num < 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidMetricValue, result.Raw)
	}
	return result.Int(), nil
}

// parseRetryAfter parses a Retry-After header given in whole seconds,
// capped at maxRetryAfter. It returns false if the header is absent or
// unparseable.
func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	seconds, err := strconv.ParseInt(v, 10, 64)
	switch {
	case errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(v, "-"):
		return maxRetryAfter, true
	case err != nil || seconds < 0:
		return 0, false
	case seconds > int64(maxRetryAfter/time.Second):
		return maxRetryAfter, true
	}
	return time.Duration(seconds) * time.Second, true
}

func attemptOutcome(err error) string {
	var se *statusError
	switch {
	case errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests:
		return outcomeRateLimited
	case errors.As(err, &se):
		return outcomeStatus
	case errors.Is(err, ErrMetricPathNotFound),
		errors.Is(err, ErrInvalidMetricValue):
		return outcomeParse
	default:
		return outcomeFailed
	}
}
