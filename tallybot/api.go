package tallybot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"
)

const (
	pprofPrefix     = "/debug"
	apiPrefix       = "/api"
	apiHealthCheck  = "/healthz"
	apiMetrics      = "/metrics"
	apiPathTrackers = "/trackers"
	apiPathTracker  = "/trackers/:name"
	apiPathPoll     = "/trackers/:name/poll"
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	Status                  string `json:"status"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Trackers                int    `json:"trackers"`
}

type pollResponse struct {
	Message string          `json:"message"`
	Tracker TrackerSnapshot `json:"tracker"`
}

// API serves health, metrics and tracker state over HTTP
type API struct {
	config     *APIConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger

	// listener is set by Serve, or by tests before calling Serve
	listener   net.Listener
	listenerMu sync.Mutex

	trackers  map[string]*MetricTracker
	registry  *prometheus.Registry
	connected func() bool

	pollLimiter *rate.Limiter

	// baseCtx is used for polls triggered through the API, so that they
	// outlive the request but stop on shutdown
	baseCtx context.Context
}

func newAPI(
	config *APIConfig,
	trackers map[string]*MetricTracker,
	registry *prometheus.Registry,
	connected func() bool,
	logger *slog.Logger,
) (*API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if connected == nil {
		connected = func() bool { return false }
	}
	r := gin.New()
	api := &API{
		config:    config,
		engine:    r,
		logger:    logger.With(loggerNameKey, "api"),
		trackers:  trackers,
		registry:  registry,
		connected: connected,
		baseCtx:   context.Background(),
	}

	pollLimit := rate.Inf
	burst := 1
	if config.PollRequestsPerMinute > 0 {
		pollLimit = rate.Every(time.Minute / time.Duration(config.PollRequestsPerMinute))
		burst = config.PollRequestsPerMinute
	}
	api.pollLimiter = rate.NewLimiter(pollLimit, burst)

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiMetrics, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	g := r.Group(apiPrefix)
	g.GET(apiPathTrackers, api.listTrackers)
	g.GET(apiPathTracker, api.getTracker)
	g.POST(apiPathPoll, api.pollTracker)

	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)
	return api, nil
}

// Serve listens on the configured address until ctx is done, then shuts
// down the server.
func (a *API) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	a.baseCtx = ctx

	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()

	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.logger.InfoContext(ctx, "shutting down api")
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down api: %w", err)
	}
	return nil
}

// Addr returns the listener's address, once Serve has started
func (a *API) Addr() net.Addr {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// healthCheck reports the gateway connection status and tracker count.
//
// Responses:
//   - 200 OK
func (a *API) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		healthCheckResponse{
			Status:                  "ok",
			DiscordGatewayConnected: a.connected(),
			Trackers:                len(a.trackers),
		},
	)
}

// listTrackers returns a snapshot of each tracker, sorted by name,
// without history.
func (a *API) listTrackers(c *gin.Context) {
	names := make([]string, 0, len(a.trackers))
	for name := range a.trackers {
		names = append(names, name)
	}
	slices.Sort(names)

	snapshots := make([]TrackerSnapshot, 0, len(names))
	for _, name := range names {
		snapshots = append(snapshots, a.trackers[name].Snapshot(false))
	}
	c.JSON(http.StatusOK, snapshots)
}

// getTracker returns a tracker's snapshot, including history.
//
// Responses:
//   - 200 OK
//   - 404 Not Found: unknown tracker
func (a *API) getTracker(c *gin.Context) {
	tracker, ok := a.tracker(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tracker.Snapshot(true))
}

// pollTracker starts a poll cycle for the tracker. The cycle continues in
// the background after the response is sent.
//
// Responses:
//   - 202 Accepted: the poll was started
//   - 404 Not Found: unknown tracker
//   - 409 Conflict: a poll is already in progress
//   - 429 Too Many Requests: manual polls are rate limited
func (a *API) pollTracker(c *gin.Context) {
	logger := ginContextLogger(c, a.logger)
	tracker, ok := a.tracker(c)
	if !ok {
		return
	}

	if !a.pollLimiter.Allow() {
		c.AbortWithStatusJSON(
			http.StatusTooManyRequests,
			httpError{Error: "too many poll requests"},
		)
		return
	}

	done, err := tracker.PollAsync(a.baseCtx)
	if err != nil {
		if errors.Is(err, ErrPollInFlight) {
			c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
			return
		}
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err.Error()})
		return
	}
	go func() {
		if pollErr := <-done; pollErr != nil {
			logger.Error("manual poll failed", "tracker", tracker.Name(), tint.Err(pollErr))
		}
	}()

	logger.Info("manual poll started", "tracker", tracker.Name())
	c.JSON(
		http.StatusAccepted,
		pollResponse{Message: "poll started", Tracker: tracker.Snapshot(false)},
	)
}

func (a *API) tracker(c *gin.Context) (*MetricTracker, bool) {
	name := c.Param("name")
	tracker, ok := a.trackers[name]
	if !ok {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: fmt.Sprintf("%s: %q", ErrTrackerNotFound, name)},
		)
		return nil, false
	}
	return tracker, true
}

// requestIDMiddleware assigns a random request ID to each request, or
// keeps the caller's if one was sent.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			var err error
			id, err = generateRandomHexString(32)
			if err != nil {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path, status and
// duration, along with any errors added to the context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

func init() {
	structValidator.SetTagName("binding")
	gin.SetMode(gin.ReleaseMode)
}
