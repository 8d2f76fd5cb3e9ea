package tallybot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tallybot"

const (
	outcomeOK          = "ok"
	outcomeFailed      = "failed"
	outcomeRateLimited = "rate_limited"
	outcomeStatus      = "bad_status"
	outcomeParse       = "parse_error"
	outcomeUnchanged   = "unchanged"
	outcomeSkipped     = "skipped"
	outcomeUserLimit   = "user_throttled"
	outcomeGuildLimit  = "guild_throttled"
)

// metrics holds the prometheus collectors shared by every tracker. Each
// TallyBot registers its own set against its own registry.
type metrics struct {
	registry *prometheus.Registry

	fetchAttempts   *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	metricValue     *prometheus.GaugeVec
	pollCycles      *prometheus.CounterVec
	renames         *prometheus.CounterVec
	renameInterval  *prometheus.GaugeVec
	refreshRequests *prometheus.CounterVec
	persistErrors   *prometheus.CounterVec
	announcements   *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		fetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_attempts_total",
			Help:      "Metric source requests, by tracker and outcome",
		}, []string{"tracker", "outcome"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of complete fetch calls, including retries and backoff",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tracker", "status"}),
		metricValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "metric_value",
			Help:      "Last observed value of the tracked metric",
		}, []string{"tracker"}),
		pollCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_cycles_total",
			Help:      "Scheduled poll cycles, by tracker and outcome",
		}, []string{"tracker", "outcome"}),
		renames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_renames_total",
			Help:      "Channel rename attempts, by tracker and outcome",
		}, []string{"tracker", "outcome"}),
		renameInterval: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "channel_rename_minimum_interval_seconds",
			Help:      "Current minimum interval between channel renames",
		}, []string{"tracker"}),
		refreshRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refresh_requests_total",
			Help:      "Manual refresh requests, by tracker and outcome",
		}, []string{"tracker", "outcome"}),
		persistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_persist_errors_total",
			Help:      "Failed state writes, by tracker",
		}, []string{"tracker"}),
		announcements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "milestone_announcements_total",
			Help:      "Milestone announcements, by tracker and outcome",
		}, []string{"tracker", "outcome"}),
	}
}
