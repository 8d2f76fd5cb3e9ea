package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPollInFlight    = errors.New("poll already in progress")
	ErrFetchFailed     = errors.New("unable to fetch metric")
	ErrTrackerNotFound = errors.New("tracker not found")

	// errStaleObservation is returned by update when a value fetched
	// later has already been applied
	errStaleObservation = errors.New("newer value already recorded")
)

// MetricSource provides the current value of a metric
type MetricSource interface {
	Fetch(ctx context.Context) (int64, bool)
}

// PresenceUpdater sets the bot's "watching ..." activity
type PresenceUpdater interface {
	UpdateWatching(text string) error
}

// Requester identifies who asked for a manual refresh
type Requester struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id,omitempty"`
}

type RefreshStatus string

const (
	RefreshOK             RefreshStatus = "ok"
	RefreshUserThrottled  RefreshStatus = "user_throttled"
	RefreshGuildThrottled RefreshStatus = "guild_throttled"
	RefreshFailed         RefreshStatus = "failed"
)

// RefreshResult is the outcome of a manual refresh
type RefreshResult struct {
	Status RefreshStatus `json:"status"`
	Value  int64         `json:"value,omitempty"`

	// Changed is true if the value differed from the last recorded value
	Changed bool `json:"changed"`

	// RetryAfter is set when Status is one of the throttled statuses
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Prediction is for the next milestone above Value
	Prediction MilestonePrediction `json:"prediction"`
	FetchedAt  time.Time           `json:"fetched_at"`
}

// TrackerSnapshot is a point-in-time view of a tracker
type TrackerSnapshot struct {
	Name               string              `json:"name"`
	Title              string              `json:"title"`
	Unit               string              `json:"unit"`
	Value              *int64              `json:"value"`
	LastUpdate         *time.Time          `json:"last_update"`
	LastPoll           *time.Time          `json:"last_poll"`
	LastPollError      string              `json:"last_poll_error,omitempty"`
	PollInFlight       bool                `json:"poll_in_flight"`
	PollInterval       time.Duration       `json:"poll_interval"`
	RenameInterval     time.Duration       `json:"rename_interval,omitempty"`
	ChannelLabel       string              `json:"channel_label,omitempty"`
	NextMilestone      MilestonePrediction `json:"next_milestone"`
	AchievedMilestones []int64             `json:"achieved_milestones"`
	History            []MetricRecord      `json:"history,omitempty"`
}

type trackerDeps struct {
	source       MetricSource
	history      *HistoryStore
	renamer      *ChannelRenamer
	presence     PresenceUpdater
	announcer    MilestoneAnnouncer
	userLimiter  *RateLimiter
	guildLimiter *RateLimiter
	logger       *slog.Logger
	metrics      *metrics
}

// MetricTracker polls a metric on a schedule, records changes, and keeps
// the channel name and presence in sync with the latest value. It also
// serves rate limited manual refreshes.
//
// At most one poll cycle runs at a time. Manual refreshes fetch
// independently, but history updates (from either path) are serialized
// by stateMu.
type MetricTracker struct {
	name string
	cfg  *TrackerConfig
	trackerDeps

	pollInFlight atomic.Bool

	stateMu        sync.Mutex
	persistPending bool
	// fetch start of the most recently applied value
	lastObserved time.Time

	// displayMu serializes display updates. It's held while a rename
	// waits on the renamer's interval.
	displayMu sync.Mutex

	appliedMu       sync.RWMutex
	appliedLabel    string
	appliedPresence string

	pollMu        sync.RWMutex
	lastPoll      time.Time
	lastPollError error

	// labelSync wakes Run to apply a new label outside of the schedule
	labelSync chan struct{}

	now func() time.Time
}

func newMetricTracker(
	name string,
	cfg *TrackerConfig,
	deps trackerDeps,
) *MetricTracker {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	if deps.metrics == nil {
		deps.metrics = newMetrics(nil)
	}
	deps.logger = deps.logger.With(loggerNameKey, "tracker", "tracker", name)
	return &MetricTracker{
		name:        name,
		cfg:         cfg,
		trackerDeps: deps,
		labelSync:   make(chan struct{}, 1),
		now:         time.Now,
	}
}

func (t *MetricTracker) Name() string {
	return t.name
}

func (t *MetricTracker) Config() *TrackerConfig {
	return t.cfg
}

// Run polls immediately, then every PollInterval until ctx is done. A
// failed or panicking cycle is logged, and the loop continues.
func (t *MetricTracker) Run(ctx context.Context) {
	interval := t.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t.logger.InfoContext(
		ctx,
		"starting tracker",
		"poll_interval", interval,
		"url", t.cfg.URL,
	)

	t.pollOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.InfoContext(ctx, "stopping tracker")
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		case <-t.labelSync:
			if err := t.syncDisplay(ctx); err != nil {
				t.logger.ErrorContext(ctx, "error updating display", tint.Err(err))
			}
		}
	}
}

func (t *MetricTracker) pollOnce(ctx context.Context) {
	defer func() {
		if rc := recover(); rc != nil {
			t.logger.ErrorContext(
				ctx,
				"panic in poll cycle",
				tint.Err(fmt.Errorf("%v", rc)),
				"stack", string(debug.Stack()),
			)
			t.metrics.pollCycles.WithLabelValues(t.name, "panic").Inc()
		}
	}()
	if err := t.Poll(ctx); err != nil && !errors.Is(err, ErrPollInFlight) {
		if ctx.Err() != nil {
			return
		}
		t.logger.ErrorContext(ctx, "poll cycle failed", tint.Err(err))
	}
}

// Poll runs a single fetch-and-update cycle. It returns ErrPollInFlight
// without doing anything if another cycle is running.
func (t *MetricTracker) Poll(ctx context.Context) error {
	if !t.acquirePoll(ctx) {
		return ErrPollInFlight
	}
	return t.poll(ctx)
}

// PollAsync starts a poll cycle in the background. The returned channel
// receives the cycle's result. It returns ErrPollInFlight if another cycle
// is running.
func (t *MetricTracker) PollAsync(ctx context.Context) (<-chan error, error) {
	if !t.acquirePoll(ctx) {
		return nil, ErrPollInFlight
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer func() {
			if rc := recover(); rc != nil {
				t.logger.ErrorContext(
					ctx,
					"panic in poll cycle",
					tint.Err(fmt.Errorf("%v", rc)),
					"stack", string(debug.Stack()),
				)
				done <- fmt.Errorf("poll panicked: %v", rc)
			}
		}()
		done <- t.poll(ctx)
	}()
	return done, nil
}

func (t *MetricTracker) acquirePoll(ctx context.Context) bool {
	if t.pollInFlight.CompareAndSwap(false, true) {
		return true
	}
	t.metrics.pollCycles.WithLabelValues(t.name, outcomeSkipped).Inc()
	t.logger.WarnContext(ctx, "previous poll still in flight, skipping")
	return false
}

// poll must only be called after acquirePoll succeeds
func (t *MetricTracker) poll(ctx context.Context) (err error) {
	defer t.pollInFlight.Store(false)
	defer func() {
		t.pollMu.Lock()
		t.lastPoll = t.now()
		t.lastPollError = err
		t.pollMu.Unlock()
	}()

	fetchStart := t.now()
	value, ok := t.source.Fetch(ctx)
	if !ok {
		t.metrics.pollCycles.WithLabelValues(t.name, outcomeFailed).Inc()
		return ErrFetchFailed
	}

	changed, added, err := t.update(ctx, value, fetchStart)
	switch {
	case errors.Is(err, errStaleObservation):
		t.logger.DebugContext(ctx, "discarding stale value", "value", value)
		t.metrics.pollCycles.WithLabelValues(t.name, outcomeUnchanged).Inc()
		return nil
	case err != nil:
		t.metrics.pollCycles.WithLabelValues(t.name, outcomeFailed).Inc()
		return err
	}
	t.announce(ctx, added, value)

	if err = t.syncDisplay(ctx); err != nil {
		t.metrics.pollCycles.WithLabelValues(t.name, outcomeFailed).Inc()
		return err
	}

	if changed {
		t.metrics.pollCycles.WithLabelValues(t.name, outcomeOK).Inc()
		t.logger.InfoContext(ctx, "value changed", "value", value)
	} else {
		t.metrics.pollCycles.WithLabelValues(t.name, outcomeUnchanged).Inc()
		t.logger.DebugContext(ctx, "value unchanged", "value", value)
	}
	return nil
}

// Refresh serves a manual refresh for requester. The guild limiter is
// checked before the user limiter.
func (t *MetricTracker) Refresh(ctx context.Context, requester Requester) RefreshResult {
	if result, ok := t.Admit(ctx, requester); !ok {
		return result
	}
	return t.refreshAdmitted(ctx)
}

// Admit checks the refresh limiters for requester, spending a token from
// each. If either limiter refuses, it returns the throttled result and
// false.
func (t *MetricTracker) Admit(ctx context.Context, requester Requester) (RefreshResult, bool) {
	log := contextLoggerOr(ctx, t.logger)

	if requester.GuildID != "" && t.guildLimiter != nil {
		if allowed, retryAfter := t.guildLimiter.Check(requester.GuildID); !allowed {
			t.metrics.refreshRequests.WithLabelValues(t.name, outcomeGuildLimit).Inc()
			log.InfoContext(ctx, "guild rate limited", "retry_after", retryAfter)
			return RefreshResult{
				Status:     RefreshGuildThrottled,
				RetryAfter: retryAfter,
			}, false
		}
	}
	if t.userLimiter != nil {
		if allowed, retryAfter := t.userLimiter.Check(requester.UserID); !allowed {
			t.metrics.refreshRequests.WithLabelValues(t.name, outcomeUserLimit).Inc()
			log.InfoContext(ctx, "user rate limited", "retry_after", retryAfter)
			return RefreshResult{
				Status:     RefreshUserThrottled,
				RetryAfter: retryAfter,
			}, false
		}
	}
	return RefreshResult{}, true
}

// refreshAdmitted fetches and records the current value for a refresh
// that already passed Admit
func (t *MetricTracker) refreshAdmitted(ctx context.Context) RefreshResult {
	log := contextLoggerOr(ctx, t.logger)

	fetchStart := t.now()
	value, ok := t.source.Fetch(ctx)
	if !ok {
		t.metrics.refreshRequests.WithLabelValues(t.name, outcomeFailed).Inc()
		return RefreshResult{Status: RefreshFailed}
	}

	now := t.now()
	changed, added, err := t.update(ctx, value, fetchStart)
	switch {
	case errors.Is(err, errStaleObservation):
		// a poll fetched and recorded a newer value while this one was
		// in flight
		if latest, ok := t.history.LastValue(); ok {
			log.DebugContext(
				ctx,
				"discarding stale refreshed value",
				"value", value,
				"latest", latest,
			)
			value = latest
		}
	case err != nil:
		// the fetched value is still good to show
		log.ErrorContext(ctx, "error recording refreshed value", tint.Err(err))
	}
	t.announce(ctx, added, value)

	if changed && t.cfg.RenameOnRefresh {
		select {
		case t.labelSync <- struct{}{}:
		default:
		}
	}

	t.metrics.refreshRequests.WithLabelValues(t.name, outcomeOK).Inc()
	return RefreshResult{
		Status:     RefreshOK,
		Value:      value,
		Changed:    changed,
		Prediction: t.predictNext(value, now),
		FetchedAt:  now,
	}
}

// update records value if it differs from the last recorded value, and
// marks any milestones it reached. It returns whether the value changed,
// and which milestones should be announced. fetchStart is when the fetch
// for value began. If a value fetched after that was already applied,
// value is discarded with errStaleObservation.
func (t *MetricTracker) update(ctx context.Context, value int64, fetchStart time.Time) (
	changed bool,
	announce []int64,
	err error,
) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if fetchStart.Before(t.lastObserved) {
		return false, nil, errStaleObservation
	}
	t.lastObserved = fetchStart
	t.metrics.metricValue.WithLabelValues(t.name).Set(float64(value))

	previous, hadPrevious := t.history.LastValue()
	if hadPrevious && previous == value {
		if t.persistPending {
			if err = t.history.Save(ctx); err != nil {
				t.metrics.persistErrors.WithLabelValues(t.name).Inc()
				return false, nil, err
			}
			t.persistPending = false
		}
		return false, nil, nil
	}

	if err = t.history.Record(ctx, value, t.now()); err != nil {
		t.persistPending = true
		t.metrics.persistErrors.WithLabelValues(t.name).Inc()
		return true, nil, err
	}
	t.persistPending = false

	var candidates []int64
	switch {
	case !hadPrevious:
		// first observation, nothing is announced
		candidates = milestonesAtOrBelow(t.cfg.Milestones, value)
	case len(t.cfg.Milestones) > 0:
		candidates = milestonesAtOrBelow(t.cfg.Milestones, value)
	default:
		candidates = reachedMilestones(nil, previous, value)
	}
	if len(candidates) == 0 {
		return true, nil, nil
	}

	added, markErr := t.history.MarkAchieved(ctx, candidates...)
	if markErr != nil {
		t.persistPending = true
		t.metrics.persistErrors.WithLabelValues(t.name).Inc()
		t.logger.ErrorContext(ctx, "error saving achieved milestones", tint.Err(markErr))
	}
	if !hadPrevious {
		if len(added) > 0 {
			t.logger.InfoContext(
				ctx,
				"marked milestones achieved on first observation",
				"milestones", added,
			)
		}
		return true, nil, nil
	}
	return true, added, nil
}

func (t *MetricTracker) announce(ctx context.Context, milestones []int64, value int64) {
	if t.announcer == nil || len(milestones) == 0 {
		return
	}
	for _, m := range milestones {
		err := t.announcer.Announce(
			ctx,
			Announcement{
				Tracker:   t.name,
				Title:     t.cfg.Title,
				Unit:      t.cfg.Unit,
				Emoji:     t.cfg.Emoji,
				ChannelID: t.cfg.AnnounceChannelID,
				Milestone: m,
				Value:     value,
			},
		)
		if err != nil {
			t.metrics.announcements.WithLabelValues(t.name, outcomeFailed).Inc()
			t.logger.ErrorContext(
				ctx,
				"error announcing milestone",
				tint.Err(err),
				"milestone", m,
			)
			continue
		}
		t.metrics.announcements.WithLabelValues(t.name, outcomeOK).Inc()
	}
}

// syncDisplay applies the channel label and presence for the last
// recorded value, skipping whichever is already applied.
func (t *MetricTracker) syncDisplay(ctx context.Context) error {
	value, ok := t.history.LastValue()
	if !ok {
		return nil
	}

	t.displayMu.Lock()
	defer t.displayMu.Unlock()

	t.appliedMu.RLock()
	appliedLabel, appliedPresence := t.appliedLabel, t.appliedPresence
	t.appliedMu.RUnlock()

	if t.renamer != nil && t.cfg.ChannelNameFormat != "" {
		label := t.ChannelLabel(value)
		if label != appliedLabel {
			if err := t.renamer.Rename(ctx, label); err != nil {
				return err
			}
			t.appliedMu.Lock()
			t.appliedLabel = label
			t.appliedMu.Unlock()
		}
	}

	if t.presence != nil && t.cfg.PresenceFormat != "" {
		text := t.PresenceText(value)
		if text != appliedPresence {
			if err := t.presence.UpdateWatching(text); err != nil {
				t.logger.WarnContext(ctx, "unable to update presence", tint.Err(err))
			} else {
				t.appliedMu.Lock()
				t.appliedPresence = text
				t.appliedMu.Unlock()
			}
		}
	}
	return nil
}

// ChannelLabel renders value with the channel name format
func (t *MetricTracker) ChannelLabel(value int64) string {
	return fmt.Sprintf(t.cfg.ChannelNameFormat, formatCount(value))
}

// PresenceText renders value with the presence format
func (t *MetricTracker) PresenceText(value int64) string {
	return fmt.Sprintf(t.cfg.PresenceFormat, formatCount(value))
}

func (t *MetricTracker) predictNext(value int64, now time.Time) MilestonePrediction {
	return PredictMilestone(
		t.history.History(),
		NextMilestone(t.cfg.Milestones, value),
		now,
	)
}

// Snapshot returns the tracker's current state. History is only included
// when withHistory is true.
func (t *MetricTracker) Snapshot(withHistory bool) TrackerSnapshot {
	state := t.history.State()
	s := TrackerSnapshot{
		Name:               t.name,
		Title:              t.cfg.Title,
		Unit:               t.cfg.Unit,
		Value:              state.LastCount,
		PollInFlight:       t.pollInFlight.Load(),
		PollInterval:       t.cfg.PollInterval,
		AchievedMilestones: state.AchievedMilestones,
	}
	if state.LastUpdate != nil {
		s.LastUpdate = ptr(time.Unix(*state.LastUpdate, 0).UTC())
	}

	t.pollMu.RLock()
	if !t.lastPoll.IsZero() {
		s.LastPoll = ptr(t.lastPoll)
	}
	if t.lastPollError != nil {
		s.LastPollError = t.lastPollError.Error()
	}
	t.pollMu.RUnlock()

	if t.renamer != nil {
		s.RenameInterval = t.renamer.MinimumInterval()
	}
	t.appliedMu.RLock()
	s.ChannelLabel = t.appliedLabel
	t.appliedMu.RUnlock()

	if state.LastCount != nil {
		s.NextMilestone = PredictMilestone(
			state.HistoricalCounts,
			NextMilestone(t.cfg.Milestones, *state.LastCount),
			t.now(),
		)
	}
	if withHistory {
		s.History = state.HistoricalCounts
	}
	return s
}

func ptr[T any](v T) *T {
	return &v
}
