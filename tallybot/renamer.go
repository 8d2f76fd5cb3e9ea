package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"time"
)

// discordChannelNameMaxLength is Discord's limit on channel names
const discordChannelNameMaxLength = 100

var ErrRenameRateLimited = errors.New("channel rename rate limited after retry")

// ChannelRenamer renames a Discord channel, keeping at least
// MinimumInterval between edits. When Discord responds with a rate limit,
// it waits the requested duration and retries once. If the requested
// duration exceeds the current interval, the interval is widened to
// retry_after + 10% and is never narrowed again.
//
// Renames aren't deduplicated by label. Callers should only rename
// when the value has changed.
type ChannelRenamer struct {
	tracker   string
	channelID string
	session   DiscordSessionHandler
	logger    *slog.Logger
	metrics   *metrics

	// renameMu is held for the whole rename, including waits, so
	// renames for a channel never overlap
	renameMu sync.Mutex

	// mu guards minInterval and lastEdit only, and is never held
	// while waiting
	mu          sync.Mutex
	minInterval time.Duration
	lastEdit    time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewChannelRenamer(
	tracker string,
	channelID string,
	session DiscordSessionHandler,
	minInterval time.Duration,
	logger *slog.Logger,
	m *metrics,
) *ChannelRenamer {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = newMetrics(nil)
	}
	r := &ChannelRenamer{
		tracker:     tracker,
		channelID:   channelID,
		session:     session,
		minInterval: minInterval,
		logger: logger.With(
			loggerNameKey, "renamer",
			"tracker", tracker,
			"channel_id", channelID,
		),
		metrics: m,
		now:     time.Now,
		sleep:   sleepContext,
	}
	r.metrics.renameInterval.WithLabelValues(tracker).Set(minInterval.Seconds())
	return r
}

// MinimumInterval returns the current minimum interval between renames
func (r *ChannelRenamer) MinimumInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minInterval
}

// LastEdit returns the time of the last successful rename, or the zero
// time if there hasn't been one.
func (r *ChannelRenamer) LastEdit() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEdit
}

// Rename sets the channel name to label. It blocks while throttled.
func (r *ChannelRenamer) Rename(ctx context.Context, label string) error {
	r.renameMu.Lock()
	defer r.renameMu.Unlock()

	log := contextLoggerOr(ctx, r.logger)
	label = truncate(label, discordChannelNameMaxLength)

	minInterval := r.MinimumInterval()
	if lastEdit := r.LastEdit(); !lastEdit.IsZero() {
		elapsed := r.now().Sub(lastEdit)
		if elapsed < minInterval {
			wait := minInterval - elapsed
			log.InfoContext(
				ctx,
				"waiting before next channel edit",
				"wait", wait,
				"minimum_interval", minInterval,
			)
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	err := r.edit(label)
	if err == nil {
		r.editSucceeded(ctx, label)
		return nil
	}

	retryAfter, rateLimited := discordRetryAfter(err)
	if !rateLimited {
		r.metrics.renames.WithLabelValues(r.tracker, outcomeFailed).Inc()
		return fmt.Errorf("error renaming channel: %w", err)
	}

	r.metrics.renames.WithLabelValues(r.tracker, outcomeRateLimited).Inc()
	log.WarnContext(
		ctx,
		"rate limited on channel edit",
		"retry_after", retryAfter,
		"minimum_interval", minInterval,
	)
	if err = r.sleep(ctx, retryAfter); err != nil {
		return err
	}
	r.widen(ctx, retryAfter)

	if err = r.edit(label); err != nil {
		if _, again := discordRetryAfter(err); again {
			r.metrics.renames.WithLabelValues(r.tracker, outcomeRateLimited).Inc()
			return fmt.Errorf("%w: %w", ErrRenameRateLimited, err)
		}
		r.metrics.renames.WithLabelValues(r.tracker, outcomeFailed).Inc()
		return fmt.Errorf("error renaming channel after rate limit: %w", err)
	}

	r.editSucceeded(ctx, label)
	return nil
}

func (r *ChannelRenamer) editSucceeded(ctx context.Context, label string) {
	r.mu.Lock()
	r.lastEdit = r.now()
	r.mu.Unlock()
	r.metrics.renames.WithLabelValues(r.tracker, outcomeOK).Inc()
	contextLoggerOr(ctx, r.logger).InfoContext(ctx, "renamed channel", "name", label)
}

// widen raises the minimum interval to retryAfter + 10% when retryAfter
// exceeds it. The interval never shrinks.
func (r *ChannelRenamer) widen(ctx context.Context, retryAfter time.Duration) {
	r.mu.Lock()
	if retryAfter <= r.minInterval {
		r.mu.Unlock()
		return
	}
	r.minInterval = retryAfter + retryAfter/10
	minInterval := r.minInterval
	r.mu.Unlock()

	r.metrics.renameInterval.WithLabelValues(r.tracker).Set(minInterval.Seconds())
	contextLoggerOr(ctx, r.logger).WarnContext(
		ctx,
		"widened minimum channel edit interval",
		"minimum_interval", minInterval,
	)
}

func (r *ChannelRenamer) edit(label string) error {
	_, err := r.session.ChannelEdit(
		r.channelID,
		&discordgo.ChannelEdit{Name: label},
		discordgo.WithRetryOnRatelimit(false),
	)
	if err != nil {
		r.logger.Error("channel edit failed", tint.Err(err))
	}
	return err
}

// discordRetryAfter extracts the retry duration from a discordgo rate
// limit error.
func discordRetryAfter(err error) (time.Duration, bool) {
	var rle *discordgo.RateLimitError
	if !errors.As(err, &rle) {
		return 0, false
	}
	if rle.RateLimit == nil || rle.TooManyRequests == nil {
		return 0, true
	}
	return rle.RetryAfter, true
}
