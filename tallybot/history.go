package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// MetricRecord is a single observed value
type MetricRecord struct {
	// Timestamp is in seconds since the epoch (UTC)
	Timestamp int64 `json:"timestamp"`
	Count     int64 `json:"count"`
}

func (r MetricRecord) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// MetricState is the persisted state of a tracked metric. History is in
// insertion order, which is usually but not necessarily chronological.
type MetricState struct {
	LastCount          *int64         `json:"last_count"`
	LastUpdate         *int64         `json:"last_update"`
	HistoricalCounts   []MetricRecord `json:"historical_counts"`
	AchievedMilestones []int64        `json:"achieved_milestones"`
}

// Copy returns a deep copy of s
func (s MetricState) Copy() MetricState {
	rv := MetricState{
		HistoricalCounts:   slices.Clone(s.HistoricalCounts),
		AchievedMilestones: slices.Clone(s.AchievedMilestones),
	}
	if s.LastCount != nil {
		v := *s.LastCount
		rv.LastCount = &v
	}
	if s.LastUpdate != nil {
		v := *s.LastUpdate
		rv.LastUpdate = &v
	}
	return rv.normalized()
}

// normalized returns s with non-nil slices and achieved milestones
// sorted and deduplicated, so equal states encode identically.
func (s MetricState) normalized() MetricState {
	if s.HistoricalCounts == nil {
		s.HistoricalCounts = []MetricRecord{}
	}
	achieved := slices.Clone(s.AchievedMilestones)
	if achieved == nil {
		achieved = []int64{}
	}
	slices.Sort(achieved)
	s.AchievedMilestones = slices.Compact(achieved)
	return s
}

// HistoryStore owns the canonical MetricState for one tracker. Every
// mutation replaces the whole persisted document.
type HistoryStore struct {
	name      string
	store     StateStore
	retention time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	state MetricState
}

// NewHistoryStore loads the existing state for name from store. A missing
// or unreadable document starts an empty history rather than failing.
func NewHistoryStore(
	ctx context.Context,
	name string,
	store StateStore,
	retention time.Duration,
	logger *slog.Logger,
) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	h := &HistoryStore{
		name:      name,
		store:     store,
		retention: retention,
		logger:    logger.With(loggerNameKey, "history", "tracker", name),
	}

	state, err := store.LoadState(ctx, name)
	switch {
	case err == nil:
		h.state = state.normalized()
		h.logger.InfoContext(
			ctx,
			"loaded state",
			"records", len(h.state.HistoricalCounts),
			"achieved_milestones", h.state.AchievedMilestones,
		)
	case errors.Is(err, ErrStateNotFound):
		h.logger.InfoContext(ctx, "no existing state, starting empty")
		h.state = MetricState{}.normalized()
	default:
		h.logger.WarnContext(
			ctx,
			"unable to load state, starting empty",
			tint.Err(err),
		)
		h.state = MetricState{}.normalized()
	}
	return h
}

// Record appends a sample, drops samples older than the retention window
// (relative to ts), and persists the whole state. On a persistence error
// the in-memory state still holds the new sample; the next successful
// write persists it.
func (h *HistoryStore) Record(ctx context.Context, value int64, ts time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	unix := ts.Unix()
	h.state.HistoricalCounts = append(
		h.state.HistoricalCounts,
		MetricRecord{Timestamp: unix, Count: value},
	)
	h.state.LastCount = &value
	h.state.LastUpdate = &unix

	cutoff := unix - int64(h.retention/time.Second)
	h.state.HistoricalCounts = slices.DeleteFunc(
		h.state.HistoricalCounts,
		func(r MetricRecord) bool {
			return r.Timestamp < cutoff
		},
	)

	return h.persist(ctx)
}

// MarkAchieved adds milestones to the achieved set and persists the
// state if anything changed. It returns the milestones that were newly
// added.
func (h *HistoryStore) MarkAchieved(
	ctx context.Context,
	milestones ...int64,
) ([]int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var added []int64
	for _, m := range milestones {
		if slices.Contains(h.state.AchievedMilestones, m) ||
			slices.Contains(added, m) {
			continue
		}
		added = append(added, m)
	}
	if len(added) == 0 {
		return nil, nil
	}
	h.state.AchievedMilestones = append(h.state.AchievedMilestones, added...)
	h.state = h.state.normalized()
	slices.Sort(added)
	return added, h.persist(ctx)
}

// Save persists the current state as-is
func (h *HistoryStore) Save(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.persist(ctx)
}

// persist must be called with mu held
func (h *HistoryStore) persist(ctx context.Context) error {
	if err := h.store.SaveState(ctx, h.name, h.state.Copy()); err != nil {
		h.logger.ErrorContext(ctx, "failed to persist state", tint.Err(err))
		return fmt.Errorf("error saving state for %q: %w", h.name, err)
	}
	return nil
}

// Recent returns samples no older than maxAge relative to now, in
// insertion order.
func (h *HistoryStore) Recent(maxAge time.Duration, now time.Time) []MetricRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := now.Add(-maxAge).Unix()
	var rv []MetricRecord
	for _, r := range h.state.HistoricalCounts {
		if r.Timestamp >= cutoff {
			rv = append(rv, r)
		}
	}
	return rv
}

// History returns a copy of every retained sample
func (h *HistoryStore) History() []MetricRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.state.HistoricalCounts)
}

// Oldest returns the sample with the smallest timestamp. Array position
// isn't trusted, since samples aren't guaranteed to be sorted.
func (h *HistoryStore) Oldest() (MetricRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return oldestRecord(h.state.HistoricalCounts)
}

// Newest returns the sample with the largest timestamp
func (h *HistoryStore) Newest() (MetricRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return newestRecord(h.state.HistoricalCounts)
}

// LastValue returns the last recorded value, if any
func (h *HistoryStore) LastValue() (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state.LastCount == nil {
		return 0, false
	}
	return *h.state.LastCount, true
}

// Achieved reports whether milestone has already been marked achieved
func (h *HistoryStore) Achieved(milestone int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, found := slices.BinarySearch(h.state.AchievedMilestones, milestone)
	return found
}

// State returns a deep copy of the current state
func (h *HistoryStore) State() MetricState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Copy()
}

// oldestRecord scans for the minimum timestamp. On ties, the first
// occurrence wins.
func oldestRecord(records []MetricRecord) (MetricRecord, bool) {
	if len(records) == 0 {
		return MetricRecord{}, false
	}
	oldest := records[0]
	for _, r := range records[1:] {
		if r.Timestamp < oldest.Timestamp {
			oldest = r
		}
	}
	return oldest, true
}

// newestRecord scans for the maximum timestamp. On ties, the last
// occurrence wins.
func newestRecord(records []MetricRecord) (MetricRecord, bool) {
	if len(records) == 0 {
		return MetricRecord{}, false
	}
	newest := records[0]
	for _, r := range records[1:] {
		if r.Timestamp >= newest.Timestamp {
			newest = r
		}
	}
	return newest, true
}
