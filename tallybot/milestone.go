package tallybot

import (
	"github.com/dustin/go-humanize"
	"math"
	"slices"
	"time"
)

const secondsPerDay = 86400

// maxPredictionHorizon keeps predicted dates well inside time.Duration's
// range. Anything further out is reported as unpredictable.
const maxPredictionHorizon = 100 * 365 * 24 * time.Hour

// MilestonePrediction is the result of extrapolating history to a target
type MilestonePrediction struct {
	Target int64 `json:"target"`

	// Date is when the target is expected to be reached, if it can be
	// predicted
	Date *time.Time `json:"date,omitempty"`

	// Achieved is true if the newest sample already meets the target
	Achieved bool `json:"achieved"`

	// DailyRate is the growth per day between the oldest and newest
	// samples, when there are enough samples to compute it
	DailyRate float64 `json:"daily_rate"`
}

// Predicted reports whether a date was predicted
func (p MilestonePrediction) Predicted() bool {
	return p.Date != nil
}

// Describe returns a short human readable form, relative to now
// ("in 8 days", "reached", ...). The second value is false when there's
// nothing worth showing.
func (p MilestonePrediction) Describe(now time.Time) (string, bool) {
	switch {
	case p.Achieved:
		return "reached", true
	case p.Date != nil:
		return humanize.RelTime(*p.Date, now, "ago", "from now"), true
	default:
		return "", false
	}
}

// PredictMilestone linearly extrapolates from the oldest and newest
// samples in history (by timestamp, not position) to estimate when target
// will be reached.
func PredictMilestone(
	history []MetricRecord,
	target int64,
	now time.Time,
) MilestonePrediction {
	p := MilestonePrediction{Target: target}
	if len(history) < 2 {
		return p
	}
	oldest, _ := oldestRecord(history)
	newest, _ := newestRecord(history)

	timeDiff := newest.Timestamp - oldest.Timestamp
	if timeDiff <= 0 {
		return p
	}

	p.DailyRate = float64(newest.Count-oldest.Count) / float64(timeDiff) * secondsPerDay

	remaining := target - newest.Count
	if remaining <= 0 {
		p.Achieved = true
		return p
	}
	if p.DailyRate <= 0 {
		return p
	}

	daysUntil := float64(remaining) / p.DailyRate
	hours := daysUntil * 24
	if hours > maxPredictionHorizon.Hours() || math.IsInf(hours, 0) || math.IsNaN(hours) {
		return p
	}
	predicted := now.UTC().Add(time.Duration(hours * float64(time.Hour)))
	p.Date = &predicted
	return p
}

// NextMilestone returns the smallest configured milestone above current.
// When none is configured above current, it returns the next round
// number: the next multiple of the power of ten one digit below
// current's magnitude (1,234 -> 2,000; 98,765 -> 100,000).
func NextMilestone(milestones []int64, current int64) int64 {
	next := int64(-1)
	for _, m := range milestones {
		if m > current && (next == -1 || m < next) {
			next = m
		}
	}
	if next != -1 {
		return next
	}
	return nextRoundNumber(current)
}

func nextRoundNumber(current int64) int64 {
	if current < 10 {
		return max(current+1, 1)
	}
	step := int64(1)
	for v := current; v >= 10; v /= 10 {
		step *= 10
	}
	return (current/step + 1) * step
}

// reachedMilestones returns the milestones reached by current that have
// not been reached by previous. Without configured milestones, the round
// number above previous is used.
func reachedMilestones(milestones []int64, previous, current int64) []int64 {
	if current <= previous {
		return nil
	}
	if len(milestones) == 0 {
		if m := nextRoundNumber(previous); m <= current {
			return []int64{m}
		}
		return nil
	}
	var rv []int64
	for _, m := range milestones {
		if m > previous && m <= current {
			rv = append(rv, m)
		}
	}
	slices.Sort(rv)
	return slices.Compact(rv)
}

// milestonesAtOrBelow returns every configured milestone <= current
func milestonesAtOrBelow(milestones []int64, current int64) []int64 {
	var rv []int64
	for _, m := range milestones {
		if m <= current {
			rv = append(rv, m)
		}
	}
	slices.Sort(rv)
	return slices.Compact(rv)
}
