package tallybot

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestPredictMilestone(t *testing.T) {
	t.Parallel()
	t0 := testEpoch.Unix()
	day := int64(secondsPerDay)
	now := time.Unix(t0+day, 0).UTC()

	testCases := []struct {
		name         string
		history      []MetricRecord
		target       int64
		wantAchieved bool
		wantDate     *time.Time
		wantRate     float64
	}{
		{
			name: "basic",
			history: []MetricRecord{
				{Timestamp: t0, Count: 100},
				{Timestamp: t0 + day, Count: 200},
			},
			target:   1000,
			wantDate: ptr(time.Unix(t0+day+8*day, 0).UTC()),
			wantRate: 100,
		},
		{
			name: "unsorted history uses extremes by timestamp",
			history: []MetricRecord{
				{Timestamp: t0 + day, Count: 200},
				{Timestamp: t0 + day/2, Count: 180},
				{Timestamp: t0, Count: 100},
			},
			target:   1000,
			wantDate: ptr(time.Unix(t0+day+8*day, 0).UTC()),
			wantRate: 100,
		},
		{
			name: "already achieved",
			history: []MetricRecord{
				{Timestamp: t0, Count: 100},
				{Timestamp: t0 + day, Count: 1000},
			},
			target:       1000,
			wantAchieved: true,
			wantRate:     900,
		},
		{
			name:    "single point",
			history: []MetricRecord{{Timestamp: t0, Count: 100}},
			target:  1000,
		},
		{
			name:   "empty",
			target: 1000,
		},
		{
			name: "duplicate timestamps",
			history: []MetricRecord{
				{Timestamp: t0, Count: 100},
				{Timestamp: t0, Count: 200},
			},
			target: 1000,
		},
		{
			name: "flat",
			history: []MetricRecord{
				{Timestamp: t0, Count: 100},
				{Timestamp: t0 + day, Count: 100},
			},
			target: 1000,
		},
		{
			name: "shrinking",
			history: []MetricRecord{
				{Timestamp: t0, Count: 300},
				{Timestamp: t0 + day, Count: 200},
			},
			target:   1000,
			wantRate: -100,
		},
		{
			name: "beyond horizon",
			history: []MetricRecord{
				{Timestamp: t0, Count: 100},
				{Timestamp: t0 + day, Count: 101},
			},
			target:   100_000_000,
			wantRate: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := PredictMilestone(tc.history, tc.target, now)
			assert.Equal(t, tc.target, p.Target)
			assert.Equal(t, tc.wantAchieved, p.Achieved)
			assert.InDelta(t, tc.wantRate, p.DailyRate, 1e-9)
			if tc.wantDate == nil {
				assert.False(t, p.Predicted())
				assert.Nil(t, p.Date)
				return
			}
			require.True(t, p.Predicted())
			assert.WithinDuration(t, *tc.wantDate, *p.Date, time.Second)
		})
	}
}

func TestPredictMilestone_FractionalDays(t *testing.T) {
	t.Parallel()
	t0 := testEpoch.Unix()
	history := []MetricRecord{
		{Timestamp: t0, Count: 0},
		{Timestamp: t0 + secondsPerDay, Count: 10},
	}
	now := time.Unix(t0+secondsPerDay, 0)
	p := PredictMilestone(history, 15, now)
	require.True(t, p.Predicted())
	assert.WithinDuration(t, now.Add(12*time.Hour), *p.Date, time.Second)
}

func TestMilestonePrediction_Describe(t *testing.T) {
	t.Parallel()
	now := testEpoch
	future := now.Add(8 * 24 * time.Hour)

	s, ok := MilestonePrediction{Target: 10, Date: &future}.Describe(now)
	assert.True(t, ok)
	assert.Equal(t, "1 week from now", s)

	s, ok = MilestonePrediction{Target: 10, Achieved: true}.Describe(now)
	assert.True(t, ok)
	assert.Equal(t, "reached", s)

	_, ok = MilestonePrediction{Target: 10}.Describe(now)
	assert.False(t, ok)
}

func TestNextMilestone(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		milestones []int64
		current    int64
		want       int64
	}{
		{milestones: []int64{1000, 5000, 10000}, current: 999, want: 1000},
		{milestones: []int64{10000, 1000, 5000}, current: 1000, want: 5000},
		{milestones: []int64{1000}, current: 1000, want: 2000},
		{current: 0, want: 1},
		{current: 7, want: 8},
		{current: 10, want: 20},
		{current: 1234, want: 2000},
		{current: 98765, want: 100000},
		{current: 17000, want: 20000},
		{current: 250_000_000, want: 300_000_000},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%v/%d", tc.milestones, tc.current), func(t *testing.T) {
			assert.Equal(t, tc.want, NextMilestone(tc.milestones, tc.current))
		})
	}
}

func TestReachedMilestones(t *testing.T) {
	t.Parallel()
	configured := []int64{1000, 2000, 5000}

	assert.Equal(t, []int64{1000, 2000}, reachedMilestones(configured, 999, 2500))
	assert.Empty(t, reachedMilestones(configured, 1000, 1999))
	assert.Empty(t, reachedMilestones(configured, 3000, 2000))
	assert.Equal(t, []int64{20000}, reachedMilestones(nil, 19990, 20001))
	assert.Empty(t, reachedMilestones(nil, 19990, 19999))
	assert.Equal(t, []int64{1000, 2000}, milestonesAtOrBelow(configured, 2000))
}
