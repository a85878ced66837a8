package analytics_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/heatsync/internal/analytics"
	"example.com/heatsync/internal/baseline"
	"example.com/heatsync/internal/persistence/memory"
	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/trends"
	"example.com/heatsync/internal/workout"
)

var (
	now      = time.Date(2025, time.May, 14, 12, 0, 0, 0, time.UTC) // Wednesday
	allowAll = analytics.Policy{IsPro: true, AllowedPeriods: trends.AllPeriods()}
)

type fixture struct {
	repo    *memory.Repository
	store   *session.Store
	service *analytics.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	repo := memory.NewRepository()
	clock := func() time.Time { return now }
	store := session.NewStore(repo, session.WithClock(session.NewLogicalClock(clock)), session.WithLogger(quiet))
	engine := baseline.NewEngine(repo, baseline.WithNow(clock), baseline.WithLogger(quiet))
	return &fixture{
		repo:    repo,
		store:   store,
		service: analytics.NewService(store, repo, engine, analytics.WithNow(clock), analytics.WithLogger(quiet)),
	}
}

func (f *fixture) capture(t *testing.T, key string, start time.Time, temp *int, hr float64) {
	t.Helper()
	ctx := context.Background()
	samples := []workout.HeartRateSample{}
	if hr > 0 {
		samples = append(samples, workout.HeartRateSample{At: start, BPM: hr})
	}
	metrics := workout.Summarize(workout.Workout{
		WorkoutKey: key, StartDate: start, EndDate: start.Add(time.Hour), EnergyTotal: 300, HeartRateSamples: samples,
	})
	require.NoError(t, f.repo.SaveWorkout(ctx, metrics))
	_, err := f.store.InsertLocal(ctx, session.Session{
		ID: "row-" + key, WorkoutKey: key, StartDate: start, RoomTemperature: temp, PerceivedEffort: session.EffortModerate,
	})
	require.NoError(t, err)
}

func temp(v int) *int { return &v }

func TestComparePeriodsDeltas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	monday := time.Date(2025, time.May, 12, 7, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.capture(t, fmt.Sprintf("cur-%d", i), monday.Add(time.Duration(i)*time.Hour), temp(95), 140)
	}
	for i := 0; i < 4; i++ {
		f.capture(t, fmt.Sprintf("prev-%d", i), monday.AddDate(0, 0, -7+i), temp(95), 150)
	}
	// A session without heart-rate data must not drag the mean toward zero.
	f.capture(t, "cur-nohr", monday.Add(6*time.Hour), temp(95), 0)

	cmp, err := f.service.ComparePeriods(ctx, allowAll, trends.PeriodWeek, 0)
	require.NoError(t, err)
	require.Equal(t, 6, cmp.Current.SessionCount)
	require.InDelta(t, 140, *cmp.Current.AverageHR, 1e-9)
	require.NotNil(t, cmp.Previous)
	require.Equal(t, 4, cmp.Previous.SessionCount)
	require.InDelta(t, -0.0667, *cmp.Deltas.AverageHR, 0.0001)

	cmp, err = f.service.ComparePeriods(ctx, allowAll, trends.PeriodWeek, 1)
	require.NoError(t, err)
	require.Equal(t, 4, cmp.Current.SessionCount)
	require.Nil(t, cmp.Previous)
}

func TestPolicyIsEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	free := analytics.Policy{AllowedPeriods: []trends.Period{trends.PeriodWeek}}

	_, err := f.service.ComparePeriods(ctx, free, trends.PeriodWeek, 0)
	require.NoError(t, err)
	_, err = f.service.ComparePeriods(ctx, free, trends.PeriodYear, 0)
	require.ErrorIs(t, err, analytics.ErrPeriodNotAllowed)
	_, err = f.service.ComparePeriods(ctx, allowAll, trends.Period("fortnight"), 0)
	require.ErrorIs(t, err, trends.ErrUnknownPeriod)

	_, err = f.service.Trend(ctx, free, trends.PeriodWeek, trends.MetricAverageHR)
	require.ErrorIs(t, err, analytics.ErrProRequired)
	_, err = f.service.Acclimation(ctx, free, baseline.Bucket90To99)
	require.ErrorIs(t, err, analytics.ErrProRequired)

	proWeekOnly := analytics.Policy{IsPro: true, AllowedPeriods: []trends.Period{trends.PeriodWeek}}
	_, err = f.service.Trend(ctx, proWeekOnly, trends.PeriodMonth, trends.MetricAverageHR)
	require.ErrorIs(t, err, analytics.ErrPeriodNotAllowed)
	_, err = f.service.Trend(ctx, proWeekOnly, trends.PeriodWeek, trends.Metric("vo2"))
	require.ErrorIs(t, err, analytics.ErrUnknownMetric)
}

func TestTrendUsesLookbackWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.capture(t, "old", now.AddDate(0, -6, 0), temp(100), 170)
	f.capture(t, "a", now.AddDate(0, 0, -14), temp(100), 150)
	f.capture(t, "b", now.AddDate(0, 0, -7), temp(100), 160)

	points, err := f.service.Trend(ctx, allowAll, trends.PeriodWeek, trends.MetricAverageHR)
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.InDelta(t, 150, points[0].Smoothed, 1e-9)
	require.InDelta(t, 155, points[1].Smoothed, 1e-9)

	points, err = f.service.Trend(ctx, allowAll, trends.PeriodYear, trends.MetricAverageHR)
	require.NoError(t, err)
	require.Len(t, points, 3)
}

func TestAcclimationOverBucket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i, hr := range []float64{160, 158, 156, 154, 152} {
		f.capture(t, fmt.Sprintf("s-%d", i), now.AddDate(0, 0, -10+i), temp(106), hr)
	}
	signal, err := f.service.Acclimation(ctx, allowAll, baseline.Bucket105AndOver)
	require.NoError(t, err)
	require.NotNil(t, signal)
	require.Equal(t, trends.AcclimationStable, signal.Status)
	require.InDelta(t, 0, signal.PercentChange, 1e-9)

	signal, err = f.service.Acclimation(ctx, allowAll, baseline.Bucket90To99)
	require.NoError(t, err)
	require.Nil(t, signal)
}

func TestRefreshBaselinesDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i, hr := range []float64{140, 150, 160} {
		f.capture(t, fmt.Sprintf("hot-%d", i), now.AddDate(0, 0, -i-1), temp(95), hr)
	}
	f.capture(t, "no-hr", now.AddDate(0, 0, -5), temp(95), 0)

	written, err := f.service.RefreshBaselines(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, written)

	for i := 0; i < 3; i++ {
		written, err = f.service.RefreshBaselines(ctx)
		require.NoError(t, err)
		require.Zero(t, written)
		_, err = f.service.CompareSession(ctx, "hot-0")
		require.NoError(t, err)
	}

	baselines, err := f.service.Baselines(ctx)
	require.NoError(t, err)
	require.Len(t, baselines, 1)
	require.Equal(t, 3, baselines[0].ContributingSessionCount)
	require.InDelta(t, 150, baselines[0].RollingAverageHR, 1e-9)
}

func TestCompareSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.capture(t, "a", now.AddDate(0, 0, -3), temp(101), 150)
	f.capture(t, "b", now.AddDate(0, 0, -2), temp(101), 150)
	f.capture(t, "c", now.AddDate(0, 0, -1), temp(101), 170)
	f.capture(t, "plain", now.AddDate(0, 0, -1), nil, 0)

	_, err := f.service.RefreshBaselines(ctx)
	require.NoError(t, err)

	cmp, err := f.service.CompareSession(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, baseline.Bucket100To104, cmp.Bucket)
	require.Equal(t, baseline.StatusHigherEffort, cmp.Status)

	_, err = f.service.CompareSession(ctx, "plain")
	require.ErrorIs(t, err, baseline.ErrNoHeartRate)
	_, err = f.service.CompareSession(ctx, "missing")
	require.ErrorIs(t, err, session.ErrNotFound)

	_, err = f.store.SoftDelete(ctx, "a")
	require.NoError(t, err)
	_, err = f.service.CompareSession(ctx, "a")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestSamplesIncludeSessionsWithoutMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	override := 45 * time.Minute
	_, err := f.store.InsertLocal(ctx, session.Session{
		ID: "row-remote", WorkoutKey: "remote", StartDate: now.AddDate(0, 0, -1),
		PerceivedEffort: session.EffortEasy, ManualDurationOverride: &override,
	})
	require.NoError(t, err)

	samples, err := f.service.Samples(ctx, session.Filter{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, override, samples[0].Duration)
	require.Nil(t, samples[0].AverageHR)
}
