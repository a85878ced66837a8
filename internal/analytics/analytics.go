// Package analytics answers baseline, period and trend questions over the visible
// session set joined with captured workout metrics. Entitlement and allowed periods
// arrive as a Policy on every call and are only checked, never decided, here.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"example.com/heatsync/internal/baseline"
	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/trends"
	"example.com/heatsync/internal/workout"
)

var (
	// ErrPeriodNotAllowed is returned when the policy does not include the requested period.
	ErrPeriodNotAllowed = errors.New("period not allowed")
	// ErrProRequired is returned for trend and acclimation queries without a pro policy.
	ErrProRequired = errors.New("pro entitlement required")
	// ErrUnknownMetric is returned for unsupported trend metrics.
	ErrUnknownMetric = errors.New("unknown trend metric")
)

// Policy carries the caller's entitlement and settings.
type Policy struct {
	IsPro          bool
	AllowedPeriods []trends.Period
}

// Allows reports whether p is one of the allowed periods.
func (p Policy) Allows(period trends.Period) bool {
	return slices.Contains(p.AllowedPeriods, period)
}

// SessionReader is the read side of the session store.
type SessionReader interface {
	FetchVisible(ctx context.Context, filter session.Filter) ([]session.Session, error)
	Get(ctx context.Context, workoutKey string) (*session.Session, error)
}

// MetricsReader looks up captured workout metrics.
type MetricsReader interface {
	WorkoutMetrics(ctx context.Context, workoutKeys []string) (map[string]workout.Metrics, error)
}

// Option configures the Service.
type Option func(*Service)

// WithNow overrides the wall clock used to anchor periods.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger overrides the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service joins sessions, workout metrics and baselines.
type Service struct {
	sessions  SessionReader
	metrics   MetricsReader
	baselines *baseline.Engine
	now       func() time.Time
	logger    *log.Logger
}

// NewService constructs a Service.
func NewService(sessions SessionReader, metrics MetricsReader, baselines *baseline.Engine, opts ...Option) *Service {
	s := &Service{
		sessions:  sessions,
		metrics:   metrics,
		baselines: baselines,
		now:       time.Now,
		logger:    log.New(log.Writer(), "[analytics] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Samples returns the visible sessions matching filter with their workout metrics.
// Sessions without captured metrics (for example ones synced from another
// device) still appear, with only the session-level fields set.
func (s *Service) Samples(ctx context.Context, filter session.Filter) ([]trends.Sample, error) {
	visible, err := s.sessions.FetchVisible(ctx, filter)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(visible))
	for _, v := range visible {
		keys = append(keys, v.WorkoutKey)
	}
	metrics, err := s.metrics.WorkoutMetrics(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("load workout metrics: %w", err)
	}

	out := make([]trends.Sample, 0, len(visible))
	for _, v := range visible {
		out = append(out, sample(v, metrics[v.WorkoutKey]))
	}
	return out, nil
}

func sample(s session.Session, m workout.Metrics) trends.Sample {
	return trends.Sample{
		Key:         s.WorkoutKey,
		Date:        s.StartDate,
		Duration:    s.EffectiveDuration(m.Duration),
		EnergyKcal:  m.EnergyKcal,
		AverageHR:   m.AverageHR,
		MaxHR:       m.MaxHR,
		Temperature: s.RoomTemperature,
	}
}

// ComparePeriods compares the period offset periods back with the one before it.
func (s *Service) ComparePeriods(ctx context.Context, policy Policy, period trends.Period, offset int) (trends.Comparison, error) {
	if err := checkPeriod(policy, period); err != nil {
		return trends.Comparison{}, err
	}
	if offset < 0 {
		offset = 0
	}
	now := s.now()
	prevStart, _ := period.Interval(now, offset+1)
	_, end := period.Interval(now, offset)

	samples, err := s.Samples(ctx, session.Filter{Start: prevStart, End: end})
	if err != nil {
		return trends.Comparison{}, err
	}
	return trends.Compare(samples, period, now, offset), nil
}

// Trend smooths one metric over the period's lookback window.
func (s *Service) Trend(ctx context.Context, policy Policy, period trends.Period, metric trends.Metric) ([]trends.TrendPoint, error) {
	if !policy.IsPro {
		return nil, ErrProRequired
	}
	if err := checkPeriod(policy, period); err != nil {
		return nil, err
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}

	years, months, days := period.Window()
	now := s.now().UTC()
	samples, err := s.Samples(ctx, session.Filter{Start: now.AddDate(years, months, days)})
	if err != nil {
		return nil, err
	}
	return trends.EWMATrend(trends.Series(samples, metric), period), nil
}

// Acclimation reports the heat-adaptation signal for bucket.
func (s *Service) Acclimation(ctx context.Context, policy Policy, bucket baseline.Bucket) (*trends.AcclimationSignal, error) {
	if !policy.IsPro {
		return nil, ErrProRequired
	}
	if !bucket.Valid() {
		return nil, fmt.Errorf("%w: bucket %q", baseline.ErrInvalidContribution, bucket)
	}
	samples, err := s.Samples(ctx, session.Filter{})
	if err != nil {
		return nil, err
	}
	return trends.Acclimation(samples, bucket), nil
}

// CompareSession judges one session against its bucket baseline. Viewing a
// session never contributes to the baseline.
func (s *Service) CompareSession(ctx context.Context, workoutKey string) (baseline.Comparison, error) {
	sess, err := s.sessions.Get(ctx, workoutKey)
	if err != nil {
		return baseline.Comparison{}, err
	}
	if sess.Tombstoned() {
		return baseline.Comparison{}, session.ErrNotFound
	}
	metrics, err := s.metrics.WorkoutMetrics(ctx, []string{workoutKey})
	if err != nil {
		return baseline.Comparison{}, fmt.Errorf("load workout metrics: %w", err)
	}
	m, ok := metrics[workoutKey]
	if !ok || !m.HasHeartRate() {
		return baseline.Comparison{}, baseline.ErrNoHeartRate
	}
	return s.baselines.CompareToBaseline(ctx, baseline.BucketFor(sess.RoomTemperature), *m.AverageHR)
}

// Contribute folds one session into its bucket baseline if it qualifies. It
// reports whether a contribution was written.
func (s *Service) Contribute(ctx context.Context, sess session.Session, m workout.Metrics) (bool, error) {
	if sess.Tombstoned() || !m.HasHeartRate() {
		return false, nil
	}
	_, written, err := s.baselines.Contribute(ctx, baseline.BucketFor(sess.RoomTemperature), *m.AverageHR, sess.WorkoutKey)
	return written, err
}

// RefreshBaselines contributes every qualifying visible session. Sessions that
// already contributed with the same bucket and heart rate are skipped, so the
// call is safe to repeat after every pull.
func (s *Service) RefreshBaselines(ctx context.Context) (int, error) {
	visible, err := s.sessions.FetchVisible(ctx, session.Filter{})
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(visible))
	for _, v := range visible {
		keys = append(keys, v.WorkoutKey)
	}
	metrics, err := s.metrics.WorkoutMetrics(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("load workout metrics: %w", err)
	}

	var (
		written int
		errs    []error
	)
	for _, v := range visible {
		ok, err := s.Contribute(ctx, v, metrics[v.WorkoutKey])
		if err != nil {
			errs = append(errs, fmt.Errorf("contribute %s: %w", v.WorkoutKey, err))
			continue
		}
		if ok {
			written++
		}
	}
	if written > 0 {
		s.logger.Printf("baselines refreshed: %d contributions written", written)
	}
	return written, errors.Join(errs...)
}

// Baselines returns every persisted bucket baseline.
func (s *Service) Baselines(ctx context.Context) ([]baseline.Baseline, error) {
	return s.baselines.Baselines(ctx)
}

func checkPeriod(policy Policy, period trends.Period) error {
	if !period.Valid() {
		return fmt.Errorf("%w: %q", trends.ErrUnknownPeriod, period)
	}
	if !policy.Allows(period) {
		return fmt.Errorf("%w: %s", ErrPeriodNotAllowed, period)
	}
	return nil
}
