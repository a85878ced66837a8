package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"example.com/heatsync/internal/baseline"
	"example.com/heatsync/internal/workout"
)

// SaveWorkout implements workout.Repository.
func (s *Store) SaveWorkout(ctx context.Context, m workout.Metrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workouts (workout_key, start_date, end_date, duration_seconds, energy_kcal, average_hr, max_hr, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workout_key) DO UPDATE SET
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			duration_seconds = excluded.duration_seconds,
			energy_kcal = excluded.energy_kcal,
			average_hr = excluded.average_hr,
			max_hr = excluded.max_hr,
			sample_count = excluded.sample_count`,
		m.WorkoutKey, m.StartDate.Unix(), m.EndDate.Unix(), int64(m.Duration/time.Second),
		nullFloat(m.EnergyKcal), nullFloat(m.AverageHR), nullFloat(m.MaxHR), m.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("save workout %s: %w", m.WorkoutKey, err)
	}
	return nil
}

// workoutKeyChunk keeps IN lists well under SQLite's bound-variable limit.
const workoutKeyChunk = 500

// WorkoutMetrics implements workout.Repository.
func (s *Store) WorkoutMetrics(ctx context.Context, workoutKeys []string) (map[string]workout.Metrics, error) {
	out := make(map[string]workout.Metrics, len(workoutKeys))
	for start := 0; start < len(workoutKeys); start += workoutKeyChunk {
		end := min(start+workoutKeyChunk, len(workoutKeys))
		if err := s.loadWorkouts(ctx, workoutKeys[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadWorkouts(ctx context.Context, keys []string, out map[string]workout.Metrics) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT workout_key, start_date, end_date, duration_seconds, energy_kcal, average_hr, max_hr, sample_count
		FROM workouts WHERE workout_key IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("query workouts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m                   workout.Metrics
			start, end, seconds int64
			energy, avg, peak   sql.NullFloat64
		)
		if err := rows.Scan(&m.WorkoutKey, &start, &end, &seconds, &energy, &avg, &peak, &m.SampleCount); err != nil {
			return fmt.Errorf("scan workout: %w", err)
		}
		m.StartDate = time.Unix(start, 0).UTC()
		m.EndDate = time.Unix(end, 0).UTC()
		m.Duration = time.Duration(seconds) * time.Second
		m.EnergyKcal = floatPtr(energy)
		m.AverageHR = floatPtr(avg)
		m.MaxHR = floatPtr(peak)
		out[m.WorkoutKey] = m
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate workouts: %w", err)
	}
	return nil
}

// GetBaseline implements baseline.Repository.
func (s *Store) GetBaseline(ctx context.Context, bucket baseline.Bucket) (*baseline.Baseline, error) {
	b := baseline.Baseline{Bucket: bucket}
	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT rolling_average_hr, contributing_session_count, last_updated FROM baselines WHERE bucket = ?`,
		string(bucket)).Scan(&b.RollingAverageHR, &b.ContributingSessionCount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline %s: %w", bucket, err)
	}
	b.LastUpdated = time.Unix(updated, 0).UTC()
	return &b, nil
}

// ListBaselines implements baseline.Repository.
func (s *Store) ListBaselines(ctx context.Context) ([]baseline.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, rolling_average_hr, contributing_session_count, last_updated FROM baselines`)
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	defer rows.Close()

	var out []baseline.Baseline
	for rows.Next() {
		var (
			b       baseline.Baseline
			bucket  string
			updated int64
		)
		if err := rows.Scan(&bucket, &b.RollingAverageHR, &b.ContributingSessionCount, &updated); err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		b.Bucket = baseline.Bucket(bucket)
		b.LastUpdated = time.Unix(updated, 0).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate baselines: %w", err)
	}

	order := make(map[baseline.Bucket]int)
	for i, bucket := range baseline.AllBuckets() {
		order[bucket] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i].Bucket] < order[out[j].Bucket] })
	return out, nil
}

// GetContribution implements baseline.Repository.
func (s *Store) GetContribution(ctx context.Context, sessionKey string) (*baseline.Contribution, error) {
	c := baseline.Contribution{SessionKey: sessionKey}
	var (
		bucket string
		at     int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT bucket, average_hr, contributed_at FROM baseline_contributions WHERE session_key = ?`,
		sessionKey).Scan(&bucket, &c.AverageHR, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contribution %s: %w", sessionKey, err)
	}
	c.Bucket = baseline.Bucket(bucket)
	c.ContributedAt = time.Unix(at, 0).UTC()
	return &c, nil
}

// SaveContribution implements baseline.Repository. The bucket aggregates are
// recomputed from the contribution rows in the same transaction.
func (s *Store) SaveContribution(ctx context.Context, c baseline.Contribution) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		affected := []string{string(c.Bucket)}
		var previous string
		err := tx.QueryRowContext(ctx, `SELECT bucket FROM baseline_contributions WHERE session_key = ?`, c.SessionKey).Scan(&previous)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("select contribution: %w", err)
		case previous != string(c.Bucket):
			affected = append(affected, previous)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO baseline_contributions (session_key, bucket, average_hr, contributed_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET
				bucket = excluded.bucket,
				average_hr = excluded.average_hr,
				contributed_at = excluded.contributed_at`,
			c.SessionKey, string(c.Bucket), c.AverageHR, c.ContributedAt.Unix()); err != nil {
			return fmt.Errorf("upsert contribution: %w", err)
		}

		for _, bucket := range affected {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO baselines (bucket, rolling_average_hr, contributing_session_count, last_updated)
				SELECT ?, COALESCE(AVG(average_hr), 0), COUNT(*), ? FROM baseline_contributions WHERE bucket = ?
				ON CONFLICT(bucket) DO UPDATE SET
					rolling_average_hr = excluded.rolling_average_hr,
					contributing_session_count = excluded.contributing_session_count,
					last_updated = excluded.last_updated`,
				bucket, c.ContributedAt.Unix(), bucket); err != nil {
				return fmt.Errorf("recompute baseline %s: %w", bucket, err)
			}
		}
		return nil
	})
}
