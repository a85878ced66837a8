// Package workout describes finalized workouts handed over by the capture collaborator
// and the per-workout metrics the analytics read back.
package workout

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInvalidWorkout is returned for capture records missing identity or timing.
var ErrInvalidWorkout = errors.New("invalid workout record")

// HeartRateSample is one heart-rate reading.
type HeartRateSample struct {
	At  time.Time
	BPM float64
}

// Workout is the immutable record produced by on-device capture.
type Workout struct {
	WorkoutKey       string
	StartDate        time.Time
	EndDate          time.Time
	Duration         time.Duration
	EnergyTotal      float64
	HeartRateSamples []HeartRateSample
}

// Validate ensures the capture record is usable.
func (w Workout) Validate() error {
	switch {
	case strings.TrimSpace(w.WorkoutKey) == "":
		return errors.Join(ErrInvalidWorkout, errors.New("workout key is required"))
	case w.StartDate.IsZero():
		return errors.Join(ErrInvalidWorkout, errors.New("start date is required"))
	case !w.EndDate.IsZero() && w.EndDate.Before(w.StartDate):
		return errors.Join(ErrInvalidWorkout, errors.New("end date precedes start date"))
	case w.Duration < 0 || w.EnergyTotal < 0:
		return errors.Join(ErrInvalidWorkout, errors.New("duration and energy must be non-negative"))
	}
	return nil
}

// Metrics is the summarised form of a workout kept in the local store.
type Metrics struct {
	WorkoutKey  string
	StartDate   time.Time
	EndDate     time.Time
	Duration    time.Duration
	EnergyKcal  *float64
	AverageHR   *float64
	MaxHR       *float64
	SampleCount int
}

// HasHeartRate reports whether an average heart rate is known.
func (m Metrics) HasHeartRate() bool {
	return m.AverageHR != nil && *m.AverageHR > 0
}

// Summarize reduces a capture record to stored metrics. Non-positive samples are
// treated as sensor dropouts and ignored.
func Summarize(w Workout) Metrics {
	m := Metrics{
		WorkoutKey: w.WorkoutKey,
		StartDate:  w.StartDate.UTC(),
		EndDate:    w.EndDate.UTC(),
		Duration:   w.Duration,
	}
	if m.Duration == 0 && !w.EndDate.IsZero() {
		m.Duration = w.EndDate.Sub(w.StartDate)
	}
	if w.EnergyTotal > 0 {
		energy := w.EnergyTotal
		m.EnergyKcal = &energy
	}

	var sum, peak float64
	for _, sample := range w.HeartRateSamples {
		if sample.BPM <= 0 {
			continue
		}
		sum += sample.BPM
		if sample.BPM > peak {
			peak = sample.BPM
		}
		m.SampleCount++
	}
	if m.SampleCount > 0 {
		avg := sum / float64(m.SampleCount)
		m.AverageHR = &avg
		m.MaxHR = &peak
	}
	return m
}

// Repository persists workout metrics on the device that captured or imported them.
type Repository interface {
	SaveWorkout(ctx context.Context, metrics Metrics) error
	WorkoutMetrics(ctx context.Context, workoutKeys []string) (map[string]Metrics, error)
}
