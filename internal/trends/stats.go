// Package trends derives period statistics, smoothed trend series and acclimation
// signals from the merged, visible session set. Nothing here is persisted.
package trends

import (
	"errors"
	"sort"
	"time"
)

// ErrUnknownPeriod is returned for unsupported period names.
var ErrUnknownPeriod = errors.New("unknown period")

// Sample is one visible session joined with its captured workout metrics.
type Sample struct {
	Key         string
	Date        time.Time
	Duration    time.Duration
	EnergyKcal  *float64
	AverageHR   *float64
	MaxHR       *float64
	Temperature *int
}

func (s Sample) hasHR() bool {
	return s.AverageHR != nil && *s.AverageHR > 0
}

// Stats aggregates the sessions that started inside [Start, End).
type Stats struct {
	Start              time.Time     `json:"start"`
	End                time.Time     `json:"end"`
	SessionCount       int           `json:"sessionCount"`
	TotalDuration      time.Duration `json:"totalDuration"`
	TotalEnergyKcal    float64       `json:"totalEnergyKcal"`
	AverageHR          *float64      `json:"averageHR,omitempty"`
	MaxHR              *float64      `json:"maxHR,omitempty"`
	AverageTemperature *float64      `json:"averageTemperature,omitempty"`
	HeartRateSessions  int           `json:"heartRateSessions"`
}

// PeriodStats aggregates samples over the half-open interval. Heart-rate and
// temperature means only include sessions where the value is known.
func PeriodStats(samples []Sample, start, end time.Time) Stats {
	out := Stats{Start: start, End: end}

	var hrSum, tempSum float64
	var tempCount int
	for _, s := range samples {
		if s.Date.Before(start) || !s.Date.Before(end) {
			continue
		}
		out.SessionCount++
		out.TotalDuration += s.Duration
		if s.EnergyKcal != nil {
			out.TotalEnergyKcal += *s.EnergyKcal
		}
		if s.hasHR() {
			hrSum += *s.AverageHR
			out.HeartRateSessions++
		}
		if s.MaxHR != nil && (out.MaxHR == nil || *s.MaxHR > *out.MaxHR) {
			peak := *s.MaxHR
			out.MaxHR = &peak
		}
		if s.Temperature != nil {
			tempSum += float64(*s.Temperature)
			tempCount++
		}
	}

	if out.HeartRateSessions > 0 {
		avg := hrSum / float64(out.HeartRateSessions)
		out.AverageHR = &avg
	}
	if tempCount > 0 {
		avg := tempSum / float64(tempCount)
		out.AverageTemperature = &avg
	}
	return out
}

// Deltas are relative changes from the previous period to the current one, as
// fractions (-0.067 is a 6.7% drop). A nil delta means the previous value was zero
// or unknown.
type Deltas struct {
	SessionCount  *float64 `json:"sessionCount,omitempty"`
	TotalDuration *float64 `json:"totalDuration,omitempty"`
	TotalEnergy   *float64 `json:"totalEnergy,omitempty"`
	AverageHR     *float64 `json:"averageHR,omitempty"`
	MaxHR         *float64 `json:"maxHR,omitempty"`
}

// Comparison pairs the selected period with the one immediately before it.
// Previous is nil when the earlier period has no sessions.
type Comparison struct {
	Period   Period  `json:"period"`
	Current  Stats   `json:"current"`
	Previous *Stats  `json:"previous,omitempty"`
	Deltas   *Deltas `json:"deltas,omitempty"`
}

// Compare computes the stats of the period containing now shifted back offset
// periods, and of the period immediately preceding it.
func Compare(samples []Sample, period Period, now time.Time, offset int) Comparison {
	start, end := period.Interval(now, offset)
	prevStart, prevEnd := period.Interval(now, offset+1)

	out := Comparison{Period: period, Current: PeriodStats(samples, start, end)}
	previous := PeriodStats(samples, prevStart, prevEnd)
	if previous.SessionCount == 0 {
		return out
	}
	out.Previous = &previous
	out.Deltas = &Deltas{
		SessionCount:  change(float64(out.Current.SessionCount), float64(previous.SessionCount)),
		TotalDuration: change(out.Current.TotalDuration.Seconds(), previous.TotalDuration.Seconds()),
		TotalEnergy:   change(out.Current.TotalEnergyKcal, previous.TotalEnergyKcal),
		AverageHR:     changePtr(out.Current.AverageHR, previous.AverageHR),
		MaxHR:         changePtr(out.Current.MaxHR, previous.MaxHR),
	}
	return out
}

// PercentChange returns (current - previous) / previous, or nil when previous is zero.
func PercentChange(current, previous float64) *float64 {
	return change(current, previous)
}

func change(current, previous float64) *float64 {
	if previous == 0 {
		return nil
	}
	v := (current - previous) / previous
	return &v
}

func changePtr(current, previous *float64) *float64 {
	if current == nil || previous == nil {
		return nil
	}
	return change(*current, *previous)
}

// sortSamples returns a copy of samples ordered by date, then key.
func sortSamples(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].Key < out[j].Key
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}
