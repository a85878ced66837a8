package trends

import (
	"sort"
	"time"
)

// Metric selects the sample value a trend series follows.
type Metric string

const (
	MetricAverageHR   Metric = "average_hr"
	MetricDuration    Metric = "duration_minutes"
	MetricEnergy      Metric = "energy_kcal"
	MetricTemperature Metric = "temperature"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricAverageHR, MetricDuration, MetricEnergy, MetricTemperature:
		return true
	}
	return false
}

// Point is one raw observation.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// TrendPoint is a raw observation with its smoothed value.
type TrendPoint struct {
	Date     time.Time `json:"date"`
	Value    float64   `json:"value"`
	Smoothed float64   `json:"smoothed"`
}

// Series extracts one point per sample that carries the metric.
func Series(samples []Sample, metric Metric) []Point {
	out := make([]Point, 0, len(samples))
	for _, s := range sortSamples(samples) {
		switch metric {
		case MetricAverageHR:
			if s.hasHR() {
				out = append(out, Point{Date: s.Date, Value: *s.AverageHR})
			}
		case MetricDuration:
			if s.Duration > 0 {
				out = append(out, Point{Date: s.Date, Value: s.Duration.Minutes()})
			}
		case MetricEnergy:
			if s.EnergyKcal != nil {
				out = append(out, Point{Date: s.Date, Value: *s.EnergyKcal})
			}
		case MetricTemperature:
			if s.Temperature != nil {
				out = append(out, Point{Date: s.Date, Value: float64(*s.Temperature)})
			}
		}
	}
	return out
}

// EWMATrend smooths points with the period's alpha. The input is sorted by date
// (on a copy) first, so the result depends only on the point set and the period.
// The first smoothed value equals the first observation.
func EWMATrend(points []Point, period Period) []TrendPoint {
	if len(points) == 0 {
		return nil
	}
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Value < sorted[j].Value
		}
		return sorted[i].Date.Before(sorted[j].Date)
	})

	alpha := period.Alpha()
	out := make([]TrendPoint, len(sorted))
	smoothed := sorted[0].Value
	for i, p := range sorted {
		if i > 0 {
			smoothed = alpha*p.Value + (1-alpha)*smoothed
		}
		out[i] = TrendPoint{Date: p.Date, Value: p.Value, Smoothed: smoothed}
	}
	return out
}
