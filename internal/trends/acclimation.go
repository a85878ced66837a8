package trends

import "example.com/heatsync/internal/baseline"

const (
	// AcclimationWindow is the number of sessions in each of the early and recent windows.
	AcclimationWindow = 5
	// ImprovingThreshold is the relative HR drop below which the signal reports improvement.
	ImprovingThreshold = -0.03
)

// AcclimationStatus summarises heat adaptation within one bucket.
type AcclimationStatus string

const (
	AcclimationImproving AcclimationStatus = "improving"
	AcclimationStable    AcclimationStatus = "stable"
)

// AcclimationSignal compares early and recent mean heart rate within a bucket.
type AcclimationSignal struct {
	Bucket        baseline.Bucket   `json:"bucket"`
	SessionCount  int               `json:"sessionCount"`
	EarlyMeanHR   float64           `json:"earlyMeanHR"`
	RecentMeanHR  float64           `json:"recentMeanHR"`
	PercentChange float64           `json:"percentChange"`
	Status        AcclimationStatus `json:"status"`
}

// Acclimation returns nil unless the bucket has at least AcclimationWindow sessions
// with heart-rate data. With fewer than twice the window the early and recent
// windows overlap.
func Acclimation(samples []Sample, bucket baseline.Bucket) *AcclimationSignal {
	inBucket := make([]Sample, 0, len(samples))
	for _, s := range sortSamples(samples) {
		if s.hasHR() && baseline.BucketFor(s.Temperature) == bucket {
			inBucket = append(inBucket, s)
		}
	}
	if len(inBucket) < AcclimationWindow {
		return nil
	}

	early := meanHR(inBucket[:AcclimationWindow])
	recent := meanHR(inBucket[len(inBucket)-AcclimationWindow:])
	signal := &AcclimationSignal{
		Bucket:        bucket,
		SessionCount:  len(inBucket),
		EarlyMeanHR:   early,
		RecentMeanHR:  recent,
		PercentChange: (recent - early) / early,
		Status:        AcclimationStable,
	}
	if signal.PercentChange < ImprovingThreshold {
		signal.Status = AcclimationImproving
	}
	return signal
}

func meanHR(samples []Sample) float64 {
	var sum float64
	for _, s := range samples {
		sum += *s.AverageHR
	}
	return sum / float64(len(samples))
}
