// Package baseline maintains one rolling heart-rate baseline per room-temperature bucket.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
)

// Bucket is a fixed room-temperature range in degrees Fahrenheit.
type Bucket string

const (
	BucketUnheated   Bucket = "unheated"
	BucketBelow90    Bucket = "<90"
	Bucket90To99     Bucket = "90-99"
	Bucket100To104   Bucket = "100-104"
	Bucket105AndOver Bucket = "105+"
)

// AllBuckets lists buckets from coolest to hottest.
func AllBuckets() []Bucket {
	return []Bucket{BucketUnheated, BucketBelow90, Bucket90To99, Bucket100To104, Bucket105AndOver}
}

// BucketFor maps a room temperature to its bucket. Nil means the room was unheated.
func BucketFor(temperature *int) Bucket {
	if temperature == nil {
		return BucketUnheated
	}
	switch t := *temperature; {
	case t < 90:
		return BucketBelow90
	case t < 100:
		return Bucket90To99
	case t < 105:
		return Bucket100To104
	default:
		return Bucket105AndOver
	}
}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	for _, known := range AllBuckets() {
		if b == known {
			return true
		}
	}
	return false
}

const (
	// MinimumSessions is the number of contributing sessions required before comparisons are made.
	MinimumSessions = 3
	// EffortThreshold is the relative deviation beyond which a session is flagged.
	EffortThreshold = 0.05
)

var (
	// ErrInvalidContribution is returned for contributions without a usable heart rate or key.
	ErrInvalidContribution = errors.New("invalid baseline contribution")
	// ErrNoHeartRate is returned when a comparison is requested for a session without heart-rate data.
	ErrNoHeartRate = errors.New("session has no heart-rate data")
)

// Baseline is the persisted aggregate for one bucket.
type Baseline struct {
	Bucket                   Bucket
	RollingAverageHR         float64
	ContributingSessionCount int
	LastUpdated              time.Time
}

// Contribution marks that one session has been folded into a bucket.
type Contribution struct {
	SessionKey    string
	Bucket        Bucket
	AverageHR     float64
	ContributedAt time.Time
}

// Repository persists baselines and the per-session contribution markers.
type Repository interface {
	GetBaseline(ctx context.Context, bucket Bucket) (*Baseline, error)
	ListBaselines(ctx context.Context) ([]Baseline, error)
	GetContribution(ctx context.Context, sessionKey string) (*Contribution, error)
	// SaveContribution upserts c and, in the same transaction, recomputes the baseline of
	// c.Bucket and of the bucket the session previously contributed to.
	SaveContribution(ctx context.Context, c Contribution) error
}

// Aggregate recomputes a bucket baseline from its distinct contributions.
func Aggregate(bucket Bucket, contributions []Contribution, now time.Time) Baseline {
	out := Baseline{Bucket: bucket, LastUpdated: now}
	var sum float64
	for _, c := range contributions {
		if c.Bucket != bucket {
			continue
		}
		sum += c.AverageHR
		out.ContributingSessionCount++
	}
	if out.ContributingSessionCount > 0 {
		out.RollingAverageHR = sum / float64(out.ContributingSessionCount)
	}
	return out
}

// Option configures the Engine.
type Option func(*Engine)

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger overrides the engine logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine folds session heart rates into bucket baselines, at most once per session.
type Engine struct {
	repo   Repository
	now    func() time.Time
	logger *log.Logger
}

// NewEngine constructs an Engine.
func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{
		repo:   repo,
		now:    time.Now,
		logger: log.New(log.Writer(), "[baseline] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Contribute records sessionKey's average heart rate in bucket. Repeating a call with
// the same bucket and value changes nothing; a changed value or bucket replaces the
// session's earlier contribution instead of adding a second one. The returned bool
// reports whether anything was written.
func (e *Engine) Contribute(ctx context.Context, bucket Bucket, averageHR float64, sessionKey string) (Baseline, bool, error) {
	if sessionKey == "" || !bucket.Valid() || averageHR <= 0 || math.IsNaN(averageHR) || math.IsInf(averageHR, 0) {
		return Baseline{}, false, fmt.Errorf("%w: session=%q bucket=%q hr=%v", ErrInvalidContribution, sessionKey, bucket, averageHR)
	}

	existing, err := e.repo.GetContribution(ctx, sessionKey)
	if err != nil {
		return Baseline{}, false, err
	}
	if existing != nil && existing.Bucket == bucket && math.Abs(existing.AverageHR-averageHR) < 1e-9 {
		current, err := e.Baseline(ctx, bucket)
		return current, false, err
	}

	contribution := Contribution{
		SessionKey:    sessionKey,
		Bucket:        bucket,
		AverageHR:     averageHR,
		ContributedAt: e.now().UTC(),
	}
	if err := e.repo.SaveContribution(ctx, contribution); err != nil {
		return Baseline{}, false, fmt.Errorf("save contribution %s: %w", sessionKey, err)
	}
	if existing != nil && existing.Bucket != bucket {
		e.logger.Printf("session %s moved from bucket %s to %s", sessionKey, existing.Bucket, bucket)
	}

	updated, err := e.Baseline(ctx, bucket)
	return updated, true, err
}

// Baseline returns the bucket aggregate, or an empty baseline if none exists yet.
func (e *Engine) Baseline(ctx context.Context, bucket Bucket) (Baseline, error) {
	stored, err := e.repo.GetBaseline(ctx, bucket)
	if err != nil {
		return Baseline{}, err
	}
	if stored == nil {
		return Baseline{Bucket: bucket}, nil
	}
	return *stored, nil
}

// Baselines returns every persisted baseline.
func (e *Engine) Baselines(ctx context.Context) ([]Baseline, error) {
	return e.repo.ListBaselines(ctx)
}

// Status classifies a session against its bucket baseline.
type Status string

const (
	StatusInsufficientData Status = "insufficient_data"
	StatusLowerEffort      Status = "lower_effort"
	StatusTypical          Status = "typical"
	StatusHigherEffort     Status = "higher_effort"
)

// Comparison is the outcome of CompareToBaseline.
type Comparison struct {
	Bucket         Bucket
	Status         Status
	SessionsNeeded int
	BaselineHR     float64
	SessionHR      float64
	Deviation      float64
}

// CompareToBaseline judges sessionHR against the bucket baseline. It only reads.
func (e *Engine) CompareToBaseline(ctx context.Context, bucket Bucket, sessionHR float64) (Comparison, error) {
	if sessionHR <= 0 {
		return Comparison{}, ErrNoHeartRate
	}
	current, err := e.Baseline(ctx, bucket)
	if err != nil {
		return Comparison{}, err
	}
	return Classify(current, sessionHR), nil
}

// Classify compares a heart rate with a baseline snapshot.
func Classify(b Baseline, sessionHR float64) Comparison {
	out := Comparison{Bucket: b.Bucket, SessionHR: sessionHR, BaselineHR: b.RollingAverageHR}
	if b.ContributingSessionCount < MinimumSessions {
		out.Status = StatusInsufficientData
		out.SessionsNeeded = MinimumSessions - b.ContributingSessionCount
		return out
	}

	out.Deviation = (sessionHR - b.RollingAverageHR) / b.RollingAverageHR
	switch {
	case out.Deviation < -EffortThreshold:
		out.Status = StatusLowerEffort
	case out.Deviation > EffortThreshold:
		out.Status = StatusHigherEffort
	default:
		out.Status = StatusTypical
	}
	return out
}
