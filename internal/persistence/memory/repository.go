// Package memory provides an in-memory persistence collaborator for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"example.com/heatsync/internal/baseline"
	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/workout"
)

// Repository stores sessions, workouts, baselines and sync tokens in memory.
// A single mutex serialises writers so each call behaves like one transaction.
type Repository struct {
	mu            sync.RWMutex
	sessions      map[string]session.Session
	workouts      map[string]workout.Metrics
	baselines     map[baseline.Bucket]baseline.Baseline
	contributions map[string]baseline.Contribution
	tokens        map[string]string
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{
		sessions:      make(map[string]session.Session),
		workouts:      make(map[string]workout.Metrics),
		baselines:     make(map[baseline.Bucket]baseline.Baseline),
		contributions: make(map[string]baseline.Contribution),
		tokens:        make(map[string]string),
	}
}

// GetSession implements session.Repository.
func (r *Repository) GetSession(ctx context.Context, workoutKey string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.sessions[workoutKey]
	if !ok {
		return nil, nil
	}
	out := stored.Clone()
	return &out, nil
}

// MutateSession implements session.Repository.
func (r *Repository) MutateSession(ctx context.Context, workoutKey string, fn func(current *session.Session) (*session.Session, error)) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var current *session.Session
	if stored, ok := r.sessions[workoutKey]; ok {
		c := stored.Clone()
		current = &c
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	r.sessions[workoutKey] = next.Clone()
	out := next.Clone()
	return &out, nil
}

// ListVisibleSessions implements session.Repository.
func (r *Repository) ListVisibleSessions(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Tombstoned() || !filter.Matches(s) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// ListPendingSessions implements session.Repository.
func (r *Repository) ListPendingSessions(ctx context.Context) ([]session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]session.Session, 0)
	for _, s := range r.sessions {
		if s.State.Pending() {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// AllSessions returns every stored row, tombstones included, keyed by workout key.
func (r *Repository) AllSessions() map[string]session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]session.Session, len(r.sessions))
	for key, s := range r.sessions {
		out[key] = s.Clone()
	}
	return out
}

// SaveWorkout implements workout.Repository.
func (r *Repository) SaveWorkout(ctx context.Context, metrics workout.Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workouts[metrics.WorkoutKey] = metrics
	return nil
}

// WorkoutMetrics implements workout.Repository.
func (r *Repository) WorkoutMetrics(ctx context.Context, workoutKeys []string) (map[string]workout.Metrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]workout.Metrics, len(workoutKeys))
	for _, key := range workoutKeys {
		if m, ok := r.workouts[key]; ok {
			out[key] = m
		}
	}
	return out, nil
}

// GetBaseline implements baseline.Repository.
func (r *Repository) GetBaseline(ctx context.Context, bucket baseline.Bucket) (*baseline.Baseline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.baselines[bucket]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// ListBaselines implements baseline.Repository.
func (r *Repository) ListBaselines(ctx context.Context) ([]baseline.Baseline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]baseline.Baseline, 0, len(r.baselines))
	for _, bucket := range baseline.AllBuckets() {
		if b, ok := r.baselines[bucket]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetContribution implements baseline.Repository.
func (r *Repository) GetContribution(ctx context.Context, sessionKey string) (*baseline.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contributions[sessionKey]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// SaveContribution implements baseline.Repository.
func (r *Repository) SaveContribution(ctx context.Context, c baseline.Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	affected := []baseline.Bucket{c.Bucket}
	if previous, ok := r.contributions[c.SessionKey]; ok && previous.Bucket != c.Bucket {
		affected = append(affected, previous.Bucket)
	}
	r.contributions[c.SessionKey] = c

	all := make([]baseline.Contribution, 0, len(r.contributions))
	for _, existing := range r.contributions {
		all = append(all, existing)
	}
	for _, bucket := range affected {
		r.baselines[bucket] = baseline.Aggregate(bucket, all, c.ContributedAt)
	}
	return nil
}

// LoadToken returns the stored pull token for scope, or "" when none exists.
func (r *Repository) LoadToken(ctx context.Context, scope string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokens[scope], nil
}

// SaveToken stores the pull token for scope.
func (r *Repository) SaveToken(ctx context.Context, scope, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[scope] = token
	return nil
}
