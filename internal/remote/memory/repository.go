// Package memory provides an in-memory remote repository for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"example.com/heatsync/internal/remote"
	"example.com/heatsync/internal/wire"
)

type recordKey struct {
	account    string
	workoutKey string
}

// Repository keeps account-scoped records and a global change sequence.
type Repository struct {
	mu      sync.RWMutex
	seq     int64
	records map[recordKey]remote.Change
}

// NewRepository constructs an empty repository.
func NewRepository() *Repository {
	return &Repository{records: make(map[recordKey]remote.Change)}
}

// Apply implements remote.Repository.
func (r *Repository) Apply(ctx context.Context, accountID string, rec wire.Record) (remote.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return remote.ApplyResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordKey{account: accountID, workoutKey: rec.WorkoutKey}
	var existing *wire.Record
	current, found := r.records[key]
	if found {
		existing = &current.Record
	}

	next, outcome, write, err := remote.Merge(existing, rec)
	if err != nil {
		return remote.ApplyResult{}, err
	}
	if !write {
		return remote.ApplyResult{Outcome: outcome}, nil
	}

	r.seq++
	r.records[key] = remote.Change{Seq: r.seq, Record: next}
	return remote.ApplyResult{Outcome: outcome, Seq: r.seq}, nil
}

// Changes implements remote.Repository.
func (r *Repository) Changes(ctx context.Context, accountID string, afterSeq int64, limit int) ([]remote.Change, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]remote.Change, 0)
	for key, change := range r.records {
		if key.account == accountID && change.Seq > afterSeq {
			out = append(out, change)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
