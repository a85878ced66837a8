// Package session holds the per-device session table and the rules that keep it
// convergent across devices.
package session

import (
	"fmt"
	"time"
)

// State is the combined sync/lifecycle state of a session record.
type State string

const (
	// StatePending is a live record with local changes the cloud has not acknowledged.
	StatePending State = "pending"
	// StateSynced is a live record whose current version is known to the cloud.
	StateSynced State = "synced"
	// StatePendingTombstone is a soft-deleted record whose deletion still has to propagate.
	StatePendingTombstone State = "pending_tombstone"
	// StateSyncedTombstone is a soft-deleted record whose deletion has propagated.
	StateSyncedTombstone State = "synced_tombstone"
)

// Valid reports whether s is one of the four lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateSynced, StatePendingTombstone, StateSyncedTombstone:
		return true
	}
	return false
}

// Pending reports whether the record still needs to be pushed.
func (s State) Pending() bool {
	return s == StatePending || s == StatePendingTombstone
}

// Tombstoned reports whether the record is soft-deleted.
func (s State) Tombstoned() bool {
	return s == StatePendingTombstone || s == StateSyncedTombstone
}

// Touched is the state after any local mutation.
func (s State) Touched() State {
	if s.Tombstoned() {
		return StatePendingTombstone
	}
	return StatePending
}

// Acked is the state after the current version has been acknowledged.
func (s State) Acked() State {
	if s.Tombstoned() {
		return StateSyncedTombstone
	}
	return StateSynced
}

// SyncLabel renders the pending/synced half of the state for the wire format.
func (s State) SyncLabel() string {
	if s.Pending() {
		return "pending"
	}
	return "synced"
}

// Effort is the user's perceived exertion for a session.
type Effort string

const (
	EffortNotSet   Effort = "notSet"
	EffortVeryEasy Effort = "veryEasy"
	EffortEasy     Effort = "easy"
	EffortModerate Effort = "moderate"
	EffortHard     Effort = "hard"
	EffortVeryHard Effort = "veryHard"
)

// Valid reports whether e is a known effort level.
func (e Effort) Valid() bool {
	switch e {
	case EffortNotSet, EffortVeryEasy, EffortEasy, EffortModerate, EffortHard, EffortVeryHard:
		return true
	}
	return false
}

// Session is one heated-exercise session as stored on a device.
type Session struct {
	ID                     string
	WorkoutKey             string
	StartDate              time.Time
	EndDate                *time.Time
	RoomTemperature        *int
	SessionTypeID          *string
	PerceivedEffort        Effort
	Notes                  *string
	ManualDurationOverride *time.Duration
	CachedSummary          *string
	CreatedAt              time.Time
	UpdatedAt              time.Time
	State                  State
	DeletedAt              *time.Time
	LastSyncError          *string
}

// Tombstoned reports whether the session is soft-deleted.
func (s Session) Tombstoned() bool {
	return s.State.Tombstoned()
}

// EffectiveDuration resolves the duration shown to the user: the manual override,
// then the recorded interval, then the duration captured by the workout.
func (s Session) EffectiveDuration(captured time.Duration) time.Duration {
	if s.ManualDurationOverride != nil {
		return *s.ManualDurationOverride
	}
	if s.EndDate != nil && !s.EndDate.Before(s.StartDate) {
		return s.EndDate.Sub(s.StartDate)
	}
	return captured
}

// Validate checks structural invariants before a record is written.
func (s Session) Validate() error {
	if s.WorkoutKey == "" {
		return fmt.Errorf("%w: workout key is required", ErrInvalid)
	}
	if s.StartDate.IsZero() {
		return fmt.Errorf("%w: %s: start date is required", ErrInvalid, s.WorkoutKey)
	}
	if !s.State.Valid() {
		return fmt.Errorf("%w: %s: unknown state %q", ErrInvalid, s.WorkoutKey, s.State)
	}
	if !s.PerceivedEffort.Valid() {
		return fmt.Errorf("%w: %s: unknown perceived effort %q", ErrInvalid, s.WorkoutKey, s.PerceivedEffort)
	}
	if s.State.Tombstoned() != (s.DeletedAt != nil) {
		return fmt.Errorf("%w: %s: state %s disagrees with deletedAt", ErrInvalid, s.WorkoutKey, s.State)
	}
	return nil
}

// Clone returns a deep copy so callers never share optional-field pointers.
func (s Session) Clone() Session {
	out := s
	out.EndDate = cloneTime(s.EndDate)
	out.DeletedAt = cloneTime(s.DeletedAt)
	out.RoomTemperature = cloneInt(s.RoomTemperature)
	out.SessionTypeID = cloneString(s.SessionTypeID)
	out.Notes = cloneString(s.Notes)
	out.CachedSummary = cloneString(s.CachedSummary)
	out.LastSyncError = cloneString(s.LastSyncError)
	if s.ManualDurationOverride != nil {
		d := *s.ManualDurationOverride
		out.ManualDurationOverride = &d
	}
	return out
}

// Filter narrows FetchVisible results. Zero values mean unbounded.
type Filter struct {
	Start         time.Time
	End           time.Time
	SessionTypeID string
	HeatedOnly    bool
}

// Matches reports whether the session passes the filter. Start is inclusive, End exclusive.
func (f Filter) Matches(s Session) bool {
	if !f.Start.IsZero() && s.StartDate.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !s.StartDate.Before(f.End) {
		return false
	}
	if f.SessionTypeID != "" && (s.SessionTypeID == nil || *s.SessionTypeID != f.SessionTypeID) {
		return false
	}
	if f.HeatedOnly && s.RoomTemperature == nil {
		return false
	}
	return true
}

// Truncate drops sub-second precision so timestamps survive the epoch-second wire format.
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
