// Package wire defines the session record exchanged between devices and with the
// cloud store. All timestamps travel as epoch seconds.
package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/heatsync/internal/session"
)

var (
	// ErrTransportUnavailable marks a peer or remote store that could not be reached.
	// Records stay pending and the reconciler retries on its next trigger.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrMalformedRecord marks an incoming record missing a required field.
	ErrMalformedRecord = errors.New("malformed remote record")
)

// Record is the serialised session.
type Record struct {
	ID                     string  `json:"id"`
	WorkoutKey             string  `json:"workoutKey"`
	StartDate              *int64  `json:"startDate"`
	EndDate                *int64  `json:"endDate,omitempty"`
	RoomTemperature        *int    `json:"roomTemperature,omitempty"`
	SessionTypeID          *string `json:"sessionTypeId,omitempty"`
	Notes                  *string `json:"notes,omitempty"`
	CachedSummary          *string `json:"cachedSummary,omitempty"`
	PerceivedEffort        string  `json:"perceivedEffort"`
	ManualDurationOverride *int64  `json:"manualDurationOverride,omitempty"`
	CreatedAt              *int64  `json:"createdAt"`
	UpdatedAt              *int64  `json:"updatedAt"`
	SyncState              string  `json:"syncState"`
	DeletedAt              *int64  `json:"deletedAt,omitempty"`
	LastSyncError          *string `json:"lastSyncError,omitempty"`
}

// FromSession serialises a stored session.
func FromSession(s session.Session) Record {
	rec := Record{
		ID:              s.ID,
		WorkoutKey:      s.WorkoutKey,
		StartDate:       epoch(s.StartDate),
		EndDate:         epochPtr(s.EndDate),
		RoomTemperature: copyInt(s.RoomTemperature),
		SessionTypeID:   copyString(s.SessionTypeID),
		Notes:           copyString(s.Notes),
		CachedSummary:   copyString(s.CachedSummary),
		PerceivedEffort: string(s.PerceivedEffort),
		CreatedAt:       epoch(s.CreatedAt),
		UpdatedAt:       epoch(s.UpdatedAt),
		SyncState:       s.State.SyncLabel(),
		DeletedAt:       epochPtr(s.DeletedAt),
		LastSyncError:   copyString(s.LastSyncError),
	}
	if s.ManualDurationOverride != nil {
		secs := int64(*s.ManualDurationOverride / time.Second)
		rec.ManualDurationOverride = &secs
	}
	return rec
}

// Validate reports the first missing or unusable required field.
func (r Record) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.WorkoutKey) == "" {
		missing = append(missing, "workoutKey")
	}
	if r.StartDate == nil {
		missing = append(missing, "startDate")
	}
	if r.CreatedAt == nil {
		missing = append(missing, "createdAt")
	}
	if r.UpdatedAt == nil {
		missing = append(missing, "updatedAt")
	}
	if r.PerceivedEffort == "" {
		missing = append(missing, "perceivedEffort")
	}
	if r.SyncState == "" {
		missing = append(missing, "syncState")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: key=%q missing %s", ErrMalformedRecord, r.WorkoutKey, strings.Join(missing, ","))
	}
	if !session.Effort(r.PerceivedEffort).Valid() {
		return fmt.Errorf("%w: key=%q unknown perceivedEffort %q", ErrMalformedRecord, r.WorkoutKey, r.PerceivedEffort)
	}
	if r.SyncState != "pending" && r.SyncState != "synced" {
		return fmt.Errorf("%w: key=%q unknown syncState %q", ErrMalformedRecord, r.WorkoutKey, r.SyncState)
	}
	if r.ManualDurationOverride != nil && *r.ManualDurationOverride < 0 {
		return fmt.Errorf("%w: key=%q negative manualDurationOverride", ErrMalformedRecord, r.WorkoutKey)
	}
	return nil
}

// ToSession validates and decodes the record. The returned state reflects the
// sender's view; receivers decide their own state when merging.
func (r Record) ToSession() (session.Session, error) {
	if err := r.Validate(); err != nil {
		return session.Session{}, err
	}
	s := session.Session{
		ID:              r.ID,
		WorkoutKey:      r.WorkoutKey,
		StartDate:       fromEpoch(*r.StartDate),
		EndDate:         fromEpochPtr(r.EndDate),
		RoomTemperature: copyInt(r.RoomTemperature),
		SessionTypeID:   copyString(r.SessionTypeID),
		Notes:           copyString(r.Notes),
		CachedSummary:   copyString(r.CachedSummary),
		PerceivedEffort: session.Effort(r.PerceivedEffort),
		CreatedAt:       fromEpoch(*r.CreatedAt),
		UpdatedAt:       fromEpoch(*r.UpdatedAt),
		DeletedAt:       fromEpochPtr(r.DeletedAt),
		LastSyncError:   copyString(r.LastSyncError),
	}
	if r.ManualDurationOverride != nil {
		d := time.Duration(*r.ManualDurationOverride) * time.Second
		s.ManualDurationOverride = &d
	}
	switch {
	case s.DeletedAt != nil && r.SyncState == "pending":
		s.State = session.StatePendingTombstone
	case s.DeletedAt != nil:
		s.State = session.StateSyncedTombstone
	case r.SyncState == "pending":
		s.State = session.StatePending
	default:
		s.State = session.StateSynced
	}
	return s, nil
}

// Version is the record's edit clock.
func (r Record) Version() time.Time {
	if r.UpdatedAt == nil {
		return time.Time{}
	}
	return fromEpoch(*r.UpdatedAt)
}

// Tombstoned reports whether the record carries a deletion marker.
func (r Record) Tombstoned() bool {
	return r.DeletedAt != nil
}

func epoch(t time.Time) *int64 {
	v := t.Unix()
	return &v
}

func epochPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	return epoch(*t)
}

func fromEpoch(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func fromEpochPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromEpoch(*v)
	return &t
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
