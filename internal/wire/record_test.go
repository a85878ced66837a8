package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/heatsync/internal/session"
)

func TestFromSessionUsesEpochSeconds(t *testing.T) {
	start := time.Date(2025, time.April, 7, 6, 0, 0, 0, time.UTC)
	deleted := start.Add(3 * time.Hour)
	override := 50 * time.Minute
	temp := 105
	s := session.Session{
		ID:                     "row-1",
		WorkoutKey:             "wk-1",
		StartDate:              start,
		RoomTemperature:        &temp,
		PerceivedEffort:        session.EffortVeryHard,
		ManualDurationOverride: &override,
		CreatedAt:              start,
		UpdatedAt:              deleted,
		DeletedAt:              &deleted,
		State:                  session.StatePendingTombstone,
	}

	rec := FromSession(s)
	require.Equal(t, start.Unix(), *rec.StartDate)
	require.Equal(t, int64(3000), *rec.ManualDurationOverride)
	require.Equal(t, "pending", rec.SyncState)
	require.True(t, rec.Tombstoned())

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"startDate":1744005600`)
	require.NotContains(t, string(raw), "endDate")

	back, err := rec.ToSession()
	require.NoError(t, err)
	require.True(t, session.SameContent(s, back))
	require.Equal(t, session.StatePendingTombstone, back.State)
}

func TestValidateReportsMissingFields(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"r","workoutKey":"wk","perceivedEffort":"easy","syncState":"synced"}`), &rec))

	err := rec.Validate()
	require.ErrorIs(t, err, ErrMalformedRecord)
	require.Contains(t, err.Error(), "startDate,createdAt,updatedAt")

	_, err = rec.ToSession()
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestValidateRejectsUnknownEnums(t *testing.T) {
	now := time.Now().Unix()
	rec := Record{ID: "r", WorkoutKey: "wk", StartDate: &now, CreatedAt: &now, UpdatedAt: &now, PerceivedEffort: "brutal", SyncState: "synced"}
	require.ErrorIs(t, rec.Validate(), ErrMalformedRecord)

	rec.PerceivedEffort = "easy"
	rec.SyncState = "unknown"
	require.ErrorIs(t, rec.Validate(), ErrMalformedRecord)

	rec.SyncState = "synced"
	require.NoError(t, rec.Validate())
}
