package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/heatsync/internal/session"
)

func TestEffectiveDuration(t *testing.T) {
	captured := 40 * time.Minute
	override := 15 * time.Minute
	end := epoch.Add(time.Hour)
	before := epoch.Add(-time.Minute)

	cases := []struct {
		name string
		sess session.Session
		want time.Duration
	}{
		{"override wins", session.Session{StartDate: epoch, EndDate: &end, ManualDurationOverride: &override}, override},
		{"recorded interval", session.Session{StartDate: epoch, EndDate: &end}, time.Hour},
		{"zero-length interval", session.Session{StartDate: epoch, EndDate: &epoch}, 0},
		{"end before start falls back", session.Session{StartDate: epoch, EndDate: &before}, captured},
		{"no end falls back", session.Session{StartDate: epoch}, captured},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.sess.EffectiveDuration(captured))
		})
	}
}
