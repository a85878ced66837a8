package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"time"
)

// Winner identifies which side of a last-writer-wins comparison survives.
type Winner int

const (
	// WinnerLocal keeps the record already stored.
	WinnerLocal Winner = iota
	// WinnerIncoming replaces the stored record wholesale.
	WinnerIncoming
	// WinnerEqual means both sides carry the same version and content.
	WinnerEqual
)

// Resolve applies last-writer-wins between a stored record and an incoming copy of
// the same workout key. Higher UpdatedAt wins. On a tie a tombstone beats a live
// record, and any remaining tie is broken by comparing content digests so every
// device picks the same survivor.
func Resolve(local, incoming Session) Winner {
	lu, iu := Truncate(local.UpdatedAt), Truncate(incoming.UpdatedAt)
	switch {
	case iu.After(lu):
		return WinnerIncoming
	case lu.After(iu):
		return WinnerLocal
	}

	lt, it := local.DeletedAt != nil, incoming.DeletedAt != nil
	switch {
	case it && !lt:
		return WinnerIncoming
	case lt && !it:
		return WinnerLocal
	}

	cmp := bytes.Compare(digest(incoming), digest(local))
	switch {
	case cmp > 0:
		return WinnerIncoming
	case cmp < 0:
		return WinnerLocal
	}
	return WinnerEqual
}

// contentView is the replicated content of a session. Local row ids, sync state and
// sync diagnostics are excluded.
type contentView struct {
	WorkoutKey      string  `json:"k"`
	StartDate       int64   `json:"s"`
	EndDate         *int64  `json:"e"`
	RoomTemperature *int    `json:"t"`
	SessionTypeID   *string `json:"ty"`
	PerceivedEffort Effort  `json:"pe"`
	Notes           *string `json:"n"`
	Override        *int64  `json:"o"`
	CachedSummary   *string `json:"cs"`
	CreatedAt       int64   `json:"c"`
	UpdatedAt       int64   `json:"u"`
	DeletedAt       *int64  `json:"d"`
}

func digest(s Session) []byte {
	view := contentView{
		WorkoutKey:      s.WorkoutKey,
		StartDate:       Truncate(s.StartDate).Unix(),
		EndDate:         unixPtr(s.EndDate),
		RoomTemperature: s.RoomTemperature,
		SessionTypeID:   s.SessionTypeID,
		PerceivedEffort: s.PerceivedEffort,
		Notes:           s.Notes,
		CachedSummary:   s.CachedSummary,
		CreatedAt:       Truncate(s.CreatedAt).Unix(),
		UpdatedAt:       Truncate(s.UpdatedAt).Unix(),
		DeletedAt:       unixPtr(s.DeletedAt),
	}
	if s.ManualDurationOverride != nil {
		secs := int64(s.ManualDurationOverride.Seconds())
		view.Override = &secs
	}
	out, _ := json.Marshal(view)
	sum := sha256.Sum256(out)
	return sum[:]
}

// SameContent reports whether two records carry identical replicated content.
func SameContent(a, b Session) bool {
	return bytes.Equal(digest(a), digest(b))
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := Truncate(*t).Unix()
	return &v
}
