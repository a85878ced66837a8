package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/heatsync/internal/session"
)

const sessionColumns = `workout_key, id, start_date, end_date, room_temperature, session_type_id,
	perceived_effort, notes, manual_duration_override, cached_summary, created_at, updated_at,
	state, deleted_at, last_sync_error`

type rowScanner interface {
	Scan(dest ...any) error
}

// GetSession implements session.Repository.
func (s *Store) GetSession(ctx context.Context, workoutKey string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE workout_key = ?`, workoutKey)
	stored, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &stored, nil
}

// MutateSession implements session.Repository.
func (s *Store) MutateSession(ctx context.Context, workoutKey string, fn func(current *session.Session) (*session.Session, error)) (*session.Session, error) {
	var result *session.Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var current *session.Session
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE workout_key = ?`, workoutKey)
		stored, err := scanSession(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("select session: %w", err)
		default:
			current = &stored
		}

		var input *session.Session
		if current != nil {
			c := current.Clone()
			input = &c
		}
		next, err := fn(input)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}
		if err := upsertSession(ctx, tx, *next); err != nil {
			return err
		}
		out := next.Clone()
		result = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func upsertSession(ctx context.Context, tx *sql.Tx, rec session.Session) error {
	var override *int64
	if rec.ManualDurationOverride != nil {
		secs := int64(*rec.ManualDurationOverride / time.Second)
		override = &secs
	}
	var temperature sql.NullInt64
	if rec.RoomTemperature != nil {
		temperature = sql.NullInt64{Int64: int64(*rec.RoomTemperature), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workout_key) DO UPDATE SET
			id = excluded.id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			room_temperature = excluded.room_temperature,
			session_type_id = excluded.session_type_id,
			perceived_effort = excluded.perceived_effort,
			notes = excluded.notes,
			manual_duration_override = excluded.manual_duration_override,
			cached_summary = excluded.cached_summary,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			state = excluded.state,
			deleted_at = excluded.deleted_at,
			last_sync_error = excluded.last_sync_error`,
		rec.WorkoutKey,
		rec.ID,
		rec.StartDate.Unix(),
		nullInt(unixPtr(rec.EndDate)),
		temperature,
		nullString(rec.SessionTypeID),
		string(rec.PerceivedEffort),
		nullString(rec.Notes),
		nullInt(override),
		nullString(rec.CachedSummary),
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
		string(rec.State),
		nullInt(unixPtr(rec.DeletedAt)),
		nullString(rec.LastSyncError),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.WorkoutKey, err)
	}
	return nil
}

// ListVisibleSessions implements session.Repository.
func (s *Store) ListVisibleSessions(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if !filter.Start.IsZero() {
		clauses = append(clauses, "start_date >= ?")
		args = append(args, filter.Start.Unix())
	}
	if !filter.End.IsZero() {
		clauses = append(clauses, "start_date < ?")
		args = append(args, filter.End.Unix())
	}
	if filter.SessionTypeID != "" {
		clauses = append(clauses, "session_type_id = ?")
		args = append(args, filter.SessionTypeID)
	}
	if filter.HeatedOnly {
		clauses = append(clauses, "room_temperature IS NOT NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY start_date, workout_key`
	return s.querySessions(ctx, query, args...)
}

// ListPendingSessions implements session.Repository.
func (s *Store) ListPendingSessions(ctx context.Context) ([]session.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE state IN ('pending', 'pending_tombstone') ORDER BY start_date, workout_key`)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		rec                        session.Session
		startDate, createdAt       int64
		updatedAt                  int64
		endDate, temperature       sql.NullInt64
		override, deletedAt        sql.NullInt64
		sessionType, notes         sql.NullString
		cachedSummary, lastSyncErr sql.NullString
		effort, state              string
	)
	err := row.Scan(&rec.WorkoutKey, &rec.ID, &startDate, &endDate, &temperature, &sessionType,
		&effort, &notes, &override, &cachedSummary, &createdAt, &updatedAt,
		&state, &deletedAt, &lastSyncErr)
	if err != nil {
		return session.Session{}, err
	}

	rec.StartDate = time.Unix(startDate, 0).UTC()
	rec.EndDate = timePtr(endDate)
	if temperature.Valid {
		t := int(temperature.Int64)
		rec.RoomTemperature = &t
	}
	rec.SessionTypeID = stringPtr(sessionType)
	rec.PerceivedEffort = session.Effort(effort)
	rec.Notes = stringPtr(notes)
	if override.Valid {
		d := time.Duration(override.Int64) * time.Second
		rec.ManualDurationOverride = &d
	}
	rec.CachedSummary = stringPtr(cachedSummary)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	rec.State = session.State(state)
	rec.DeletedAt = timePtr(deletedAt)
	rec.LastSyncError = stringPtr(lastSyncErr)
	return rec, nil
}
