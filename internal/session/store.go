package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Repository is the local persistence collaborator for session records.
type Repository interface {
	// GetSession returns the stored record, including tombstones, or nil when absent.
	GetSession(ctx context.Context, workoutKey string) (*Session, error)
	// MutateSession runs fn inside one write transaction. fn receives the stored record
	// (nil when absent) and returns the record to write, or nil to leave storage untouched.
	// The record stored after the transaction is returned.
	MutateSession(ctx context.Context, workoutKey string, fn func(current *Session) (*Session, error)) (*Session, error)
	// ListVisibleSessions returns non-tombstoned records matching filter ordered by start date.
	ListVisibleSessions(ctx context.Context, filter Filter) ([]Session, error)
	// ListPendingSessions returns every record awaiting push, tombstones included.
	ListPendingSessions(ctx context.Context) ([]Session, error)
}

// Outcome describes what ApplyRemote did with an incoming record.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeKeptLocal Outcome = "kept_local"
	OutcomeUnchanged Outcome = "unchanged"
)

// ApplyResult reports the merge decision for one incoming record.
type ApplyResult struct {
	Session Session
	Outcome Outcome
	// ConflictOverwritten is set when an unsynced local edit lost to a newer remote edit.
	ConflictOverwritten bool
}

// Option configures optional behaviour for the Store.
type Option func(*Store)

// WithClock overrides the edit clock.
func WithClock(clock Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithLogger overrides the logger used for merge diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is the authoritative per-device session table. Every operation is a single
// repository transaction; reads return the last committed state.
type Store struct {
	repo   Repository
	clock  Clock
	logger *log.Logger
}

// NewStore constructs a Store over the provided repository.
func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		clock:  NewLogicalClock(nil),
		logger: log.New(log.Writer(), "[session] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InsertLocal stores a newly captured session as Pending.
func (s *Store) InsertLocal(ctx context.Context, draft Session) (*Session, error) {
	now := Truncate(s.clock.Now())

	record := draft.Clone()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.PerceivedEffort == "" {
		record.PerceivedEffort = EffortNotSet
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	normalizeTimes(&record)
	record.UpdatedAt = now
	record.State = StatePending
	record.DeletedAt = nil
	record.LastSyncError = nil
	if err := record.Validate(); err != nil {
		return nil, err
	}

	stored, err := s.repo.MutateSession(ctx, record.WorkoutKey, func(current *Session) (*Session, error) {
		if current != nil {
			return nil, ErrDuplicateKey
		}
		return &record, nil
	})
	if err != nil {
		return nil, s.wrap("insert", err)
	}
	return stored, nil
}

// MarkUpdated applies mutate to a live record, advances its edit clock and flips it to
// Pending. Identity, lifecycle and diagnostics fields cannot be changed by mutate.
func (s *Store) MarkUpdated(ctx context.Context, workoutKey string, mutate func(*Session)) (*Session, error) {
	stored, err := s.repo.MutateSession(ctx, workoutKey, func(current *Session) (*Session, error) {
		if current == nil || current.Tombstoned() {
			return nil, ErrNotFound
		}
		next := current.Clone()
		if mutate != nil {
			mutate(&next)
		}
		next.ID = current.ID
		next.WorkoutKey = current.WorkoutKey
		next.CreatedAt = current.CreatedAt
		next.DeletedAt = nil
		next.LastSyncError = current.LastSyncError
		normalizeTimes(&next)
		next.UpdatedAt = nextVersion(s.clock, current.UpdatedAt)
		next.State = current.State.Touched()
		if err := next.Validate(); err != nil {
			return nil, err
		}
		return &next, nil
	})
	if err != nil {
		return nil, s.wrap("update", err)
	}
	return stored, nil
}

// SoftDelete tombstones a record so the deletion propagates. Deleting an already
// tombstoned record is a no-op.
func (s *Store) SoftDelete(ctx context.Context, workoutKey string) (*Session, error) {
	stored, err := s.repo.MutateSession(ctx, workoutKey, func(current *Session) (*Session, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		if current.Tombstoned() {
			return nil, nil
		}
		next := current.Clone()
		version := nextVersion(s.clock, current.UpdatedAt)
		next.UpdatedAt = version
		next.DeletedAt = &version
		next.State = StatePendingTombstone
		return &next, nil
	})
	if err != nil {
		return nil, s.wrap("delete", err)
	}
	return stored, nil
}

// ApplyRemote merges a record received from the peer device or the cloud using
// last-writer-wins. Applying the same record twice leaves the store unchanged.
func (s *Store) ApplyRemote(ctx context.Context, incoming Session) (ApplyResult, error) {
	candidate := incoming.Clone()
	if candidate.PerceivedEffort == "" {
		candidate.PerceivedEffort = EffortNotSet
	}
	normalizeTimes(&candidate)
	candidate.UpdatedAt = Truncate(candidate.UpdatedAt)
	candidate.LastSyncError = nil
	candidate.State = StateSynced
	if candidate.DeletedAt != nil {
		candidate.State = StateSyncedTombstone
	}
	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}
	if err := candidate.Validate(); err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult
	stored, err := s.repo.MutateSession(ctx, candidate.WorkoutKey, func(current *Session) (*Session, error) {
		if current == nil {
			result.Outcome = OutcomeInserted
			return &candidate, nil
		}

		switch Resolve(*current, candidate) {
		case WinnerIncoming:
			result.Outcome = OutcomeReplaced
			result.ConflictOverwritten = current.State.Pending()
			return &candidate, nil
		case WinnerEqual:
			result.Outcome = OutcomeUnchanged
			if !current.State.Pending() {
				return nil, nil
			}
			acked := current.Clone()
			acked.State = current.State.Acked()
			acked.LastSyncError = nil
			return &acked, nil
		default:
			result.Outcome = OutcomeKeptLocal
			return nil, nil
		}
	})
	if err != nil {
		return ApplyResult{}, s.wrap("apply remote", err)
	}

	result.Session = *stored
	if result.ConflictOverwritten {
		s.logger.Printf("conflict overwritten: workout_key=%s local edit superseded by updated_at=%s",
			candidate.WorkoutKey, candidate.UpdatedAt.Format(time.RFC3339))
	}
	return result, nil
}

// FetchVisible returns live records matching filter ordered by start date.
func (s *Store) FetchVisible(ctx context.Context, filter Filter) ([]Session, error) {
	sessions, err := s.repo.ListVisibleSessions(ctx, filter)
	if err != nil {
		return nil, s.wrap("fetch visible", err)
	}
	sortByStart(sessions)
	return sessions, nil
}

// FetchPendingAndTombstones returns every Pending record, including pending tombstones.
func (s *Store) FetchPendingAndTombstones(ctx context.Context) ([]Session, error) {
	sessions, err := s.repo.ListPendingSessions(ctx)
	if err != nil {
		return nil, s.wrap("fetch pending", err)
	}
	sortByStart(sessions)
	return sessions, nil
}

// Get returns the stored record, tombstones included.
func (s *Store) Get(ctx context.Context, workoutKey string) (*Session, error) {
	stored, err := s.repo.GetSession(ctx, workoutKey)
	if err != nil {
		return nil, s.wrap("get", err)
	}
	if stored == nil {
		return nil, ErrNotFound
	}
	return stored, nil
}

// MarkSynced records an acknowledgement for the given version. It reports false when
// the record has been edited since that version was sent, leaving it Pending.
func (s *Store) MarkSynced(ctx context.Context, workoutKey string, version time.Time) (bool, error) {
	acked := false
	_, err := s.repo.MutateSession(ctx, workoutKey, func(current *Session) (*Session, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		if !current.State.Pending() || !current.UpdatedAt.Equal(Truncate(version)) {
			return nil, nil
		}
		next := current.Clone()
		next.State = current.State.Acked()
		next.LastSyncError = nil
		acked = true
		return &next, nil
	})
	if err != nil {
		return false, s.wrap("mark synced", err)
	}
	return acked, nil
}

// RecordSyncError keeps the record Pending and stores the failure for diagnostics.
// The edit clock is not advanced.
func (s *Store) RecordSyncError(ctx context.Context, workoutKey string, cause error) error {
	if cause == nil {
		return nil
	}
	msg := cause.Error()
	_, err := s.repo.MutateSession(ctx, workoutKey, func(current *Session) (*Session, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		next := current.Clone()
		next.LastSyncError = &msg
		return &next, nil
	})
	if err != nil {
		return s.wrap("record sync error", err)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrInvalid) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("session %s: %w", op, errors.Join(ErrPersistence, err))
}

func normalizeTimes(s *Session) {
	s.StartDate = Truncate(s.StartDate)
	s.CreatedAt = Truncate(s.CreatedAt)
	if s.EndDate != nil {
		end := Truncate(*s.EndDate)
		s.EndDate = &end
	}
	if s.DeletedAt != nil {
		deleted := Truncate(*s.DeletedAt)
		s.DeletedAt = &deleted
	}
}

func sortByStart(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].StartDate.Equal(sessions[j].StartDate) {
			return sessions[i].WorkoutKey < sessions[j].WorkoutKey
		}
		return sessions[i].StartDate.Before(sessions[j].StartDate)
	})
}
