package session_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/heatsync/internal/persistence/memory"
	"example.com/heatsync/internal/session"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStore(t *testing.T, clock *manualClock) (*session.Store, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	store := session.NewStore(repo,
		session.WithClock(clock),
		session.WithLogger(log.New(io.Discard, "", 0)),
	)
	return store, repo
}

func draft(key string, start time.Time) session.Session {
	temp := 104
	return session.Session{
		WorkoutKey:      key,
		StartDate:       start,
		RoomTemperature: &temp,
		PerceivedEffort: session.EffortModerate,
	}
}

var epoch = time.Date(2025, time.June, 2, 6, 30, 0, 0, time.UTC)

func TestInsertLocalStoresPendingRecord(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: epoch}
	store, _ := newStore(t, clock)

	stored, err := store.InsertLocal(ctx, draft("wk-1", epoch.Add(-time.Hour)))
	require.NoError(t, err)
	require.Equal(t, session.StatePending, stored.State)
	require.NotEmpty(t, stored.ID)
	require.Equal(t, epoch, stored.UpdatedAt)
	require.Equal(t, epoch, stored.CreatedAt)

	_, err = store.InsertLocal(ctx, draft("wk-1", epoch))
	require.ErrorIs(t, err, session.ErrDuplicateKey)
}

func TestMarkUpdatedAdvancesClockEvenForNoopMutation(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: epoch}
	store, _ := newStore(t, clock)

	_, err := store.InsertLocal(ctx, draft("wk-1", epoch))
	require.NoError(t, err)
	_, err = store.ApplyRemote(ctx, mustGet(t, store, "wk-1"))
	require.NoError(t, err)
	require.Equal(t, session.StateSynced, mustGet(t, store, "wk-1").State)

	// Same wall second: the edit must still move strictly past the previous version.
	updated, err := store.MarkUpdated(ctx, "wk-1", func(*session.Session) {})
	require.NoError(t, err)
	require.Equal(t, session.StatePending, updated.State)
	require.Equal(t, epoch.Add(time.Second), updated.UpdatedAt)

	clock.Advance(time.Minute)
	notes := "felt strong"
	updated, err = store.MarkUpdated(ctx, "wk-1", func(s *session.Session) {
		s.Notes = &notes
		s.WorkoutKey = "hijack"
		s.State = session.StateSynced
	})
	require.NoError(t, err)
	require.Equal(t, "wk-1", updated.WorkoutKey)
	require.Equal(t, session.StatePending, updated.State)
	require.Equal(t, epoch.Add(time.Minute), updated.UpdatedAt)
	require.Equal(t, "felt strong", *updated.Notes)
}

func TestSoftDeleteHidesRecordAndKeepsTombstonePending(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: epoch}
	store, repo := newStore(t, clock)

	_, err := store.InsertLocal(ctx, draft("wk-1", epoch))
	require.NoError(t, err)
	_, err = store.InsertLocal(ctx, draft("wk-2", epoch.Add(time.Hour)))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	deleted, err := store.SoftDelete(ctx, "wk-1")
	require.NoError(t, err)
	require.Equal(t, session.StatePendingTombstone, deleted.State)
	require.NotNil(t, deleted.DeletedAt)
	require.Equal(t, epoch.Add(time.Hour), *deleted.DeletedAt)

	visible, err := store.FetchVisible(ctx, session.Filter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, "wk-2", visible[0].WorkoutKey)

	pending, err := store.FetchPendingAndTombstones(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	again, err := store.SoftDelete(ctx, "wk-1")
	require.NoError(t, err)
	require.Equal(t, deleted.UpdatedAt, again.UpdatedAt)

	_, err = store.MarkUpdated(ctx, "wk-1", nil)
	require.ErrorIs(t, err, session.ErrNotFound)
	require.Contains(t, repo.AllSessions(), "wk-1")
}

func TestApplyRemoteInsertsAsSyncedAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, repo := newStore(t, &manualClock{now: epoch})

	incoming := remote("wk-9", epoch, epoch.Add(2*time.Hour))
	first, err := store.ApplyRemote(ctx, incoming)
	require.NoError(t, err)
	require.Equal(t, session.OutcomeInserted, first.Outcome)
	require.Equal(t, session.StateSynced, first.Session.State)

	snapshot := repo.AllSessions()

	second, err := store.ApplyRemote(ctx, incoming)
	require.NoError(t, err)
	require.Equal(t, session.OutcomeUnchanged, second.Outcome)
	require.Equal(t, snapshot, repo.AllSessions())
}

func TestApplyRemoteLastWriterWins(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: epoch}
	store, _ := newStore(t, clock)

	_, err := store.InsertLocal(ctx, draft("wk-1", epoch))
	require.NoError(t, err)

	older := remote("wk-1", epoch, epoch.Add(-time.Hour))
	res, err := store.ApplyRemote(ctx, older)
	require.NoError(t, err)
	require.Equal(t, session.OutcomeKeptLocal, res.Outcome)
	require.Equal(t, session.StatePending, res.Session.State, "unsynced newer local edit must keep propagating")

	newer := remote("wk-1", epoch, epoch.Add(time.Hour))
	note := "remote edit"
	newer.Notes = &note
	res, err = store.ApplyRemote(ctx, newer)
	require.NoError(t, err)
	require.Equal(t, session.OutcomeReplaced, res.Outcome)
	require.True(t, res.ConflictOverwritten, "local pending edit was superseded silently")
	require.Equal(t, session.StateSynced, res.Session.State)
	require.Equal(t, "remote edit", *res.Session.Notes)
}

func TestApplyRemoteTombstoneWinsTie(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, &manualClock{now: epoch})

	live := remote("wk-1", epoch, epoch.Add(time.Hour))
	_, err := store.ApplyRemote(ctx, live)
	require.NoError(t, err)

	tomb := remote("wk-1", epoch, epoch.Add(time.Hour))
	deletedAt := epoch.Add(time.Hour)
	tomb.DeletedAt = &deletedAt
	res, err := store.ApplyRemote(ctx, tomb)
	require.NoError(t, err)
	require.Equal(t, session.OutcomeReplaced, res.Outcome)
	require.Equal(t, session.StateSyncedTombstone, res.Session.State)

	res, err = store.ApplyRemote(ctx, live)
	require.NoError(t, err)
	require.Equal(t, session.OutcomeKeptLocal, res.Outcome)

	visible, err := store.FetchVisible(ctx, session.Filter{})
	require.NoError(t, err)
	require.Empty(t, visible)
}

func TestConvergenceRegardlessOfApplyOrder(t *testing.T) {
	ctx := context.Background()

	v1 := remote("wk-1", epoch, epoch.Add(time.Minute))
	v2 := remote("wk-1", epoch, epoch.Add(2*time.Minute))
	note := "edited on handheld"
	v2.Notes = &note
	v3 := remote("wk-1", epoch, epoch.Add(3*time.Minute))
	deleted := epoch.Add(3 * time.Minute)
	v3.DeletedAt = &deleted
	sameTick := remote("wk-2", epoch, epoch.Add(time.Minute))
	otherNote := "concurrent"
	sameTickOther := remote("wk-2", epoch, epoch.Add(time.Minute))
	sameTickOther.Notes = &otherNote

	orders := [][]session.Session{
		{v1, v2, v3, sameTick, sameTickOther},
		{v3, sameTickOther, v1, sameTick, v2},
		{sameTick, v2, v3, v1, sameTickOther},
	}

	var reference map[string]session.Session
	for i, order := range orders {
		store, repo := newStore(t, &manualClock{now: epoch})
		for _, rec := range order {
			_, err := store.ApplyRemote(ctx, rec)
			require.NoError(t, err)
		}
		got := repo.AllSessions()
		require.True(t, got["wk-1"].Tombstoned())
		if i == 0 {
			reference = got
			continue
		}
		for key, want := range reference {
			require.Truef(t, session.SameContent(want, got[key]), "order %d diverged on %s", i, key)
			require.Equal(t, want.State, got[key].State)
		}
	}
}

func TestMarkSyncedOnlyAcksCurrentVersion(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: epoch}
	store, _ := newStore(t, clock)

	inserted, err := store.InsertLocal(ctx, draft("wk-1", epoch))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = store.MarkUpdated(ctx, "wk-1", nil)
	require.NoError(t, err)

	acked, err := store.MarkSynced(ctx, "wk-1", inserted.UpdatedAt)
	require.NoError(t, err)
	require.False(t, acked, "an edit landed after the pushed version")

	current := mustGet(t, store, "wk-1")
	acked, err = store.MarkSynced(ctx, "wk-1", current.UpdatedAt)
	require.NoError(t, err)
	require.True(t, acked)
	require.Equal(t, session.StateSynced, mustGet(t, store, "wk-1").State)
}

func TestRecordSyncErrorKeepsPending(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, &manualClock{now: epoch})

	inserted, err := store.InsertLocal(ctx, draft("wk-1", epoch))
	require.NoError(t, err)

	require.NoError(t, store.RecordSyncError(ctx, "wk-1", errors.New("remote unavailable")))
	got := mustGet(t, store, "wk-1")
	require.Equal(t, session.StatePending, got.State)
	require.Equal(t, inserted.UpdatedAt, got.UpdatedAt)
	require.Equal(t, "remote unavailable", *got.LastSyncError)
}

func TestPersistenceFailureIsWrapped(t *testing.T) {
	ctx := context.Background()
	store := session.NewStore(failingRepo{}, session.WithLogger(log.New(io.Discard, "", 0)))

	_, err := store.InsertLocal(ctx, draft("wk-1", epoch))
	require.ErrorIs(t, err, session.ErrPersistence)

	_, err = store.FetchVisible(ctx, session.Filter{})
	require.ErrorIs(t, err, session.ErrPersistence)
}

func TestFetchVisibleAppliesFilter(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, &manualClock{now: epoch})

	unheated := draft("wk-cold", epoch.Add(2*time.Hour))
	unheated.RoomTemperature = nil
	_, err := store.InsertLocal(ctx, unheated)
	require.NoError(t, err)
	_, err = store.InsertLocal(ctx, draft("wk-hot", epoch.Add(time.Hour)))
	require.NoError(t, err)
	_, err = store.InsertLocal(ctx, draft("wk-old", epoch.Add(-48*time.Hour)))
	require.NoError(t, err)

	got, err := store.FetchVisible(ctx, session.Filter{Start: epoch, HeatedOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "wk-hot", got[0].WorkoutKey)

	all, err := store.FetchVisible(ctx, session.Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{"wk-old", "wk-hot", "wk-cold"}, keys(all))
}

func remote(key string, start, updated time.Time) session.Session {
	temp := 95
	return session.Session{
		ID:              "row-" + key,
		WorkoutKey:      key,
		StartDate:       start,
		RoomTemperature: &temp,
		PerceivedEffort: session.EffortHard,
		CreatedAt:       start,
		UpdatedAt:       updated,
	}
}

func mustGet(t *testing.T, store *session.Store, key string) session.Session {
	t.Helper()
	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	return *got
}

func keys(sessions []session.Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.WorkoutKey)
	}
	return out
}

type failingRepo struct{}

var errDiskFull = errors.New("disk full")

func (failingRepo) GetSession(context.Context, string) (*session.Session, error) {
	return nil, errDiskFull
}

func (failingRepo) MutateSession(context.Context, string, func(*session.Session) (*session.Session, error)) (*session.Session, error) {
	return nil, errDiskFull
}

func (failingRepo) ListVisibleSessions(context.Context, session.Filter) ([]session.Session, error) {
	return nil, errDiskFull
}

func (failingRepo) ListPendingSessions(context.Context) ([]session.Session, error) {
	return nil, errDiskFull
}
