package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"example.com/heatsync/internal/persistence/memory"
	"example.com/heatsync/internal/remote"
	remotememory "example.com/heatsync/internal/remote/memory"
	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/wire"
)

var quiet = log.New(io.Discard, "", 0)

type stubRemote struct {
	mu       sync.Mutex
	failKeys map[string]bool
	onPush   func(rec wire.Record)
	pushed   []wire.Record
	pages    []remote.Page
	pullErrs []error
	pulls    []string
}

func (s *stubRemote) Push(ctx context.Context, rec wire.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onPush != nil {
		s.onPush(rec)
	}
	if s.failKeys[rec.WorkoutKey] {
		return fmt.Errorf("%w: remote offline", wire.ErrTransportUnavailable)
	}
	s.pushed = append(s.pushed, rec)
	return nil
}

func (s *stubRemote) Pull(ctx context.Context, token string, limit int) (remote.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls = append(s.pulls, token)
	idx := len(s.pulls) - 1
	if idx < len(s.pullErrs) && s.pullErrs[idx] != nil {
		return remote.Page{}, s.pullErrs[idx]
	}
	if idx >= len(s.pages) {
		return remote.Page{Token: token}, nil
	}
	return s.pages[idx], nil
}

func (s *stubRemote) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushed)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

var t0 = time.Date(2025, time.October, 6, 6, 0, 0, 0, time.UTC)

func newLocal(t *testing.T) (*session.Store, *memory.Repository, *clock) {
	t.Helper()
	repo := memory.NewRepository()
	c := &clock{now: t0}
	return session.NewStore(repo, session.WithClock(c), session.WithLogger(quiet)), repo, c
}

func capture(t *testing.T, store *session.Store, key string) {
	t.Helper()
	_, err := store.InsertLocal(context.Background(), session.Session{WorkoutKey: key, StartDate: t0})
	require.NoError(t, err)
}

func remoteRecord(key string, updated time.Time) wire.Record {
	return wire.FromSession(session.Session{
		ID: "r-" + key, WorkoutKey: key, StartDate: t0, PerceivedEffort: session.EffortEasy,
		CreatedAt: t0, UpdatedAt: updated, State: session.StateSynced,
	})
}

func TestSyncPendingContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	store, repo, _ := newLocal(t)
	for _, key := range []string{"a", "b", "c"} {
		capture(t, store, key)
	}
	_, err := store.SoftDelete(ctx, "c")
	require.NoError(t, err)

	rs := &stubRemote{failKeys: map[string]bool{"b": true}}
	r := New(store, rs, repo, "acct", WithLogger(quiet))

	before := testutil.ToFloat64(pushFailedCounter)
	report, err := r.SyncPending(ctx)
	require.NoError(t, err)
	require.Equal(t, PushReport{Attempted: 3, Pushed: 2, Acked: 2, Failed: 1}, report)
	require.InDelta(t, before+1, testutil.ToFloat64(pushFailedCounter), 0.0001)

	all := repo.AllSessions()
	require.Equal(t, session.StateSynced, all["a"].State)
	require.Equal(t, session.StatePending, all["b"].State)
	require.Contains(t, *all["b"].LastSyncError, "remote offline")
	require.Equal(t, session.StateSyncedTombstone, all["c"].State)
	require.Len(t, rs.pushed, 2)
	require.True(t, rs.pushed[1].Tombstoned())
}

func TestSyncPendingKeepsRecordEditedDuringPush(t *testing.T) {
	ctx := context.Background()
	store, repo, c := newLocal(t)
	capture(t, store, "a")

	rs := &stubRemote{onPush: func(wire.Record) {
		c.now = t0.Add(time.Minute)
		_, err := store.MarkUpdated(ctx, "a", nil)
		require.NoError(t, err)
	}}
	r := New(store, rs, repo, "acct", WithLogger(quiet))

	report, err := r.SyncPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed)
	require.Zero(t, report.Acked)
	require.Equal(t, session.StatePending, repo.AllSessions()["a"].State)
}

func TestPullDropsMalformedAndAdvancesTokenPerPage(t *testing.T) {
	ctx := context.Background()
	store, repo, _ := newLocal(t)

	bad := remoteRecord("bad", t0)
	bad.WorkoutKey = ""
	rs := &stubRemote{pages: []remote.Page{
		{Records: []wire.Record{remoteRecord("x", t0), bad}, Token: "p1", HasMore: true},
		{Records: []wire.Record{remoteRecord("y", t0)}, Token: "p2"},
	}}

	var hooked []session.ApplyResult
	r := New(store, rs, repo, "acct", WithLogger(quiet), WithPageSize(2),
		WithAfterPull(func(_ context.Context, results []session.ApplyResult) { hooked = results }))

	beforeMalformed := testutil.ToFloat64(malformedCounter)
	report, err := r.PullRemoteChanges(ctx)
	require.NoError(t, err)
	require.Equal(t, PullReport{Pages: 2, Applied: 2, Changed: 2, Malformed: 1}, report)
	require.InDelta(t, beforeMalformed+1, testutil.ToFloat64(malformedCounter), 0.0001)
	require.Equal(t, []string{"", "p1"}, rs.pulls)
	require.Len(t, hooked, 2)

	token, err := repo.LoadToken(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, "p2", token)

	visible, err := store.FetchVisible(ctx, session.Filter{})
	require.NoError(t, err)
	require.Len(t, visible, 2)
}

func TestPullFailureKeepsLastCompletedToken(t *testing.T) {
	ctx := context.Background()
	store, repo, _ := newLocal(t)

	rs := &stubRemote{
		pages:    []remote.Page{{Records: []wire.Record{remoteRecord("x", t0)}, Token: "p1", HasMore: true}},
		pullErrs: []error{nil, fmt.Errorf("%w: reset by peer", wire.ErrTransportUnavailable)},
	}
	r := New(store, rs, repo, "acct", WithLogger(quiet))

	_, err := r.PullRemoteChanges(ctx)
	require.ErrorIs(t, err, wire.ErrTransportUnavailable)

	token, err := repo.LoadToken(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, "p1", token)
}

func TestPullCountsConflictOverwritten(t *testing.T) {
	ctx := context.Background()
	store, repo, _ := newLocal(t)
	capture(t, store, "a")

	rs := &stubRemote{pages: []remote.Page{{Records: []wire.Record{remoteRecord("a", t0.Add(time.Hour))}, Token: "p1"}}}
	r := New(store, rs, repo, "acct", WithLogger(quiet))

	before := testutil.ToFloat64(conflictCounter)
	report, err := r.PullRemoteChanges(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicts)
	require.InDelta(t, before+1, testutil.ToFloat64(conflictCounter), 0.0001)
	require.Equal(t, session.StateSynced, repo.AllSessions()["a"].State)
}

func TestSyncNowObservesRunDuration(t *testing.T) {
	ctx := context.Background()
	store, repo, _ := newLocal(t)
	capture(t, store, "a")

	r := New(store, &stubRemote{}, repo, "acct", WithLogger(quiet))
	before := histogramCount(t)

	report, err := r.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, ReasonUser, report.Reason)
	require.Equal(t, 1, report.Push.Acked)
	require.Equal(t, 1, report.Pull.Pages)
	require.Greater(t, histogramCount(t), before)
}

func TestSyncAgainstRemoteStoreConverges(t *testing.T) {
	ctx := context.Background()
	svc := remote.NewService(remotememory.NewRepository(), remote.WithLogger(quiet))

	storeA, repoA, clockA := newLocal(t)
	storeB, repoB, _ := newLocal(t)
	a := New(storeA, remote.NewLocal(svc, "acct"), repoA, "acct", WithLogger(quiet))
	b := New(storeB, remote.NewLocal(svc, "acct"), repoB, "acct", WithLogger(quiet))

	capture(t, storeA, "wk-1")
	capture(t, storeA, "wk-2")
	_, err := a.SyncNow(ctx)
	require.NoError(t, err)
	_, err = b.SyncNow(ctx)
	require.NoError(t, err)
	require.Len(t, repoB.AllSessions(), 2)

	clockA.now = t0.Add(time.Hour)
	_, err = storeA.SoftDelete(ctx, "wk-1")
	require.NoError(t, err)
	_, err = a.SyncNow(ctx)
	require.NoError(t, err)
	_, err = b.SyncNow(ctx)
	require.NoError(t, err)

	visible, err := storeB.FetchVisible(ctx, session.Filter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, "wk-2", visible[0].WorkoutKey)
	require.Equal(t, session.StateSyncedTombstone, repoB.AllSessions()["wk-1"].State)

	for key, rec := range repoA.AllSessions() {
		require.True(t, session.SameContent(rec, repoB.AllSessions()[key]), key)
	}
}

func TestTriggerCoalescesAndLoopRuns(t *testing.T) {
	store, repo, _ := newLocal(t)
	capture(t, store, "a")
	rs := &stubRemote{}
	r := New(store, rs, repo, "acct", WithLogger(quiet), WithInterval(time.Hour), WithTriggerLimit(time.Millisecond, 5))

	require.True(t, r.Trigger(ReasonForeground))
	require.False(t, r.Trigger(ReasonSettings))

	ctx, cancel := context.WithCancel(context.Background())
	go r.Start(ctx)

	require.Eventually(t, func() bool { return rs.pushCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	r.Wait()
}

func TestSyncPendingPropagatesLocalFailure(t *testing.T) {
	r := New(failingLocal{}, &stubRemote{}, memory.NewRepository(), "acct", WithLogger(quiet))
	_, err := r.SyncPending(context.Background())
	require.ErrorIs(t, err, session.ErrPersistence)
}

type failingLocal struct{}

func (failingLocal) FetchPendingAndTombstones(context.Context) ([]session.Session, error) {
	return nil, errors.Join(session.ErrPersistence, errors.New("disk full"))
}

func (failingLocal) MarkSynced(context.Context, string, time.Time) (bool, error) { return false, nil }

func (failingLocal) RecordSyncError(context.Context, string, error) error { return nil }

func (failingLocal) ApplyRemote(context.Context, session.Session) (session.ApplyResult, error) {
	return session.ApplyResult{}, nil
}

func histogramCount(t *testing.T) uint64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, runDuration.Write(metric))
	return metric.GetHistogram().GetSampleCount()
}
