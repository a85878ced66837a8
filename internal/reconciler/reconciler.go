// Package reconciler pushes pending session records to the remote store and pulls
// remote changes back. It is the only durability guarantee: relay rounds may or
// may not have happened, the reconciler delivers everything eventually.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"example.com/heatsync/internal/observability"
	"example.com/heatsync/internal/remote"
	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/wire"
)

// RemoteStore is the remote store collaborator as seen from one account.
type RemoteStore interface {
	Push(ctx context.Context, rec wire.Record) error
	Pull(ctx context.Context, token string, limit int) (remote.Page, error)
}

// LocalStore is the subset of the session store the reconciler drives.
type LocalStore interface {
	FetchPendingAndTombstones(ctx context.Context) ([]session.Session, error)
	MarkSynced(ctx context.Context, workoutKey string, version time.Time) (bool, error)
	RecordSyncError(ctx context.Context, workoutKey string, cause error) error
	ApplyRemote(ctx context.Context, incoming session.Session) (session.ApplyResult, error)
}

// TokenStore persists the pull token between runs.
type TokenStore interface {
	LoadToken(ctx context.Context, scope string) (string, error)
	SaveToken(ctx context.Context, scope, token string) error
}

// Reason names what asked for a run.
type Reason string

const (
	ReasonForeground Reason = "foreground"
	ReasonUser       Reason = "user"
	ReasonSettings   Reason = "settings"
	ReasonRelay      Reason = "relay"
	ReasonInterval   Reason = "interval"
)

// PushReport summarises SyncPending.
type PushReport struct {
	Attempted int
	Pushed    int
	Acked     int
	Failed    int
}

// PullReport summarises PullRemoteChanges.
type PullReport struct {
	Pages     int
	Applied   int
	Changed   int
	Malformed int
	Conflicts int
}

// Report summarises one full run.
type Report struct {
	Reason Reason
	Push   PushReport
	Pull   PullReport
}

// Option configures the Reconciler.
type Option func(*Reconciler)

// WithPageSize sets the pull page size.
func WithPageSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithInterval sets the background interval between runs.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithTriggerLimit bounds how often explicit triggers start a run.
func WithTriggerLimit(every time.Duration, burst int) Option {
	return func(r *Reconciler) {
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// WithAfterPull registers a hook invoked with the results of a pull that changed
// local records.
func WithAfterPull(fn func(ctx context.Context, results []session.ApplyResult)) Option {
	return func(r *Reconciler) {
		r.afterPull = fn
	}
}

// WithLogger overrides the reconciler logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// Reconciler runs push and pull cycles for one account scope.
type Reconciler struct {
	local     LocalStore
	remote    RemoteStore
	tokens    TokenStore
	scope     string
	pageSize  int
	interval  time.Duration
	limiter   *rate.Limiter
	afterPull func(ctx context.Context, results []session.ApplyResult)
	logger    *log.Logger

	group            singleflight.Group
	triggers         chan Reason
	shutdownComplete chan struct{}
}

// New constructs a Reconciler. scope keys the persisted pull token, normally the account id.
func New(local LocalStore, remoteStore RemoteStore, tokens TokenStore, scope string, opts ...Option) *Reconciler {
	r := &Reconciler{
		local:            local,
		remote:           remoteStore,
		tokens:           tokens,
		scope:            scope,
		pageSize:         remote.DefaultPageLimit,
		interval:         5 * time.Minute,
		limiter:          rate.NewLimiter(rate.Every(10*time.Second), 2),
		logger:           log.New(log.Writer(), "[reconciler] ", log.LstdFlags|log.Lshortfile),
		triggers:         make(chan Reason, 1),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncPending pushes every pending record individually. A failed push leaves the
// record pending with its lastSyncError set and does not stop the batch.
func (r *Reconciler) SyncPending(ctx context.Context) (PushReport, error) {
	var report PushReport
	pending, err := r.local.FetchPendingAndTombstones(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch pending: %w", err)
	}

	for _, s := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++

		if err := r.remote.Push(ctx, wire.FromSession(s)); err != nil {
			report.Failed++
			pushFailedCounter.Inc()
			r.logger.Printf("push %s failed: %v", s.WorkoutKey, err)
			if recErr := r.local.RecordSyncError(ctx, s.WorkoutKey, err); recErr != nil {
				r.logger.Printf("record sync error for %s: %v", s.WorkoutKey, recErr)
			}
			continue
		}
		report.Pushed++
		pushedCounter.Inc()

		acked, err := r.local.MarkSynced(ctx, s.WorkoutKey, s.UpdatedAt)
		if err != nil {
			r.logger.Printf("mark %s synced: %v", s.WorkoutKey, err)
			continue
		}
		if acked {
			report.Acked++
		}
	}
	return report, nil
}

// PullRemoteChanges applies every remote change since the stored token. The token
// is advanced only after a whole page has been applied; a failure mid-page means
// the page is pulled again next time.
func (r *Reconciler) PullRemoteChanges(ctx context.Context) (PullReport, error) {
	var report PullReport
	token, err := r.tokens.LoadToken(ctx, r.scope)
	if err != nil {
		return report, fmt.Errorf("load token: %w", err)
	}

	var changed []session.ApplyResult
	defer func() {
		if len(changed) > 0 && r.afterPull != nil {
			r.afterPull(ctx, changed)
		}
	}()

	for {
		page, err := r.remote.Pull(ctx, token, r.pageSize)
		if err != nil {
			return report, fmt.Errorf("pull page: %w", err)
		}
		report.Pages++

		for _, rec := range page.Records {
			incoming, err := rec.ToSession()
			if err != nil {
				report.Malformed++
				malformedCounter.Inc()
				r.logger.Printf("dropping remote record: %v", err)
				continue
			}
			res, err := r.local.ApplyRemote(ctx, incoming)
			if err != nil {
				return report, fmt.Errorf("apply %s: %w", rec.WorkoutKey, err)
			}
			report.Applied++
			pulledCounter.WithLabelValues(string(res.Outcome)).Inc()
			if res.ConflictOverwritten {
				report.Conflicts++
				conflictCounter.Inc()
			}
			if res.Outcome == session.OutcomeInserted || res.Outcome == session.OutcomeReplaced {
				report.Changed++
				changed = append(changed, res)
			}
		}

		if page.Token != "" && page.Token != token {
			if err := r.tokens.SaveToken(ctx, r.scope, page.Token); err != nil {
				return report, fmt.Errorf("save token: %w", err)
			}
			token = page.Token
		}
		if !page.HasMore || len(page.Records) == 0 {
			return report, nil
		}
	}
}

// SyncNow runs a push followed by a pull. Concurrent callers share a single run.
func (r *Reconciler) SyncNow(ctx context.Context) (Report, error) {
	return r.run(ctx, ReasonUser)
}

func (r *Reconciler) run(ctx context.Context, reason Reason) (Report, error) {
	v, err, _ := r.group.Do(r.scope, func() (any, error) {
		start := time.Now()
		defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

		report := Report{Reason: reason}
		push, err := r.SyncPending(ctx)
		report.Push = push
		if err != nil {
			return report, err
		}
		pull, err := r.PullRemoteChanges(ctx)
		report.Pull = pull
		return report, err
	})
	report, _ := v.(Report)

	result := "ok"
	switch {
	case errors.Is(err, wire.ErrTransportUnavailable):
		result = "unavailable"
	case err != nil:
		result = "error"
	case report.Push.Failed > 0:
		result = "partial"
	}
	runCounter.WithLabelValues(string(reason), result).Inc()
	if err == nil {
		observability.RecordSyncSuccess(time.Now())
	}
	return report, err
}

// Trigger asks the background loop for a run without blocking. Triggers that
// arrive while one is queued are coalesced. It reports whether the request was queued.
func (r *Reconciler) Trigger(reason Reason) bool {
	select {
	case r.triggers <- reason:
		return true
	default:
		return false
	}
}

// Start runs the background loop until ctx is cancelled. It should be called in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer func() {
		ticker.Stop()
		close(r.shutdownComplete)
	}()

	for {
		var reason Reason
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason = ReasonInterval
		case reason = <-r.triggers:
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}

		report, err := r.run(ctx, reason)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Printf("sync run (%s) failed: %v", reason, err)
			continue
		}
		if report.Push.Attempted > 0 || report.Pull.Changed > 0 {
			r.logger.Printf("sync run (%s): pushed=%d failed=%d pulled=%d changed=%d malformed=%d",
				reason, report.Push.Pushed, report.Push.Failed, report.Pull.Applied, report.Pull.Changed, report.Pull.Malformed)
		}
	}
}

// Wait blocks until the loop started by Start has stopped.
func (r *Reconciler) Wait() {
	<-r.shutdownComplete
}
