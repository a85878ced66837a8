// Package device assembles one device: its local store, baselines, relay link
// to the paired device and the cloud reconciler. Local writes commit before any
// network attempt; relay rounds and sync runs happen in the background.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/heatsync/internal/analytics"
	"example.com/heatsync/internal/baseline"
	"example.com/heatsync/internal/observability"
	"example.com/heatsync/internal/reconciler"
	"example.com/heatsync/internal/relay"
	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/workout"
)

// Repository is the device-local persistence collaborator.
type Repository interface {
	session.Repository
	workout.Repository
	baseline.Repository
	reconciler.TokenStore
}

// Config carries the tunables of one node.
type Config struct {
	DeviceID          string
	AccountID         string
	RelayTimeout      time.Duration
	ReconcileInterval time.Duration
	PullPageSize      int
	TriggerEvery      time.Duration
	TriggerBurst      int
}

// Option configures the Node.
type Option func(*options)

type options struct {
	wall   func() time.Time
	logger *log.Logger
}

// WithWallClock overrides the wall clock behind edit timestamps and baselines.
func WithWallClock(wall func() time.Time) Option {
	return func(o *options) {
		o.wall = wall
	}
}

// WithLogger sets the logger handed to every component of the node.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Node is one device.
type Node struct {
	id         string
	repo       Repository
	store      *session.Store
	analytics  *analytics.Service
	relay      *relay.Relay
	reconciler *reconciler.Reconciler
	receiver   *relay.Receiver
	logger     *log.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New wires a node. A nil transport disables relaying; the node then relies on
// the reconciler alone.
func New(cfg Config, repo Repository, remoteStore reconciler.RemoteStore, transport relay.Transport, opts ...Option) *Node {
	o := options{
		wall:   time.Now,
		logger: log.New(log.Writer(), fmt.Sprintf("[device %s] ", cfg.DeviceID), log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{id: cfg.DeviceID, repo: repo, logger: o.logger}
	n.bgCtx, n.bgCancel = context.WithCancel(context.Background())

	n.store = session.NewStore(repo,
		session.WithClock(session.NewLogicalClock(o.wall)),
		session.WithLogger(o.logger))
	engine := baseline.NewEngine(repo, baseline.WithNow(o.wall), baseline.WithLogger(o.logger))
	n.analytics = analytics.NewService(n.store, repo, engine, analytics.WithNow(o.wall), analytics.WithLogger(o.logger))

	var relayOpts []relay.Option
	relayOpts = append(relayOpts, relay.WithLogger(o.logger))
	if cfg.RelayTimeout > 0 {
		relayOpts = append(relayOpts, relay.WithTimeout(cfg.RelayTimeout))
	}
	n.relay = relay.New(transport, relayOpts...)

	recOpts := []reconciler.Option{
		reconciler.WithLogger(o.logger),
		reconciler.WithAfterPull(n.afterMerge),
	}
	if cfg.PullPageSize > 0 {
		recOpts = append(recOpts, reconciler.WithPageSize(cfg.PullPageSize))
	}
	if cfg.ReconcileInterval > 0 {
		recOpts = append(recOpts, reconciler.WithInterval(cfg.ReconcileInterval))
	}
	if cfg.TriggerEvery > 0 {
		recOpts = append(recOpts, reconciler.WithTriggerLimit(cfg.TriggerEvery, cfg.TriggerBurst))
	}
	n.reconciler = reconciler.New(n.store, remoteStore, repo, cfg.AccountID, recOpts...)

	n.receiver = relay.NewReceiver(n.store,
		relay.WithReceiverLogger(o.logger),
		relay.WithOnApplied(n.afterMerge))
	return n
}

// ID returns the device id.
func (n *Node) ID() string { return n.id }

// Store exposes the session store for reads.
func (n *Node) Store() *session.Store { return n.store }

// Analytics exposes baseline, period and trend queries.
func (n *Node) Analytics() *analytics.Service { return n.analytics }

// Reconciler exposes the cloud reconciler.
func (n *Node) Reconciler() *reconciler.Reconciler { return n.reconciler }

// RelayHandler is the endpoint the paired device relays to.
func (n *Node) RelayHandler() *relay.Receiver { return n.receiver }

// Start runs the reconciler loop until ctx is cancelled. It should be called in a goroutine.
func (n *Node) Start(ctx context.Context) {
	n.reconciler.Start(ctx)
}

// Wait blocks until the loop started by Start has stopped.
func (n *Node) Wait() {
	n.reconciler.Wait()
}

// Close cancels background relay rounds and waits for them.
func (n *Node) Close() {
	n.bgCancel()
	n.bg.Wait()
}

// Capture stores a finished workout and its new session. draft carries the
// user-entered fields; identity and timing default to the workout's.
func (n *Node) Capture(ctx context.Context, w workout.Workout, draft session.Session) (*session.Session, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	metrics := workout.Summarize(w)
	if err := n.repo.SaveWorkout(ctx, metrics); err != nil {
		return nil, fmt.Errorf("%w: save workout %s: %v", session.ErrPersistence, w.WorkoutKey, err)
	}

	draft.WorkoutKey = w.WorkoutKey
	if draft.StartDate.IsZero() {
		draft.StartDate = w.StartDate
	}
	if draft.EndDate == nil && !w.EndDate.IsZero() {
		end := w.EndDate
		draft.EndDate = &end
	}
	stored, err := n.store.InsertLocal(ctx, draft)
	if err != nil {
		return nil, err
	}
	observability.RecordLocalEdit(stored.UpdatedAt)

	if _, err := n.analytics.Contribute(ctx, *stored, metrics); err != nil {
		n.logger.Printf("baseline contribution for %s: %v", stored.WorkoutKey, err)
	}
	n.afterLocalWrite()
	return stored, nil
}

// Edit applies mutate to a live session. A temperature change moves the
// session's baseline contribution to its new bucket.
func (n *Node) Edit(ctx context.Context, workoutKey string, mutate func(*session.Session)) (*session.Session, error) {
	stored, err := n.store.MarkUpdated(ctx, workoutKey, mutate)
	if err != nil {
		return nil, err
	}
	observability.RecordLocalEdit(stored.UpdatedAt)
	n.contributeStored(ctx, []session.Session{*stored})
	n.afterLocalWrite()
	return stored, nil
}

// Delete soft-deletes a session.
func (n *Node) Delete(ctx context.Context, workoutKey string) (*session.Session, error) {
	stored, err := n.store.SoftDelete(ctx, workoutKey)
	if err != nil {
		return nil, err
	}
	observability.RecordLocalEdit(stored.UpdatedAt)
	n.afterLocalWrite()
	return stored, nil
}

// Visible returns the live sessions matching filter.
func (n *Node) Visible(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	return n.store.FetchVisible(ctx, filter)
}

// OnForeground asks for a sync run when the app comes to the foreground.
func (n *Node) OnForeground() bool {
	return n.reconciler.Trigger(reconciler.ReasonForeground)
}

// OnSettingsChanged asks for a sync run after a settings change.
func (n *Node) OnSettingsChanged() bool {
	return n.reconciler.Trigger(reconciler.ReasonSettings)
}

// SyncNow runs push and pull in the foreground, as for a user-initiated sync.
func (n *Node) SyncNow(ctx context.Context) (reconciler.Report, error) {
	report, err := n.reconciler.SyncNow(ctx)
	n.refreshPending(ctx)
	return report, err
}

// RelayRound offers every pending record to the paired device and then asks the
// reconciler for a run, whatever the outcome. Acknowledged keys stay pending
// until the cloud push confirms them.
func (n *Node) RelayRound(ctx context.Context) relay.KeySet {
	acked := make(relay.KeySet)
	if n.relay.Enabled() {
		pending, err := n.store.FetchPendingAndTombstones(ctx)
		if err != nil {
			n.logger.Printf("relay round: %v", err)
		} else {
			acked = n.relay.Relay(ctx, pending)
		}
	}
	n.reconciler.Trigger(reconciler.ReasonRelay)
	return acked
}

// WaitIdle blocks until background relay rounds started so far have finished.
func (n *Node) WaitIdle() {
	n.bg.Wait()
}

func (n *Node) afterLocalWrite() {
	n.refreshPending(n.bgCtx)
	if !n.relay.Enabled() {
		return
	}
	n.bg.Add(1)
	go func() {
		defer n.bg.Done()
		n.RelayRound(n.bgCtx)
	}()
}

// afterMerge runs after records from the peer or the cloud were merged.
func (n *Node) afterMerge(ctx context.Context, results []session.ApplyResult) {
	merged := make([]session.Session, 0, len(results))
	for _, res := range results {
		if res.Outcome == session.OutcomeInserted || res.Outcome == session.OutcomeReplaced {
			merged = append(merged, res.Session)
		}
	}
	n.contributeStored(ctx, merged)
}

// contributeStored folds sessions whose workout was captured on this device
// into their baselines.
func (n *Node) contributeStored(ctx context.Context, sessions []session.Session) {
	if len(sessions) == 0 {
		return
	}
	keys := make([]string, 0, len(sessions))
	for _, s := range sessions {
		keys = append(keys, s.WorkoutKey)
	}
	metrics, err := n.repo.WorkoutMetrics(ctx, keys)
	if err != nil {
		n.logger.Printf("load workout metrics: %v", err)
		return
	}
	var errs []error
	for _, s := range sessions {
		m, ok := metrics[s.WorkoutKey]
		if !ok {
			continue
		}
		if _, err := n.analytics.Contribute(ctx, s, m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.WorkoutKey, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		n.logger.Printf("baseline contribution: %v", err)
	}
}

func (n *Node) refreshPending(ctx context.Context) {
	pending, err := n.store.FetchPendingAndTombstones(ctx)
	if err != nil {
		return
	}
	observability.SetPending(len(pending))
}
