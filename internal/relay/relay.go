// Package relay delivers changed session records straight to the paired device when
// it happens to be reachable. It is an acceleration only: nothing depends on a relay
// round succeeding, and the cloud reconciler delivers the same records regardless.
package relay

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/wire"
)

// DefaultTimeout bounds one relay round.
const DefaultTimeout = 3 * time.Second

// KeySet is a set of workout keys.
type KeySet map[string]struct{}

// Add inserts key.
func (k KeySet) Add(key string) { k[key] = struct{}{} }

// Has reports whether key is present.
func (k KeySet) Has(key string) bool {
	_, ok := k[key]
	return ok
}

// Keys returns the members in sorted order.
func (k KeySet) Keys() []string {
	out := make([]string, 0, len(k))
	for key := range k {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...string) KeySet {
	out := make(KeySet, len(keys))
	for _, key := range keys {
		out.Add(key)
	}
	return out
}

// Transport is the device transport collaborator.
type Transport interface {
	// Reachable reports whether the paired device can currently be contacted.
	Reachable(ctx context.Context) bool
	// Send delivers records and returns the keys the peer accepted.
	Send(ctx context.Context, records []wire.Record) (KeySet, error)
}

// Option configures the Relay.
type Option func(*Relay)

// WithTimeout overrides the per-round timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Relay) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithLogger overrides the relay logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// Relay sends records to the peer with a bounded timeout and no retries.
type Relay struct {
	transport Transport
	timeout   time.Duration
	logger    *log.Logger
}

// New constructs a Relay. A nil transport disables relaying; every round then
// acknowledges nothing.
func New(transport Transport, opts ...Option) *Relay {
	r := &Relay{
		transport: transport,
		timeout:   DefaultTimeout,
		logger:    log.New(log.Writer(), "[relay] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports whether a transport is configured.
func (r *Relay) Enabled() bool {
	return r != nil && r.transport != nil
}

// Relay offers sessions to the peer and returns the acknowledged subset. Failures
// and timeouts yield an empty or partial set; they are logged, never returned.
func (r *Relay) Relay(ctx context.Context, sessions []session.Session) KeySet {
	acked := make(KeySet)
	if !r.Enabled() || len(sessions) == 0 {
		return acked
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !r.transport.Reachable(ctx) {
		failureCounter.WithLabelValues("unreachable").Inc()
		return acked
	}

	offered := make(KeySet, len(sessions))
	records := make([]wire.Record, 0, len(sessions))
	for _, s := range sessions {
		records = append(records, wire.FromSession(s))
		offered.Add(s.WorkoutKey)
	}
	sentCounter.Add(float64(len(records)))

	got, err := r.transport.Send(ctx, records)
	if err != nil {
		reason := "send"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "timeout"
		}
		failureCounter.WithLabelValues(reason).Inc()
		r.logger.Printf("relay round failed (%d records): %v", len(records), err)
	}

	// Only keys that were actually offered count, whatever the peer claims.
	for key := range got {
		if offered.Has(key) {
			acked.Add(key)
		}
	}
	ackedCounter.Add(float64(len(acked)))
	return acked
}
