// Package remote is the account-scoped cloud store every device reconciles against.
// Records are kept per (account, workout key); each accepted write gets the next
// change sequence, which is what pull tokens point at.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"

	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/wire"
)

const (
	// DefaultPageLimit is used when a pull does not ask for a page size.
	DefaultPageLimit = 100
	// MaxPageLimit caps a single pull page.
	MaxPageLimit = 500
)

var (
	// ErrInvalidToken is returned for pull tokens that cannot be decoded.
	ErrInvalidToken = errors.New("invalid since token")
	// ErrAccountRequired is returned when a call is not scoped to an account.
	ErrAccountRequired = errors.New("account id is required")
)

// Change is one stored record together with the sequence of its last accepted write.
type Change struct {
	Seq    int64
	Record wire.Record
}

// ApplyResult describes how a pushed record was merged.
type ApplyResult struct {
	Outcome session.Outcome
	// Seq is the change sequence of the stored version; zero when nothing was written.
	Seq int64
}

// Page is one pull response.
type Page struct {
	Records []wire.Record `json:"records"`
	Token   string        `json:"token"`
	HasMore bool          `json:"hasMore"`
}

// Repository persists records per account.
type Repository interface {
	// Apply merges rec into the account's records with last-writer-wins, assigning
	// a new change sequence when the stored version changes.
	Apply(ctx context.Context, accountID string, rec wire.Record) (ApplyResult, error)
	// Changes returns up to limit records whose sequence is greater than afterSeq,
	// in ascending sequence order.
	Changes(ctx context.Context, accountID string, afterSeq int64, limit int) ([]Change, error)
}

// Merge decides what the store keeps when rec arrives and existing is the stored
// version (nil when absent). The returned record is the version to write; ok is
// false when the stored version stays.
func Merge(existing *wire.Record, rec wire.Record) (wire.Record, session.Outcome, bool, error) {
	incoming, err := rec.ToSession()
	if err != nil {
		return wire.Record{}, "", false, err
	}
	incoming.LastSyncError = nil
	stored := wire.FromSession(asSynced(incoming))

	if existing == nil {
		return stored, session.OutcomeInserted, true, nil
	}
	current, err := existing.ToSession()
	if err != nil {
		// A stored record that no longer decodes is replaced by any valid write.
		return stored, session.OutcomeReplaced, true, nil
	}
	switch session.Resolve(current, incoming) {
	case session.WinnerIncoming:
		return stored, session.OutcomeReplaced, true, nil
	case session.WinnerEqual:
		return *existing, session.OutcomeUnchanged, false, nil
	default:
		return *existing, session.OutcomeKeptLocal, false, nil
	}
}

func asSynced(s session.Session) session.Session {
	s.State = s.State.Acked()
	return s
}

// Option configures the Service.
type Option func(*Service)

// WithLogger overrides the service logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service validates requests and translates between tokens and change sequences.
type Service struct {
	repo   Repository
	logger *log.Logger
}

// NewService constructs a Service.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: log.New(log.Writer(), "[remote] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push stores one record for the account.
func (s *Service) Push(ctx context.Context, accountID string, rec wire.Record) (ApplyResult, error) {
	if accountID == "" {
		return ApplyResult{}, ErrAccountRequired
	}
	if err := rec.Validate(); err != nil {
		return ApplyResult{}, err
	}
	res, err := s.repo.Apply(ctx, accountID, rec)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply %s: %w", rec.WorkoutKey, err)
	}
	if res.Outcome == session.OutcomeKeptLocal {
		s.logger.Printf("stale push ignored: account=%s workout_key=%s updated_at=%d",
			accountID, rec.WorkoutKey, rec.Version().Unix())
	}
	return res, nil
}

// Pull returns the changes after token. The returned token covers the page; an
// empty page returns the token unchanged.
func (s *Service) Pull(ctx context.Context, accountID, token string, limit int) (Page, error) {
	if accountID == "" {
		return Page{}, ErrAccountRequired
	}
	after, err := DecodeToken(token)
	if err != nil {
		return Page{}, err
	}
	limit = ClampLimit(limit)

	changes, err := s.repo.Changes(ctx, accountID, after, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("list changes: %w", err)
	}

	page := Page{Records: make([]wire.Record, 0, len(changes)), Token: EncodeToken(after)}
	if len(changes) > limit {
		page.HasMore = true
		changes = changes[:limit]
	}
	for _, c := range changes {
		page.Records = append(page.Records, c.Record)
	}
	if n := len(changes); n > 0 {
		page.Token = EncodeToken(changes[n-1].Seq)
	}
	return page, nil
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	}
	return limit
}
