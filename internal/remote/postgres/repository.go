// Package postgres is the Postgres-backed remote repository. Every accepted write
// takes the next value of a global change sequence and records a session.changed
// outbox event in the same transaction. Writes are serialised per account with a
// transaction-scoped advisory lock.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/heatsync/internal/observability"
	"example.com/heatsync/internal/outbox"
	"example.com/heatsync/internal/remote"
	"example.com/heatsync/internal/wire"
)

//go:embed schema.sql
var schemaSQL string

const lockAccountSQL = "SELECT pg_advisory_xact_lock(hashtext($1))"

// Migrate applies the embedded schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Option configures the Repository.
type Option func(*Repository)

// WithTopic overrides the Kafka topic recorded on outbox rows.
func WithTopic(topic string) Option {
	return func(r *Repository) {
		if topic != "" {
			r.topic = topic
		}
	}
}

// Repository implements remote.Repository.
type Repository struct {
	pool  *pgxpool.Pool
	topic string
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool, topic: outbox.DefaultSessionTopic}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply implements remote.Repository.
func (r *Repository) Apply(ctx context.Context, accountID string, rec wire.Record) (result remote.ApplyResult, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return remote.ApplyResult{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.account_id', $1, true)", accountID); err != nil {
		return remote.ApplyResult{}, err
	}
	// Writers of one account run one at a time until commit: the merge always sees the
	// latest committed row, and change_seq values become visible in increasing order.
	if _, err = tx.Exec(ctx, lockAccountSQL, accountID); err != nil {
		return remote.ApplyResult{}, fmt.Errorf("lock account: %w", err)
	}

	var existing *wire.Record
	var raw []byte
	err = tx.QueryRow(ctx, `SELECT record FROM remote_sessions WHERE account_id=$1 AND workout_key=$2 FOR UPDATE`,
		accountID, rec.WorkoutKey).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = nil
	case err != nil:
		return remote.ApplyResult{}, err
	default:
		var stored wire.Record
		if err = json.Unmarshal(raw, &stored); err != nil {
			return remote.ApplyResult{}, fmt.Errorf("decode stored record: %w", err)
		}
		existing = &stored
	}

	next, outcome, write, err := remote.Merge(existing, rec)
	if err != nil {
		return remote.ApplyResult{}, err
	}
	if !write {
		if err = tx.Commit(ctx); err != nil {
			return remote.ApplyResult{}, err
		}
		return remote.ApplyResult{Outcome: outcome}, nil
	}

	body, err := json.Marshal(next)
	if err != nil {
		return remote.ApplyResult{}, err
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO remote_sessions (account_id, workout_key, change_seq, updated_at, deleted, record, stored_at)
		VALUES ($1, $2, nextval('remote_session_change_seq'), $3, $4, $5, NOW())
		ON CONFLICT (account_id, workout_key) DO UPDATE SET
			change_seq = EXCLUDED.change_seq,
			updated_at = EXCLUDED.updated_at,
			deleted = EXCLUDED.deleted,
			record = EXCLUDED.record,
			stored_at = EXCLUDED.stored_at
		RETURNING change_seq`,
		accountID, next.WorkoutKey, next.Version(), next.Tombstoned(), body).Scan(&seq)
	if err != nil {
		return remote.ApplyResult{}, err
	}

	event := outbox.SessionChanged{
		AccountID:  accountID,
		WorkoutKey: next.WorkoutKey,
		ChangeSeq:  seq,
		UpdatedAt:  next.Version(),
		Deleted:    next.Tombstoned(),
		Outcome:    string(outcome),
	}
	if err = r.insertOutbox(ctx, tx, event); err != nil {
		return remote.ApplyResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return remote.ApplyResult{}, err
	}
	observability.RecordRemoteWrite(event.UpdatedAt)
	return remote.ApplyResult{Outcome: outcome, Seq: seq}, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, event outbox.SessionChanged) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (account_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		event.AccountID,
		outbox.AggregateSession,
		event.WorkoutKey,
		outbox.EventSessionChanged,
		r.topic,
		event.PartitionKey(),
		body,
		event.DedupeKey(),
	)
	return err
}

// Changes implements remote.Repository.
func (r *Repository) Changes(ctx context.Context, accountID string, afterSeq int64, limit int) ([]remote.Change, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.account_id', $1, true)", accountID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT change_seq, record FROM remote_sessions
        WHERE account_id=$1 AND change_seq > $2
        ORDER BY change_seq
        LIMIT $3`, accountID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]remote.Change, 0, limit)
	for rows.Next() {
		var (
			change remote.Change
			raw    []byte
		)
		if err := rows.Scan(&change.Seq, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &change.Record); err != nil {
			return nil, fmt.Errorf("decode record at seq %d: %w", change.Seq, err)
		}
		results = append(results, change)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// Ping verifies the pool is usable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
