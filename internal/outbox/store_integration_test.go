//go:build integration

package outbox_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/heatsync/internal/outbox"
	"example.com/heatsync/internal/remote/postgres"
	"example.com/heatsync/internal/session"
	"example.com/heatsync/internal/wire"
)

func TestPGStoreDrainsOutboxWrittenByRepository(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	account := seedSessions(t, ctx, pool, "wk-1", "wk-2")

	writer := &recordingWriter{}
	dispatcher := outbox.NewDispatcher(outbox.NewPGStore(pool), writer, 10*time.Millisecond, 10,
		outbox.WithLogger(log.New(io.Discard, "", 0)))

	require.NoError(t, dispatcher.ProcessBatch(ctx))
	require.Len(t, writer.messages, 2)
	require.Equal(t, account+":wk-1", string(writer.messages[0].Key))

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 2, published)

	// A drained outbox produces nothing on the next poll.
	require.NoError(t, dispatcher.ProcessBatch(ctx))
	require.Len(t, writer.messages, 2)
}

func TestPGStoreWritesDeadLetters(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgres(t, ctx)
	seedSessions(t, ctx, pool, "wk-1")

	writer := &recordingWriter{err: errors.New("no brokers")}
	dispatcher := outbox.NewDispatcher(outbox.NewPGStore(pool), writer, 10*time.Millisecond, 10,
		outbox.WithLogger(log.New(io.Discard, "", 0)))

	require.NoError(t, dispatcher.ProcessBatch(ctx))

	var (
		count  int
		reason string
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*), MAX(reason) FROM outbox_dlq`).Scan(&count, &reason))
	require.Equal(t, 1, count)
	require.Contains(t, reason, "no brokers")
}

func seedSessions(t *testing.T, ctx context.Context, pool *pgxpool.Pool, keys ...string) string {
	t.Helper()
	repo := postgres.NewRepository(pool)
	account := uuid.NewString()
	at := time.Date(2025, time.June, 2, 7, 0, 0, 0, time.UTC)
	for _, key := range keys {
		_, err := repo.Apply(ctx, account, wire.FromSession(session.Session{
			ID: uuid.NewString(), WorkoutKey: key, StartDate: at, PerceivedEffort: session.EffortModerate,
			CreatedAt: at, UpdatedAt: at, State: session.StatePending,
		}))
		require.NoError(t, err)
	}
	return account
}

type recordingWriter struct {
	err      error
	messages []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, _ string, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func setupPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("heatsync"),
		postgrescontainer.WithUsername("heatsync"),
		postgrescontainer.WithPassword("heatsync"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		pool, err = pgxpool.New(ctx, connStr)
		if err != nil {
			return false
		}
		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			return false
		}
		return true
	}, 30*time.Second, time.Second)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	return pool
}
