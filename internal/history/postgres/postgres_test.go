package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/loopr/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr, "")
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	tick := history.NewEvent(history.EventTick, "inbox", time.Now())
	tick.PID = 12345
	tick.Status = "running"
	tick.Outcome = "timeout"
	tick.Executions = 3
	tick.Error = "agent call timed out"
	require.NoError(t, sink.Send(ctx, tick))

	done := history.NewEvent(history.EventTransition, "inbox", time.Now())
	done.Status = "failed"
	require.NoError(t, sink.Send(ctx, done))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loopr_history WHERE name = $1`, "inbox").Scan(&count))
	assert.Equal(t, 2, count)

	var outcome string
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT outcome FROM loopr_history WHERE id = $1`, tick.ID).Scan(&outcome))
	assert.Equal(t, "timeout", outcome)

	// schema creation is idempotent
	again, err := New(connStr, "")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestPostgresSink_BadInput(t *testing.T) {
	_, err := New("", "")
	require.Error(t, err)
	_, err = New("postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1", "x;y")
	require.Error(t, err)
}

func TestPostgresSink_Unreachable(t *testing.T) {
	_, err := New("postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1", "")
	require.Error(t, err)
}
