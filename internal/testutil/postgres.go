// Package testutil starts throwaway Postgres containers for store tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/costlens/pipeline-service/internal/database"
)

// SetupTestDB starts postgres, applies the schema and returns a pool.
// The container is terminated via t.Cleanup. Skipped in -short mode.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pipelines"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	pool, err := database.NewPool(ctx, connStr, database.Options{MaxConns: 20})
	require.NoError(t, err, "Failed to create connection pool")

	require.NoError(t, database.Migrate(ctx, pool), "Failed to run migrations")

	t.Cleanup(func() {
		pool.Close()
		testcontainers.TerminateContainer(container)
	})
	return pool
}

// Truncate empties the given tables between subtests
func Truncate(t *testing.T, pool *pgxpool.Pool, tables ...string) {
	t.Helper()
	for _, table := range tables {
		_, err := pool.Exec(context.Background(), "TRUNCATE TABLE "+table+" RESTART IDENTITY")
		require.NoError(t, err)
	}
}
