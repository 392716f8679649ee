//go:build integration

// Package dbtest starts a disposable PostgreSQL for integration tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/migrations"
)

// Start runs postgres:16-alpine, applies the embedded migrations and returns
// a pool. The container is terminated when the test ends.
func Start(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "planflow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://test:test@%s:%s/planflow?sslmode=disable", host, port.Port())
	pool, err := db.NewPool(ctx, url, 10, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.NewMigrator(pool, migrations.FS).Up(ctx)
	require.NoError(t, err)
	return pool
}
