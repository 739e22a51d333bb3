package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/roomwatch/internal/store"
	"github.com/loykin/roomwatch/internal/store/storetest"
)

// startPostgresContainer starts a PostgreSQL container for tests and
// returns a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("roomwatch"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Skipf("Failed to get connection string: %v", err)
	}
	return dsn
}

// resetSchema drops all tables so every subtest starts clean on the shared container.
func resetSchema(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, tbl := range []string{"event", "session", "room"} {
		_, err := db.Exec(`DROP TABLE IF EXISTS ` + tbl)
		require.NoError(t, err)
	}
}

func TestPostgresConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := startPostgresContainer(t)

	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := New(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		resetSchema(t, db.SQL())
		require.NoError(t, db.EnsureSchema(context.Background()))
		return db
	})
}

func TestNewEmptyDSN(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
