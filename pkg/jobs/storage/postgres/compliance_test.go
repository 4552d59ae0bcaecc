package postgres_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/instructure/canvas-jobs/pkg/jobs/storage"
	pgstore "github.com/instructure/canvas-jobs/pkg/jobs/storage/postgres"
	"github.com/instructure/canvas-jobs/pkg/jobs/storage/storetest"
)

const (
	postgresUser     = "jobs"
	postgresPassword = "jobs"
	postgresDB       = "jobs_test"
)

var (
	sharedDBOnce sync.Once
	sharedDB     *sql.DB
	sharedDBErr  error
)

// testDB starts one Postgres container for the whole package and hands out
// the shared connection; each test truncates before use.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	sharedDBOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, err := postgrescontainer.RunContainer(ctx,
			testcontainers.WithImage("postgres:16-alpine"),
			postgrescontainer.WithUsername(postgresUser),
			postgrescontainer.WithPassword(postgresPassword),
			postgrescontainer.WithDatabase(postgresDB),
		)
		if err != nil {
			sharedDBErr = err
			return
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			sharedDBErr = err
			return
		}

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			sharedDBErr = err
			return
		}

		deadline := time.Now().Add(30 * time.Second)
		for db.PingContext(ctx) != nil {
			if time.Now().After(deadline) {
				sharedDBErr = db.PingContext(ctx)
				return
			}
			time.Sleep(500 * time.Millisecond)
		}

		if err := pgstore.InitSchema(ctx, db); err != nil {
			sharedDBErr = err
			return
		}

		sharedDB = db
	})

	require.NoError(t, sharedDBErr)
	return sharedDB
}

// noCloseStore keeps compliance tests from closing the shared connection.
type noCloseStore struct {
	storage.JobStore
}

func (noCloseStore) Close() error { return nil }

func newTestStore(t *testing.T) storage.JobStore {
	t.Helper()

	db := testDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	_, err := db.ExecContext(ctx, "TRUNCATE delayed_jobs, failed_jobs RESTART IDENTITY")
	require.NoError(t, err)

	store, err := pgstore.New(db, pgstore.Options{})
	require.NoError(t, err)

	return noCloseStore{store}
}

// TestPostgresCompliance runs the complete compliance suite against the
// Postgres backend, triggers included.
func TestPostgresCompliance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}
	storetest.RunCompliance(t, newTestStore)
}
