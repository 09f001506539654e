package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
)

// TestPostgresEnv overrides the connection string WithTestDb uses to reach the postgres server.
const TestPostgresEnv = "EVEINGESTER_TEST_POSTGRES"

const defaultTestConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// ErrNoTestDb is returned by WithTestDb when no postgres server can be reached; tests should skip on it.
var ErrNoTestDb = errors.New("no postgres server available for tests")

var (
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	entropyMu sync.Mutex
)

func newTestDbName() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return "test_" + strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// WithTestDb spins up a dedicated Postgres database for testing
//
//	migrations: perform the list of migrations before entering the action callback
//	action: callback for client code
//
// The database is dropped once action returns.
func WithTestDb(migrations []Migration, action func(db *pgx.Conn) error) error {
	ctx := context.Background()

	connectionString := os.Getenv(TestPostgresEnv)
	if connectionString == "" {
		connectionString = defaultTestConnectionString
	}

	// Connect and create a dedicated database for the test
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := pgx.Connect(connectCtx, connectionString)
	if err != nil {
		return errors.Wrap(ErrNoTestDb, err.Error())
	}
	defer db.Close(ctx)

	dbName := newTestDbName()
	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created.  This is the database we use for tests
	testDb, err := pgx.Connect(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		_ = testDb.Close(ctx)
		// disconnect all db user before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDb, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDb)
}

// WithTestSqliteDb runs action against a fresh in-memory SQLite database with migrations applied.
func WithTestSqliteDb(migrations []Migration, action func(db *sql.DB) error) error {
	ctx := context.Background()
	db, err := OpenSqlite(ctx, SqliteConfig{Path: ":memory:"})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := UpdateSqliteDatabase(ctx, db, migrations); err != nil {
		return err
	}
	return action(db)
}
