package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const sqliteBusyTimeout = 5 * time.Second

// PostgresConfig holds libpq style connection parameters, e.g. host, port, user, password, dbname, sslmode.
type PostgresConfig struct {
	Connection map[string]string
}

// SqliteConfig points at a SQLite database file.  ":memory:" gives a private in-memory database.
type SqliteConfig struct {
	Path string
}

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return strings.TrimSpace(result)
}

// OpenPgxConn opens a single, unpooled connection to postgres and checks that it is usable.
func OpenPgxConn(ctx context.Context, config PostgresConfig) (*pgx.Conn, error) {
	db, err := pgx.Connect(ctx, CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close(ctx)
		return nil, errors.WithStack(err)
	}
	return db, nil
}

// OpenSqlite opens a SQLite database restricted to a single underlying connection, so that the handle behaves like
// one exclusively owned connection (and an in-memory database is shared by every statement issued through it).
func OpenSqlite(ctx context.Context, config SqliteConfig) (*sql.DB, error) {
	path, err := homedir.Expand(config.Path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening sqlite database %s", config.Path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "opening sqlite database %s", config.Path)
	}
	// Several workers may write to the same file, each through its own handle
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeout.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "configuring sqlite database %s", config.Path)
	}
	return db, nil
}
