package eventdb

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/G-Research/eveingester/internal/eveingester/eventdb/schema"
)

// Executor runs a single statement against a connection owned by one worker.
type Executor interface {
	// Exec runs query and returns the number of rows it affected
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	// Migrate brings the schema up to date
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
}

// PgxExecutor runs statements on a single postgres connection.
type PgxExecutor struct {
	conn *pgx.Conn
}

func NewPgxExecutor(conn *pgx.Conn) *PgxExecutor {
	return &PgxExecutor{conn: conn}
}

func (e *PgxExecutor) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := e.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

func (e *PgxExecutor) Migrate(ctx context.Context) error {
	return schema.MigratePostgres(ctx, e.conn)
}

func (e *PgxExecutor) Close(ctx context.Context) error {
	return errors.WithStack(e.conn.Close(ctx))
}

// SqlExecutor runs statements through database/sql. It is used for SQLite.
type SqlExecutor struct {
	db *sql.DB
}

func NewSqlExecutor(db *sql.DB) *SqlExecutor {
	return &SqlExecutor{db: db}
}

func (e *SqlExecutor) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	rows, err := result.RowsAffected()
	return rows, errors.WithStack(err)
}

func (e *SqlExecutor) Migrate(ctx context.Context) error {
	return schema.MigrateSqlite(ctx, e.db)
}

func (e *SqlExecutor) Close(_ context.Context) error {
	return errors.WithStack(e.db.Close())
}
