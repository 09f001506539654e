package schema

import (
	"context"
	"database/sql"
	"embed"

	"github.com/jackc/pgtype/pgxtype"

	"github.com/G-Research/eveingester/internal/common/database"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var fs embed.FS

func PostgresMigrations() ([]database.Migration, error) {
	return database.ReadMigrations(fs, "migrations/postgres")
}

func SqliteMigrations() ([]database.Migration, error) {
	return database.ReadMigrations(fs, "migrations/sqlite")
}

func MigratePostgres(ctx context.Context, db pgxtype.Querier) error {
	migrations, err := PostgresMigrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}

func MigrateSqlite(ctx context.Context, db *sql.DB) error {
	migrations, err := SqliteMigrations()
	if err != nil {
		return err
	}
	return database.UpdateSqliteDatabase(ctx, db, migrations)
}
