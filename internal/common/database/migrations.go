package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgtype/pgxtype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Migration is one numbered schema change.  The id is taken from the file name prefix, e.g. 001_initial.sql has id 1.
type Migration struct {
	id   int
	name string
	sql  string
}

func NewMigration(id int, name string, sql string) Migration {
	return Migration{id: id, name: name, sql: sql}
}

// UpdateDatabase applies every migration with an id above the version recorded in the database_version sequence.
func UpdateDatabase(ctx context.Context, db pgxtype.Querier, migrations []Migration) error {
	log.Info("Updating postgres...")
	version, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.id > version {
			_, err := db.Exec(ctx, m.sql)
			if err != nil {
				return errors.Wrapf(err, "applying migration %s", m.name)
			}

			version = m.id
			err = setVersion(ctx, db, version)
			if err != nil {
				return err
			}
		}
	}
	log.Info("Database updated.")
	return nil
}

func readVersion(ctx context.Context, db pgxtype.Querier) (int, error) {
	_, err := db.Exec(ctx,
		`CREATE SEQUENCE IF NOT EXISTS database_version START WITH 0 MINVALUE 0;`)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var version int
	err = db.QueryRow(ctx, `SELECT last_value FROM database_version`).Scan(&version)
	return version, errors.WithStack(err)
}

func setVersion(ctx context.Context, db pgxtype.Querier, version int) error {
	_, err := db.Exec(ctx, `SELECT setval('database_version', $1)`, version)
	return errors.WithStack(err)
}

// UpdateSqliteDatabase is the SQLite counterpart of UpdateDatabase.  The schema version is kept in PRAGMA user_version
// and every migration runs, statement by statement, inside one transaction together with its version bump.
func UpdateSqliteDatabase(ctx context.Context, db *sql.DB, migrations []Migration) error {
	log.Info("Updating sqlite...")
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return errors.WithStack(err)
	}
	log.Infof("Current version %v", version)

	for _, m := range migrations {
		if m.id <= version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, statement := range SplitStatements(m.sql) {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				_ = tx.Rollback()
				return errors.Wrapf(err, "applying migration %s", m.name)
			}
		}
		// PRAGMA does not accept bind parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.id)); err != nil {
			_ = tx.Rollback()
			return errors.WithStack(err)
		}
		if err := tx.Commit(); err != nil {
			return errors.WithStack(err)
		}
		version = m.id
	}
	log.Info("Database updated.")
	return nil
}

// ReadMigrations loads every .sql file in dir of fsys, ordered by file name.
func ReadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	migrations := []Migration{}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		contents, err := fs.ReadFile(fsys, path.Join(dir, f.Name()))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		id, err := strconv.Atoi(strings.Split(f.Name(), "_")[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s does not start with a numeric id", f.Name())
		}
		migrations = append(migrations, Migration{
			id:   id,
			name: f.Name(),
			sql:  string(contents),
		})
	}
	return migrations, nil
}

// SplitStatements splits a migration script on semicolons.  Scripts must not contain semicolons inside literals.
func SplitStatements(script string) []string {
	var statements []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			statements = append(statements, s)
		}
	}
	return statements
}
