package database

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"testing/fstest"
	"text/template"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/edgard/chatmirror/migrations"
)

// renderMigrations returns the dialect's migration files with the table prefix applied.
func renderMigrations(dialect Dialect, prefix string) (fs.FS, error) {
	dir := string(dialect)
	entries, err := fs.ReadDir(migrations.FS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s migrations: %w", dialect, err)
	}

	data := struct{ Prefix string }{Prefix: prefix}
	rendered := fstest.MapFS{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := fs.ReadFile(migrations.FS, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		tmpl, err := template.New(entry.Name()).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse migration %s: %w", entry.Name(), err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render migration %s: %w", entry.Name(), err)
		}
		rendered[entry.Name()] = &fstest.MapFile{Data: buf.Bytes(), Mode: 0o444}
	}
	return rendered, nil
}

// applyMigrations brings the target's schema up to date. The connection is
// dedicated to the migration and is closed before returning.
func applyMigrations(target Target, logger *slog.Logger) error {
	dsn := target.DSN
	if target.Dialect == MySQL {
		var err error
		if dsn, err = mysqlDSN(dsn, true); err != nil {
			return err
		}
	}

	db, err := sql.Open(target.Dialect.driverName(), dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	source, err := renderMigrations(target.Dialect, target.Prefix)
	if err != nil {
		_ = db.Close()
		return err
	}
	sourceDriver, err := iofs.New(source, ".")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}

	table := target.Prefix + "schema_migrations"
	var dbDriver database.Driver
	switch target.Dialect {
	case SQLite:
		dbDriver, err = sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	case MySQL:
		dbDriver, err = mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case Postgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	default:
		err = fmt.Errorf("unsupported dialect %q", target.Dialect)
	}
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create %s migration driver: %w", target.Dialect, err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, string(target.Dialect), dbDriver)
	if err != nil {
		_ = dbDriver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := migrator.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("Error closing migrator", "source_error", srcErr, "database_error", dbErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("No database migrations to apply", "dialect", target.Dialect, "prefix", target.Prefix)
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info("Database migrations applied", "dialect", target.Dialect, "prefix", target.Prefix)
	return nil
}
