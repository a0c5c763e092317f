package dbmanager

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

// MigrationsTable records the applied schema version.
const MigrationsTable = "spatialvault_schema_migrations"

// Migrate brings the schema up to the newest migration in fsys and
// returns the resulting version. The driver takes the database lock, so
// concurrent callers apply each migration once. db is closed on return.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS) (uint, error) {
	src, err := iofs.New(fsys, ".")
	if err != nil {
		return 0, err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		src.Close()
		return 0, err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		src.Close()
		driver.Close()
		return 0, err
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Ctx(ctx).Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("failed to close migrator")
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	before, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, err
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Ctx(ctx).Info().Uint("version", before).Msg("schema is up to date")
		return before, nil
	}
	if err != nil {
		return 0, err
	}
	after, _, err := m.Version()
	if err != nil {
		return 0, err
	}
	log.Ctx(ctx).Info().Uint("from", before).Uint("to", after).Msg("applied migrations")
	return after, nil
}
