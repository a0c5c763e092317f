// Package dbmanager owns the connection pool to the metadata store and
// applies the embedded migrations.
package dbmanager

import (
	"context"
	"database/sql"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog/log"
)

type Options struct {
	DSN            string
	MaxConnections int
	// ConnectAttempts bounds how often the initial ping is retried while
	// the database comes up.
	ConnectAttempts uint
}

// Pool is a pgx-backed database/sql pool.
type Pool struct {
	db *sql.DB
}

// NewPostgresqlDb opens the pool and waits until the database answers.
func NewPostgresqlDb(ctx context.Context, opts Options) (*Pool, error) {
	sqlDB, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to open db")
		return nil, err
	}
	if opts.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxConnections)
		sqlDB.SetMaxIdleConns(opts.MaxConnections)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	attempts := opts.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}
	err = retry.Do(
		func() error {
			return sqlDB.PingContext(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Ctx(ctx).Warn().Err(err).Uint("attempt", n+1).Msg("database not reachable, retrying")
		}),
	)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("failed to ping db")
		sqlDB.Close()
		return nil, err
	}
	return &Pool{db: sqlDB}, nil
}

func (p *Pool) DB() *sql.DB {
	return p.db
}

// Stats returns the number of open and in-use connections.
func (p *Pool) Stats() (open, inUse int) {
	s := p.db.Stats()
	return s.OpenConnections, s.InUse
}

func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Pool) Close() error {
	return p.db.Close()
}
