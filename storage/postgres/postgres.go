// Package postgres provides the PostgreSQL implementation of the membership repositories.
//
// Two pools back the two privilege levels: UserRepo connects with a restricted role whose
// reads are filtered by row-level security on app.user_id, SystemRepo connects as the table
// owner for privileged writes. Both may share one DSN in development, in which case the
// policies are not enforced.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// SystemDSN connects as the schema owner (required)
	SystemDSN string
	// UserDSN connects as a role granted membership_reader (default: SystemDSN)
	UserDSN string

	// Pool configuration, applied to both pools
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns both pools
type Store struct {
	Users  *UserRepo
	System *SystemRepo

	userPool   *pgxpool.Pool
	systemPool *pgxpool.Pool
}

var (
	_ membership.UserScopedRepo = (*UserRepo)(nil)
	_ membership.SystemRepo     = (*SystemRepo)(nil)
)

// New connects both pools
func New(ctx context.Context, config Config) (*Store, error) {
	if config.SystemDSN == "" {
		return nil, fmt.Errorf("system connection string is required")
	}
	if config.UserDSN == "" {
		config.UserDSN = config.SystemDSN
	}

	systemPool, err := connect(ctx, config.SystemDSN, config)
	if err != nil {
		return nil, fmt.Errorf("system pool: %w", err)
	}
	userPool, err := connect(ctx, config.UserDSN, config)
	if err != nil {
		systemPool.Close()
		return nil, fmt.Errorf("user pool: %w", err)
	}

	return &Store{
		Users:      &UserRepo{reference: reference{db: userPool}, pool: userPool},
		System:     &SystemRepo{reference: reference{db: systemPool}, pool: systemPool},
		userPool:   userPool,
		systemPool: systemPool,
	}, nil
}

func connect(ctx context.Context, dsn string, config Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// SystemPool exposes the owner pool for migrations
func (s *Store) SystemPool() *pgxpool.Pool {
	return s.systemPool
}

// Ping checks both pools
func (s *Store) Ping(ctx context.Context) error {
	if err := s.systemPool.Ping(ctx); err != nil {
		return err
	}
	return s.userPool.Ping(ctx)
}

// Close closes both connection pools
func (s *Store) Close() {
	if s.userPool != nil {
		s.userPool.Close()
	}
	if s.systemPool != nil {
		s.systemPool.Close()
	}
}
