package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamrelay/internal/job"
)

// PostgresConfig describes how the Postgres backend initialises its pool.
type PostgresConfig struct {
	DSN                 string        `mapstructure:"dsn"`
	MaxConnections      int32         `mapstructure:"max-connections"`
	MinConnections      int32         `mapstructure:"min-connections"`
	MaxConnLifetime     time.Duration `mapstructure:"max-conn-lifetime"`
	MaxConnIdleTime     time.Duration `mapstructure:"max-conn-idle-time"`
	HealthCheckInterval time.Duration `mapstructure:"health-check-interval"`
	ConnectTimeout      time.Duration `mapstructure:"connect-timeout"`
	ApplicationName     string        `mapstructure:"application-name"`
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS relay_sessions (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	destination TEXT NOT NULL,
	decryption  TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	source_kind TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps one row per session in relay_sessions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates relay_sessions when it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure relay_sessions: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (map[string]job.Spec, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, source, destination, decryption, title, source_kind FROM relay_sessions`)
	if err != nil {
		return nil, fmt.Errorf("query relay_sessions: %w", err)
	}
	defer rows.Close()

	specs := make(map[string]job.Spec)
	for rows.Next() {
		var (
			spec job.Spec
			kind string
		)
		if err := rows.Scan(&spec.SessionID, &spec.Source, &spec.Destination, &spec.Decryption, &spec.Title, &kind); err != nil {
			return nil, fmt.Errorf("scan relay_sessions: %w", err)
		}
		spec.SourceKind = job.SourceKind(kind)
		specs[spec.SessionID] = spec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relay_sessions: %w", err)
	}
	return specs, nil
}

// Save replaces every row inside one transaction.
func (s *PostgresStore) Save(ctx context.Context, specs map[string]job.Spec) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	if _, err := tx.Exec(ctx, `DELETE FROM relay_sessions`); err != nil {
		return fmt.Errorf("clear relay_sessions: %w", err)
	}
	if len(specs) > 0 {
		batch := &pgx.Batch{}
		for id, spec := range cloneSpecs(specs) {
			batch.Queue(`INSERT INTO relay_sessions (id, source, destination, decryption, title, source_kind, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())`, id, spec.Source, spec.Destination, spec.Decryption, spec.Title, string(spec.SourceKind))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert relay_sessions: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// rollbackTx discards tx unless it was already committed.
func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
