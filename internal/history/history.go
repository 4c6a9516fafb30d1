// Package history persists completed scan runs to PostgreSQL so results
// can be compared across invocations. Persistence is strictly best-effort
// from the scanner's point of view: a storage failure is reported but never
// fails the scan that produced the result.
package history

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/okvist/portsweep/internal/errors"
	"github.com/okvist/portsweep/internal/metrics"
	"github.com/okvist/portsweep/internal/scanning"
)

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5
)

// Config holds database connection settings.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultConfig returns the default connection settings.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		Database:        "",
		Username:        "",
		Password:        "",
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
	}
}

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// Connect establishes a connection to PostgreSQL.
// Returns sanitized errors that don't leak credentials or DSN details.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host, config.Port, config.Database,
		config.Username, config.Password, config.SSLMode,
	)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageFailed,
			"failed to connect to history database", "", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Failed to close database connection after ping failure")
		}
		return nil, errors.WrapStorageError(errors.CodeStorageFailed,
			"failed to verify history database connection", "", err)
	}

	return &DB{DB: db}, nil
}

// RunRecord is one persisted scan run.
type RunRecord struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Transport   string    `json:"transport" db:"transport"`
	StartedAt   time.Time `json:"started_at" db:"started_at"`
	FinishedAt  time.Time `json:"finished_at" db:"finished_at"`
	DurationMS  int64     `json:"duration_ms" db:"duration_ms"`
	TargetCount int       `json:"target_count" db:"target_count"`
	Attempts    int64     `json:"attempts" db:"attempts"`
	OpenCount   int       `json:"open_count" db:"open_count"`
}

// OpenEndpoint is one open port found during a run.
type OpenEndpoint struct {
	RunID   uuid.UUID `json:"run_id" db:"run_id"`
	Address string    `json:"address" db:"address"`
	Port    int       `json:"port" db:"port"`
}

const schema = `
CREATE TABLE IF NOT EXISTS scan_runs (
	id UUID PRIMARY KEY,
	transport TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	target_count INTEGER NOT NULL,
	attempts BIGINT NOT NULL,
	open_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS open_endpoints (
	run_id UUID NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
	address TEXT NOT NULL,
	port INTEGER NOT NULL,
	PRIMARY KEY (run_id, address, port)
);`

// Store provides scan run persistence operations.
type Store struct {
	db *DB
}

// NewStore creates a store backed by the given database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the history tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.WrapStorageError(errors.CodeStorageFailed,
			"failed to create history schema", "", err)
	}
	return nil
}

// SaveRun stores a completed scan result and its open endpoints in a single
// transaction. The run keeps the identifier assigned when the scan started.
func (s *Store) SaveRun(ctx context.Context, transport string, result *scanning.Result) error {
	m := metrics.GetGlobalMetrics()

	record := RunRecord{
		ID:          result.RunID,
		Transport:   transport,
		StartedAt:   result.StartTime,
		FinishedAt:  result.EndTime,
		DurationMS:  result.Duration.Milliseconds(),
		TargetCount: result.TargetCount(),
		Attempts:    int64(result.Diagnostics.Attempts),
		OpenCount:   result.TotalOpen(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		m.IncrementRunsStored("error")
		return errors.WrapStorageError(errors.CodeStorageFailed,
			"failed to begin history transaction", "", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insertRun = `INSERT INTO scan_runs
		(id, transport, started_at, finished_at, duration_ms, target_count, attempts, open_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.ExecContext(ctx, insertRun,
		record.ID, record.Transport, record.StartedAt, record.FinishedAt,
		record.DurationMS, record.TargetCount, record.Attempts, record.OpenCount); err != nil {
		m.IncrementRunsStored("error")
		return errors.WrapStorageError(errors.CodeStorageFailed,
			"failed to insert scan run", "", err)
	}

	const insertEndpoint = `INSERT INTO open_endpoints (run_id, address, port) VALUES ($1, $2, $3)`
	for _, host := range result.Hosts() {
		for _, port := range host.OpenPorts {
			if _, err := tx.ExecContext(ctx, insertEndpoint,
				record.ID, host.Address.String(), int(port)); err != nil {
				m.IncrementRunsStored("error")
				return errors.WrapStorageError(errors.CodeStorageFailed,
					"failed to insert open endpoint", "", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		m.IncrementRunsStored("error")
		return errors.WrapStorageError(errors.CodeStorageFailed,
			"failed to commit history transaction", "", err)
	}

	m.IncrementRunsStored("success")
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	const query = `SELECT id, transport, started_at, finished_at, duration_ms,
		target_count, attempts, open_count
		FROM scan_runs ORDER BY started_at DESC LIMIT $1`

	var runs []RunRecord
	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageFailed,
			"failed to list scan runs", "", err)
	}
	return runs, nil
}

// RunEndpoints returns the open endpoints recorded for a run, ordered by
// address and port.
func (s *Store) RunEndpoints(ctx context.Context, runID uuid.UUID) ([]OpenEndpoint, error) {
	const query = `SELECT run_id, address, port FROM open_endpoints
		WHERE run_id = $1 ORDER BY address, port`

	var endpoints []OpenEndpoint
	if err := s.db.SelectContext(ctx, &endpoints, query, runID); err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageFailed,
			"failed to list run endpoints", "", err)
	}
	return endpoints, nil
}
