// Package store is the single persistence gateway for the orchestrator.
//
// Every durable concern (chat history, tool and artifact logs, monitor
// snapshots, session locks, stream replay events, memory records, meta
// counters) goes through one Store backed by database/sql. SQLite is the
// default engine; PostgreSQL is supported for multi-node deployments. All
// queries are written with `?` placeholders and rebound per dialect.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/observability"
)

// Supported driver names. DriverSQLite maps to the modernc.org/sqlite
// driver which registers itself as "sqlite".
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config describes how to open the backing database.
type Config struct {
	// Driver selects the engine: "sqlite" or "postgres".
	Driver string
	// DSN is the file path for sqlite or a full connection string for
	// postgres.
	DSN string
	// MaxConnections bounds the pool. Zero keeps the driver default.
	MaxConnections int
}

// Store wraps the SQL connection with the schema and query helpers used by
// the rest of the service.
type Store struct {
	db      *sql.DB
	driver  string
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Open connects to the configured database, applies engine pragmas and
// ensures the schema exists. The returned store is safe for concurrent use.
func Open(ctx context.Context, cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Store, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	}

	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join("data", "wunder.db")
		}
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres driver requires a DSN")
		}
		db, err = sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	} else if driver == DriverSQLite {
		// A small pool keeps WAL readers flowing while writes serialize
		// behind the busy timeout.
		db.SetMaxOpenConns(4)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, driver: driver, logger: logger, metrics: metrics}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info(ctx, "database ready", "driver", driver)
	return s, nil
}

// sqliteDSN decorates a file path with the pragmas the service relies on.
// WAL keeps readers and the single writer from blocking each other and the
// busy timeout absorbs short lock contention instead of failing.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
}

// init creates tables and indexes. It is idempotent so restarts and tests
// can call it repeatedly.
func (s *Store) init(ctx context.Context) error {
	statements := schemaStatements(s.driver)
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need engine-specific behavior
// (primarily tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver reports which engine the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// rebind rewrites `?` placeholders into `$n` form for postgres. Queries in
// this package never embed literal question marks, so a byte scan is enough.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// begin opens a transaction and returns it with a rollback func that is a
// no-op after commit.
func (s *Store) begin(ctx context.Context) (*sql.Tx, func(), error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	rollback := func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn(context.Background(), "transaction rollback failed", "error", err)
		}
	}
	return tx, rollback, nil
}

// observe records one database operation in the metrics registry.
func (s *Store) observe(op, table string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery(op, table, status, time.Since(start).Seconds())
}

// nowUnix returns the current time as fractional epoch seconds, the
// timestamp representation used across all tables except system_logs.
func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
