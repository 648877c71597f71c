// Package db opens the task store backing database. SQLite and PostgreSQL
// are supported; the URL scheme selects the driver.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/trafficcontrol/trafficcontrol/internal/common/config"
)

const (
	busyTimeout = 5 * time.Second

	// WAL mode allows many readers alongside the single writer.
	sqliteReaderConns = 4

	defaultPostgresMaxConns = 25
)

// Pool provides separate read and write connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection. For PostgreSQL both sides are the same
// *sqlx.DB; pgx pools internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
	driver string
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Driver returns the underlying driver name ("sqlite3" or "pgx").
func (p *Pool) Driver() string { return p.driver }

// Ping probes the database within the given context.
func (p *Pool) Ping(ctx context.Context) error {
	return p.writer.PingContext(ctx)
}

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open connects to the task store named by cfg.URL. URLs starting with
// postgres:// use pgx; everything else is treated as a SQLite path
// (optionally prefixed sqlite://).
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	url := cfg.URL
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return openPostgres(url, cfg.MaxConns)
	case strings.HasPrefix(url, "sqlite://"):
		return openSQLite(strings.TrimPrefix(url, "sqlite://"))
	default:
		return openSQLite(url)
	}
}

func openSQLite(path string) (*Pool, error) {
	normalized, err := filepath.Abs(path)
	if err != nil {
		normalized = path
	}
	if dir := filepath.Dir(normalized); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
	}

	// Writer DSN: FK enforcement, WAL journaling, a busy timeout to ride out
	// transient locks, NORMAL sync as the durability/perf tradeoff.
	writerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized,
		int(busyTimeout/time.Millisecond),
	)
	writer, err := sqlx.Open("sqlite3", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer connection serializes writes and avoids SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readerDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalized,
		int(busyTimeout/time.Millisecond),
	)
	reader, err := sqlx.Open("sqlite3", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return &Pool{writer: writer, reader: reader, driver: "sqlite3"}, nil
}

func openPostgres(dsn string, maxConns int) (*Pool, error) {
	conn, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(maxConns / 5)

	return &Pool{writer: conn, reader: conn, driver: "pgx"}, nil
}

var memorySeq atomic.Int64

// OpenMemory opens a fresh in-memory SQLite database for tests. Each call
// gets its own database; cache=shared only spans connections to the same
// named instance.
func OpenMemory() (*Pool, error) {
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_foreign_keys=on", memorySeq.Add(1))
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	return &Pool{writer: conn, reader: conn, driver: "sqlite3"}, nil
}
