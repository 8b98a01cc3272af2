// Package database provides the relational store client and migration utilities.
// Two engines are supported: postgres (via pgx) and sqlite (via modernc, cgo-free).
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver for database/sql
	_ "modernc.org/sqlite"             // register "sqlite" driver for database/sql
)

// Client wraps the sql.DB handle together with the active dialect.
type Client struct {
	db      *stdsql.DB
	dialect string
}

// DB returns the underlying database handle for health checks and direct queries.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Dialect returns the active dialect (DialectPostgres or DialectSQLite).
func (c *Client) Dialect() string {
	return c.dialect
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens a database connection pool, verifies connectivity, and
// applies embedded migrations when cfg.Synchronize is set.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Each pooled connection to an in-memory sqlite database would see its
	// own empty database; a single connection keeps them on one.
	if cfg.Type == DialectSQLite && strings.Contains(cfg.Database, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Synchronize {
		if err := RunMigrations(db, cfg); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &Client{db: db, dialect: cfg.Type}, nil
}

// NewClientFromDB wraps an already-open handle. Used by test helpers that
// manage their own connection (per-test schemas, shared containers).
func NewClientFromDB(db *stdsql.DB, dialect string) *Client {
	return &Client{db: db, dialect: dialect}
}

func open(cfg Config) (*stdsql.DB, error) {
	switch cfg.Type {
	case DialectPostgres:
		sslMode := "disable"
		if cfg.SSL {
			sslMode = "require"
		}
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode,
		)
		db, err := stdsql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		return db, nil

	case DialectSQLite:
		// _pragma options apply to every pooled connection; foreign_keys and
		// busy_timeout are per-connection settings in sqlite.
		dsn := fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
			cfg.Database,
		)
		db, err := stdsql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return db, nil

	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// Rebind converts ? placeholders to the dialect's positional form. Services
// write statements once with ? and rebind per dialect ($1, $2, ... for
// postgres; sqlite takes ? natively).
func (c *Client) Rebind(query string) string {
	if c.dialect != DialectPostgres {
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
