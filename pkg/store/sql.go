package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// database/sql drivers selectable through STORE_DRIVER
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Driver string
	Schema string
	Select string
	Upsert string
	Delete string
}

var (
	SQLiteDialect = Dialect{
		Driver: "sqlite",
		Schema: `CREATE TABLE IF NOT EXISTS ledger_state (
			k BLOB PRIMARY KEY,
			v BLOB NOT NULL
		)`,
		Select: `SELECT v FROM ledger_state WHERE k = ?`,
		Upsert: `INSERT INTO ledger_state (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		Delete: `DELETE FROM ledger_state WHERE k = ?`,
	}

	MySQLDialect = Dialect{
		Driver: "mysql",
		Schema: `CREATE TABLE IF NOT EXISTS ledger_state (
			k VARBINARY(255) PRIMARY KEY,
			v LONGBLOB NOT NULL
		)`,
		Select: `SELECT v FROM ledger_state WHERE k = ?`,
		Upsert: `INSERT INTO ledger_state (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)`,
		Delete: `DELETE FROM ledger_state WHERE k = ?`,
	}

	PostgresDialect = Dialect{
		Driver: "pgx",
		Schema: `CREATE TABLE IF NOT EXISTS ledger_state (
			k BYTEA PRIMARY KEY,
			v BYTEA NOT NULL
		)`,
		Select: `SELECT v FROM ledger_state WHERE k = $1`,
		Upsert: `INSERT INTO ledger_state (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`,
		Delete: `DELETE FROM ledger_state WHERE k = $1`,
	}
)

// DialectFor returns the dialect for a STORE_DRIVER name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLiteDialect, nil
	case "mysql":
		return MySQLDialect, nil
	case "postgres", "postgresql", "pgx":
		return PostgresDialect, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql driver: %s", name)
	}
}

// SQLStore persists ledger state in a single key/value table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens a connection pool for the dialect and initializes the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s DSN must not be empty", dialect.Driver)
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect.Driver, err)
	}

	if dialect.Driver == SQLiteDialect.Driver {
		// a sqlite database handle is not safe for concurrent writers, and
		// every new connection to ":memory:" would see an empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect.Driver, err)
	}

	s, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already opened database. The caller imports the driver.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Schema); err != nil {
		return fmt.Errorf("failed to initialize ledger_state table: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.dialect.Select, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	return value, nil
}

func (s *SQLStore) Apply(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, w := range writes {
		if w.Delete {
			_, err = tx.ExecContext(ctx, s.dialect.Delete, w.Key)
		} else {
			_, err = tx.ExecContext(ctx, s.dialect.Upsert, w.Key, w.Value)
		}
		if err != nil {
			return fmt.Errorf("failed to apply write: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
