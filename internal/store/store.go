package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/coffer/internal/clock"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Partial index for the securing backlog query
// 2 - Change sequence on operations, scan identity scratch table
const currentSchemaVersion = 2

// Store is the durable operation journal.
// Uses SQLite with WAL mode and a single connection (one writer).
type Store struct {
	db            *sql.DB
	clock         clock.Clock
	securingDelay time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp created/updated/secure_at times.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithSecuringDelay sets how long after reaching a terminal status an
// operation becomes due for sealing.
func WithSecuringDelay(d time.Duration) Option {
	return func(s *Store) {
		s.securingDelay = d
	}
}

// Open creates or opens a SQLite journal at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times on the same path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. Every read in this package
	// materialises its rows before issuing the next statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.Or(s.clock)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the partial index backing ListDue.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_operations_due
		ON operations(tenant, id)
		WHERE secure_number IS NULL AND secure_at IS NOT NULL
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// migrationV2 stamps every insert and status change of an operation with
// the next value of a journal-wide change sequence, and creates the table the
// scan count pass deduplicates ledger identities in.
var migrationV2 = []string{
	`CREATE TABLE IF NOT EXISTS change_clock (
		id  INTEGER PRIMARY KEY CHECK (id = 1),
		seq INTEGER NOT NULL
	)`,
	// Starts at 1 so a snapshot is never 0, which JournalQuery reads as unbounded.
	`INSERT OR IGNORE INTO change_clock (id, seq) VALUES (1, 1)`,
	`CREATE TRIGGER IF NOT EXISTS operations_inserted AFTER INSERT ON operations
	BEGIN
		UPDATE change_clock SET seq = seq + 1 WHERE id = 1;
		UPDATE operations SET change_seq = (SELECT seq FROM change_clock WHERE id = 1) WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS operations_status_changed AFTER UPDATE OF status ON operations
	BEGIN
		UPDATE change_clock SET seq = seq + 1 WHERE id = 1;
		UPDATE operations SET change_seq = (SELECT seq FROM change_clock WHERE id = 1) WHERE id = NEW.id;
	END`,
	`CREATE TABLE IF NOT EXISTS scan_identities (
		scan        TEXT    NOT NULL,
		tenant      INTEGER NOT NULL,
		object_type TEXT    NOT NULL,
		object_id   INTEGER NOT NULL,
		PRIMARY KEY (scan, tenant, object_type, object_id)
	) WITHOUT ROWID`,
}

// migrateToV2 adds the change sequence and the scan scratch table.
func migrateToV2(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('operations') WHERE name = 'change_seq'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	stmts := migrationV2
	if n == 0 {
		stmts = append([]string{`ALTER TABLE operations ADD COLUMN change_seq INTEGER NOT NULL DEFAULT 0`}, stmts...)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
