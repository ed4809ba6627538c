// Package store implements the StateStore (spec §4.1): one embedded
// relational file per workspace, opened with WAL journaling, foreign keys,
// and a configurable busy-timeout, with schema application and migration
// on open.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/forgebase/taskcore/internal/apperr"
	"github.com/forgebase/taskcore/internal/platform/logging"
	"github.com/forgebase/taskcore/internal/telemetry"
)

// CurrentSchemaVersion is the schema_version this binary knows how to open.
// Unrecognized versions refuse to open (spec §6.4) — no silent migration.
const CurrentSchemaVersion = 1

// Store is the StateStore: a single SQLite connection (SQLite allows only
// one writer) shared by all read and write operations within a workspace.
// Concurrent readers are safe; writers serialize through the busy-timeout
// pragma and explicit transactions (spec §5).
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
}

// Options configures Open.
type Options struct {
	// BusyTimeoutMS sets the sqlite busy_timeout pragma; default 5000.
	BusyTimeoutMS int
	Logger        *logging.Logger
}

// Open opens (creating if absent) the state database at path and applies
// the current schema. Any I/O error on open is returned as a KindIOFault
// error; an unrecognized schema_version is returned as KindSchemaMismatch.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, opts.BusyTimeoutMS)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.IOFault("open state database", err)
	}
	// SQLite only supports one writer; a single pooled connection avoids
	// SQLITE_BUSY races between goroutines in this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperr.IOFault("ping state database", err)
	}

	s := &Store{db: db, log: log.WithFields()}
	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components (TaskStore) that build
// their own prepared statements over it.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic (grounded in the teacher's database.WithTx idiom,
// rebuilt over database/sql instead of pgx).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanStoreTx)
	defer func() { telemetry.End(span, err) }()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.IOFault("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return apperr.IOFault("rollback after error", rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return apperr.IOFault("commit transaction", err)
	}
	return nil
}

func (s *Store) applySchema() error {
	if err := s.initMetaSchema(); err != nil {
		return err
	}
	version, err := s.readSchemaVersion()
	if err != nil {
		return err
	}
	if version == 0 {
		if err := s.initCoreSchema(); err != nil {
			return err
		}
		if err := s.writeSchemaVersion(CurrentSchemaVersion); err != nil {
			return err
		}
		return nil
	}
	if version != CurrentSchemaVersion {
		return apperr.SchemaMismatch("state database schema_version %d is not recognized by this build (expected %d)", version, CurrentSchemaVersion)
	}
	// Idempotent, best-effort evolutions run every open even on a
	// recognized version; SQLite lacks IF NOT EXISTS for ALTER TABLE ADD
	// COLUMN so errors here are ignored (column already present).
	s.runColumnMigrations()
	return nil
}

func (s *Store) initMetaSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return apperr.IOFault("create meta table", err)
	}
	return nil
}

func (s *Store) readSchemaVersion() (int, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM meta WHERE key = 'schema_version'`)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.IOFault("read schema_version", err)
	}
	var version int
	if _, err := fmt.Sscanf(value, "%d", &version); err != nil {
		return 0, apperr.SchemaMismatch("schema_version row is not an integer: %q", value)
	}
	return version, nil
}

func (s *Store) writeSchemaVersion(version int) error {
	_, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", version))
	if err != nil {
		return apperr.IOFault("write schema_version", err)
	}
	return nil
}

// EnsureColumn idempotently adds column to table if it is not already
// present (teacher idiom: apps/backend/internal/common/sqlite/utils.go).
func (s *Store) EnsureColumn(table, column, definition string) error {
	exists, err := s.columnExists(table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			defaultValue     sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// now returns the current time in UTC.
func now() time.Time { return time.Now().UTC() }
