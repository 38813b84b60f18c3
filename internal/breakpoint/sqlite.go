package breakpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLite driver names. DriverCGO is mattn/go-sqlite3; DriverPure is
// modernc.org/sqlite, for builds without cgo.
const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// SQLiteStore keeps breakpoints in a WAL-mode SQLite file. Every
// operation checks out its own connection from the pool and returns it
// before the method returns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path with
// the cgo driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverCGO, path)
}

// NewSQLiteStoreWithDriver is NewSQLiteStore with an explicit driver.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	var dsn string
	switch driver {
	case "", DriverCGO:
		driver, dsn = DriverCGO, path+"?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPure:
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS breakpoints (
		kind          TEXT NOT NULL,
		client_id     TEXT NOT NULL,
		state_json    TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (kind, client_id)
	);
	`)
	return err
}

func (s *SQLiteStore) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// Upsert implements [Store].
func (s *SQLiteStore) Upsert(ctx context.Context, kind, clientID string, state any, nowMs int64) error {
	if err := validateKey(kind, clientID); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx,
			`INSERT INTO breakpoints (kind, client_id, state_json, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (kind, client_id) DO UPDATE
			 SET state_json = excluded.state_json, updated_at_ms = excluded.updated_at_ms`,
			kind, clientID, data, nowMs, nowMs,
		)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", kind, clientID, err)
		}
		return nil
	})
}

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, kind, clientID string) (*Record, error) {
	if err := validateKey(kind, clientID); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.withConn(ctx, func(c *sql.Conn) error {
		var (
			data             string
			created, updated int64
		)
		err := c.QueryRowContext(ctx,
			`SELECT state_json, created_at_ms, updated_at_ms FROM breakpoints
			 WHERE kind = ? AND client_id = ?`,
			kind, clientID,
		).Scan(&data, &created, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", kind, clientID, err)
		}
		rec = &Record{
			Kind:        kind,
			ClientID:    clientID,
			State:       []byte(data),
			CreatedAtMs: created,
			UpdatedAtMs: updated,
		}
		return nil
	})
	return rec, err
}

// Clear implements [Store].
func (s *SQLiteStore) Clear(ctx context.Context, kind, clientID string) (bool, error) {
	if err := validateKey(kind, clientID); err != nil {
		return false, err
	}
	var existed bool
	err := s.withConn(ctx, func(c *sql.Conn) error {
		res, err := c.ExecContext(ctx,
			`DELETE FROM breakpoints WHERE kind = ? AND client_id = ?`,
			kind, clientID,
		)
		if err != nil {
			return fmt.Errorf("clear %s/%s: %w", kind, clientID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("clear %s/%s: %w", kind, clientID, err)
		}
		existed = n > 0
		return nil
	})
	return existed, err
}
