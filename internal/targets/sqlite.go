package targets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS targets (
		name     TEXT PRIMARY KEY,
		kind     TEXT NOT NULL DEFAULT '',
		program  TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		args     TEXT NOT NULL DEFAULT '[]',
		env      TEXT NOT NULL DEFAULT '[]',
		hijack   TEXT NOT NULL DEFAULT '',
		loop     INTEGER NOT NULL DEFAULT 0,
		autoplay INTEGER NOT NULL DEFAULT 0,
		nopts    INTEGER NOT NULL DEFAULT 0,
		created  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS launches (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session    INTEGER NOT NULL,
		target     TEXT NOT NULL DEFAULT '',
		transition TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS launches_target ON launches (target, id)`,
}

const targetColumns = `name, kind, program, resource, args, env, hijack, loop, autoplay, nopts, created`

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// migrations. ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Targets ---

func (s *SQLiteStore) CreateTarget(ctx context.Context, t *Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	args, err := json.Marshal(nonNil(t.Args))
	if err != nil {
		return err
	}
	env, err := json.Marshal(nonNil(t.Env))
	if err != nil {
		return err
	}
	if t.Created.IsZero() {
		t.Created = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (`+targetColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO NOTHING`,
		t.Name, t.Kind, t.Binary, t.Resource, string(args), string(env), t.Hijack,
		t.Loop, t.Autoplay, t.NoPTS, t.Created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrExists, t.Name)
	}
	return nil
}

func (s *SQLiteStore) GetTarget(ctx context.Context, name string) (*Target, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: target %q", ErrNotFound, name)
	}
	return t, err
}

func (s *SQLiteStore) ListTargets(ctx context.Context) ([]*Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteTarget(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: target %q", ErrNotFound, name)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (*Target, error) {
	var t Target
	var args, env, created string
	if err := row.Scan(&t.Name, &t.Kind, &t.Binary, &t.Resource, &args, &env, &t.Hijack,
		&t.Loop, &t.Autoplay, &t.NoPTS, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &t.Args); err != nil {
		return nil, fmt.Errorf("target %q args: %w", t.Name, err)
	}
	if err := json.Unmarshal([]byte(env), &t.Env); err != nil {
		return nil, fmt.Errorf("target %q env: %w", t.Name, err)
	}
	t.Created, _ = time.Parse(time.RFC3339Nano, created)
	return &t, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// --- Launch journal ---

func (s *SQLiteStore) RecordLaunch(ctx context.Context, l *Launch) error {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO launches (session, target, transition, detail, at) VALUES (?, ?, ?, ?, ?)`,
		l.Session, l.Target, l.Transition, l.Detail, l.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListLaunches(ctx context.Context, target string, limit int) ([]*Launch, error) {
	q := `SELECT id, session, target, transition, detail, at FROM launches`
	var args []any
	if target != "" {
		q += ` WHERE target = ?`
		args = append(args, target)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*Launch
	for rows.Next() {
		var l Launch
		var at string
		if err := rows.Scan(&l.ID, &l.Session, &l.Target, &l.Transition, &l.Detail, &at); err != nil {
			return nil, err
		}
		l.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, &l)
	}
	return out, rows.Err()
}
