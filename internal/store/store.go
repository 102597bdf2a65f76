// Package store persists project snapshots in SQLite.  Each project is
// one row holding its latest committed snapshot; the row is the resume
// point of the project after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/terrpan/gateway/internal/gateway"
	"github.com/terrpan/gateway/internal/project"
)

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the configuration used by the gateway.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	project_name TEXT PRIMARY KEY COLLATE NOCASE,
	account_name TEXT NOT NULL,
	status       TEXT NOT NULL,
	state        TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS projects_account_name ON projects (account_name);
`

// Store is the SQLite-backed project store.  It is safe for concurrent
// use; per-project write exclusivity is the caller's business.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, cfg Config) (*Store, error) {
	// The PRAGMAs go in the DSN so they apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new project.  Names are unique regardless of case.
// A destroyed project may be re-created by the account that owned it;
// any other existing row fails with ProjectAlreadyExists.
func (s *Store) Create(ctx context.Context, p project.Project) error {
	state, err := json.Marshal(p)
	if err != nil {
		return gateway.Source(gateway.Internal, fmt.Errorf("encoding %s: %w", p.Name, err))
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO projects (project_name, account_name, status, state, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (project_name) DO UPDATE SET
	project_name = excluded.project_name,
	account_name = excluded.account_name,
	status       = excluded.status,
	state        = excluded.state,
	updated_at   = excluded.updated_at
WHERE projects.status = ? AND projects.account_name = excluded.account_name`,
		p.Name.String(), p.Account.String(), string(p.Status), string(state), s.now().UnixMilli(),
		string(project.StatusDestroyed),
	)
	if err != nil {
		return gateway.Source(gateway.Internal, fmt.Errorf("creating %s: %w", p.Name, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return gateway.Source(gateway.Internal, err)
	}
	if n == 0 {
		return gateway.FromKind(gateway.ProjectAlreadyExists)
	}
	return nil
}

// Put records p as the latest snapshot of its project.
func (s *Store) Put(ctx context.Context, p project.Project) error {
	state, err := json.Marshal(p)
	if err != nil {
		return gateway.Source(gateway.Internal, fmt.Errorf("encoding %s: %w", p.Name, err))
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO projects (project_name, account_name, status, state, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (project_name) DO UPDATE SET
	account_name = excluded.account_name,
	status       = excluded.status,
	state        = excluded.state,
	updated_at   = excluded.updated_at`,
		p.Name.String(), p.Account.String(), string(p.Status), string(state), s.now().UnixMilli(),
	)
	if err != nil {
		return gateway.Source(gateway.Internal, fmt.Errorf("committing %s: %w", p.Name, err))
	}
	return nil
}

// Get returns the latest snapshot of the project, matching its name
// regardless of case.
func (s *Store) Get(ctx context.Context, name gateway.ProjectName) (project.Project, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM projects WHERE project_name = ?`, name.String(),
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Project{}, gateway.FromKind(gateway.ProjectNotFound)
	}
	if err != nil {
		return project.Project{}, gateway.Source(gateway.Internal, fmt.Errorf("loading %s: %w", name, err))
	}
	return decode(state)
}

// List returns every stored project ordered by name.
func (s *Store) List(ctx context.Context) ([]project.Project, error) {
	return s.query(ctx, `SELECT state FROM projects ORDER BY project_name`)
}

// ListByAccount returns the projects owned by account ordered by name.
func (s *Store) ListByAccount(ctx context.Context, account gateway.AccountName) ([]project.Project, error) {
	return s.query(ctx,
		`SELECT state FROM projects WHERE account_name = ? ORDER BY project_name`,
		account.String(),
	)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]project.Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, gateway.Source(gateway.Internal, fmt.Errorf("listing projects: %w", err))
	}
	defer rows.Close()

	var out []project.Project
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, gateway.Source(gateway.Internal, err)
		}
		p, err := decode(state)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, gateway.Source(gateway.Internal, err)
	}
	return out, nil
}

func decode(state string) (project.Project, error) {
	var p project.Project
	if err := json.Unmarshal([]byte(state), &p); err != nil {
		return project.Project{}, gateway.Source(gateway.Internal, fmt.Errorf("decoding project state: %w", err))
	}
	return p, nil
}
