// Package store persists registry agents, delegated tasks and workflow runs
// in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"masterlinc/internal/domain"
	"masterlinc/internal/security"
)

// SQLite implements domain.AgentStore, domain.TaskStore and domain.WorkflowStore.
// Each entity is stored as a JSON document next to the columns used for
// lookup and ordering. Task and run documents carry claim payloads and are
// sealed once Encrypt has been called.
type SQLite struct {
	db     *sql.DB
	now    func() time.Time
	cipher *security.RecordCipher
}

// Open opens (or creates) the database at path and runs the schema migration.
func Open(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// One writer at a time; WAL keeps readers off the writer's back.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			assigned_agent TEXT NOT NULL,
			status         TEXT NOT NULL,
			data           TEXT NOT NULL,
			created_at     TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created ON workflow_runs (created_at DESC, id DESC);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// Encrypt seals task and workflow run documents written from now on. The
// key-derivation salt is created on first use and kept in the meta table,
// so the same passphrase opens the database after a restart. Call it before
// the store is shared.
func (s *SQLite) Encrypt(ctx context.Context, passphrase string) error {
	salt, err := s.salt(ctx)
	if err != nil {
		return err
	}
	c, err := security.NewRecordCipher(passphrase, salt)
	if err != nil {
		return fmt.Errorf("store cipher: %w", err)
	}
	s.cipher = c
	return nil
}

func (s *SQLite) salt(ctx context.Context) ([]byte, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'cipher_salt'").Scan(&encoded)
	switch {
	case err == nil:
		return hex.DecodeString(encoded)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, domain.WrapOp("SQLite.salt", err)
	}

	salt, err := security.NewSalt()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES ('cipher_salt', ?)", hex.EncodeToString(salt)); err != nil {
		return nil, domain.WrapOp("SQLite.salt", err)
	}
	return salt, nil
}

// Close zeroes the cipher key and closes the database connection.
func (s *SQLite) Close() error {
	if s.cipher != nil {
		s.cipher.Zeroize()
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- agents ---

func (s *SQLite) SaveAgent(ctx context.Context, a domain.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, status, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
		a.ID, string(a.Status), string(data), s.stamp(),
	)
	return domain.WrapOp("SQLite.SaveAgent", err)
}

func (s *SQLite) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM agents ORDER BY id")
	if err != nil {
		return nil, domain.WrapOp("SQLite.ListAgents", err)
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := s.scanDoc(rows, &a); err != nil {
			return nil, domain.WrapOp("SQLite.ListAgents", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- tasks ---

func (s *SQLite) SaveTask(ctx context.Context, rec domain.TaskRecord) error {
	data, err := s.seal(rec)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, assigned_agent, status, data, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		rec.ID, rec.AssignedAgent, string(rec.Status), data, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return domain.WrapOp("SQLite.SaveTask", err)
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	row := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id)
	if err := s.scanDoc(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("task", "SQLite.GetTask", domain.ErrNotFound, id)
		}
		return nil, domain.WrapOp("SQLite.GetTask", err)
	}
	return &rec, nil
}

// --- workflow runs ---

func (s *SQLite) SaveRun(ctx context.Context, run domain.WorkflowRun) error {
	data, err := s.seal(run)
	if err != nil {
		return fmt.Errorf("encode workflow run: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, name, status, data, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		run.ID, run.Name, string(run.Status), data, run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return domain.WrapOp("SQLite.SaveRun", err)
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	row := s.db.QueryRowContext(ctx, "SELECT data FROM workflow_runs WHERE id = ?", id)
	if err := s.scanDoc(row, &run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("workflow", "SQLite.GetRun", domain.ErrNotFound, id)
		}
		return nil, domain.WrapOp("SQLite.GetRun", err)
	}
	return &run, nil
}

// ListRuns returns runs newest first. limit <= 0 returns all.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]domain.WorkflowRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM workflow_runs ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, domain.WrapOp("SQLite.ListRuns", err)
	}
	defer rows.Close()

	var runs []domain.WorkflowRun
	for rows.Next() {
		var run domain.WorkflowRun
		if err := s.scanDoc(rows, &run); err != nil {
			return nil, domain.WrapOp("SQLite.ListRuns", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FailInterrupted marks runs left active by a previous process as FAILED.
// It returns how many runs were changed.
func (s *SQLite) FailInterrupted(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM workflow_runs WHERE status IN (?, ?)",
		string(domain.WorkflowPending), string(domain.WorkflowRunning))
	if err != nil {
		return 0, domain.WrapOp("SQLite.FailInterrupted", err)
	}
	var stale []domain.WorkflowRun
	for rows.Next() {
		var run domain.WorkflowRun
		if err := s.scanDoc(rows, &run); err != nil {
			rows.Close()
			return 0, domain.WrapOp("SQLite.FailInterrupted", err)
		}
		stale = append(stale, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, domain.WrapOp("SQLite.FailInterrupted", err)
	}

	for _, run := range stale {
		run.Status = domain.WorkflowFailed
		run.Error = "interrupted by orchestrator restart"
		if err := s.SaveRun(ctx, run); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (s *SQLite) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

type scanner interface {
	Scan(dest ...any) error
}

// seal marshals v and encrypts it when a cipher is set.
func (s *SQLite) seal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if s.cipher == nil {
		return string(data), nil
	}
	return s.cipher.Seal(data)
}

// scanDoc reads a document column. Sealed documents need the cipher;
// plain ones are read either way.
func (s *SQLite) scanDoc(row scanner, v any) error {
	var data string
	if err := row.Scan(&data); err != nil {
		return err
	}
	raw := []byte(data)
	if security.IsSealed(data) {
		if s.cipher == nil {
			return fmt.Errorf("stored document is encrypted; store.encryption_key is not set")
		}
		opened, err := s.cipher.Open(data)
		if err != nil {
			return fmt.Errorf("open stored document: %w", err)
		}
		raw = opened
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal stored document: %w", err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.AgentStore    = (*SQLite)(nil)
	_ domain.TaskStore     = (*SQLite)(nil)
	_ domain.WorkflowStore = (*SQLite)(nil)
)
