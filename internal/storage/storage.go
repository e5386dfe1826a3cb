// Package storage implements the optional durable persistence hook:
// permission approval decisions that opted into durable remembering, and
// an append-only subtask audit trail. The core runs entirely in-memory by
// default (see config.StorageConfig); this package only becomes
// load-bearing once a session wires a *SQLiteStore into the orchestrator.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationFS embed.FS

// ApprovalRecord is a persisted permission decision, written only when a
// Decision.Remember is "always" (see internal/permission) and the storage
// hook is enabled — otherwise, including for "session", memoisation stays
// in the Router's in-memory map for the life of the process.
type ApprovalRecord struct {
	ID        int64
	Key       string // kind:action:target, matching permission.memoKey
	Verdict   string
	Reason    string
	Remember  string
	CreatedAt time.Time
}

// AuditRecord is one append-only entry in the subtask audit trail: a
// status change or update-bus event worth keeping after the subtask's
// in-memory record is gone.
type AuditRecord struct {
	ID        int64
	SubTaskID string
	WorkerID  string
	Kind      string
	Message   string
	CreatedAt time.Time
}

// ApprovalStore persists and recalls remembered permission decisions.
type ApprovalStore interface {
	PutApproval(ctx context.Context, rec ApprovalRecord) error
	GetApproval(ctx context.Context, key string) (ApprovalRecord, error)
}

// AuditStore appends and lists the subtask audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, subTaskID string) ([]AuditRecord, error)
}

// SQLiteStore is the concrete persistence backend: a single SQLite file
// through the pure-Go driver, no cgo required.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path,
// enables WAL mode for concurrent readers, and runs any pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Migrate applies any migration file under migrations/ not yet recorded in
// schema_migrations, in filename order, exactly once.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version TEXT PRIMARY KEY);`); err != nil {
		return err
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		v := e.Name()
		var exists string
		err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", v).Scan(&exists)
		if err == nil {
			continue
		} else if err != sql.ErrNoRows {
			return err
		}
		body, err := migrationFS.ReadFile("migrations/" + v)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES(?)", v); err != nil {
			return err
		}
	}
	return nil
}

// PutApproval upserts the remembered decision for key, overwriting any
// prior row — a later decision for the same kind:action:target supersedes
// the one that was persisted before it.
func (s *SQLiteStore) PutApproval(ctx context.Context, rec ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO approvals(key,verdict,reason,remember,created_at) VALUES(?,?,?,?,?) ON CONFLICT(key) DO UPDATE SET verdict=excluded.verdict,reason=excluded.reason,remember=excluded.remember,created_at=excluded.created_at",
		rec.Key, rec.Verdict, rec.Reason, rec.Remember, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// GetApproval looks up a previously remembered decision by key.
func (s *SQLiteStore) GetApproval(ctx context.Context, key string) (ApprovalRecord, error) {
	var r ApprovalRecord
	var created string
	err := s.db.QueryRowContext(ctx,
		"SELECT id,key,verdict,reason,remember,created_at FROM approvals WHERE key=?", key,
	).Scan(&r.ID, &r.Key, &r.Verdict, &r.Reason, &r.Remember, &created)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return r, nil
}

// AppendAudit appends one entry to the subtask audit trail.
func (s *SQLiteStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit(subtask_id,worker_id,kind,message,created_at) VALUES(?,?,?,?,?)",
		rec.SubTaskID, rec.WorkerID, rec.Kind, rec.Message, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ListAudit returns every audit entry recorded for subTaskID, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, subTaskID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id,subtask_id,worker_id,kind,message,created_at FROM audit WHERE subtask_id=? ORDER BY id ASC", subTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var created string
		if err := rows.Scan(&r.ID, &r.SubTaskID, &r.WorkerID, &r.Kind, &r.Message, &created); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}
