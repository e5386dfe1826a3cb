package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("expected db to be initialized")
	}
}

func TestPutAndGetApproval(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	rec := ApprovalRecord{
		Key:       "read:open:src/foo.ts",
		Verdict:   "approve",
		Reason:    "matches safe read pattern",
		Remember:  "always",
		CreatedAt: time.Now(),
	}

	if err := store.PutApproval(ctx, rec); err != nil {
		t.Fatalf("PutApproval failed: %v", err)
	}

	got, err := store.GetApproval(ctx, rec.Key)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.Verdict != rec.Verdict {
		t.Errorf("expected verdict %s, got %s", rec.Verdict, got.Verdict)
	}
	if got.Remember != rec.Remember {
		t.Errorf("expected remember %s, got %s", rec.Remember, got.Remember)
	}
}

func TestPutApprovalOverwritesPriorDecision(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := "shell:run:rm file"

	if err := store.PutApproval(ctx, ApprovalRecord{Key: key, Verdict: "deny", Remember: "session", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("first PutApproval failed: %v", err)
	}
	if err := store.PutApproval(ctx, ApprovalRecord{Key: key, Verdict: "approve", Remember: "always", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("second PutApproval failed: %v", err)
	}

	got, err := store.GetApproval(ctx, key)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.Verdict != "approve" {
		t.Errorf("expected the later decision to win, got %s", got.Verdict)
	}
}

func TestGetApprovalNotFound(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	_, err = store.GetApproval(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAndListAudit(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	entries := []AuditRecord{
		{SubTaskID: "st-1", WorkerID: "w-1", Kind: "progress", Message: "started", CreatedAt: time.Now()},
		{SubTaskID: "st-1", WorkerID: "w-1", Kind: "completed", Message: "done", CreatedAt: time.Now()},
		{SubTaskID: "st-2", WorkerID: "w-2", Kind: "failed", Message: "boom", CreatedAt: time.Now()},
	}
	for _, e := range entries {
		if err := store.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	list, err := store.ListAudit(ctx, "st-1")
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 audit records for st-1, got %d", len(list))
	}
	if list[0].Kind != "progress" || list[1].Kind != "completed" {
		t.Errorf("expected audit records in insertion order, got %+v", list)
	}

	other, err := store.ListAudit(ctx, "st-2")
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("expected 1 audit record for st-2, got %d", len(other))
	}
}

func TestMigrateExistingDB(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "existing.db")

	store1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore (first) failed: %v", err)
	}

	ctx := context.Background()
	if err := store1.PutApproval(ctx, ApprovalRecord{Key: "k", Verdict: "approve", Remember: "always", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("PutApproval failed: %v", err)
	}
	store1.Close()

	// Reopen - should not fail on already-applied migrations.
	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore (second) failed: %v", err)
	}
	defer store2.Close()

	got, err := store2.GetApproval(ctx, "k")
	if err != nil {
		t.Fatalf("GetApproval after reopen failed: %v", err)
	}
	if got.Verdict != "approve" {
		t.Errorf("expected verdict to survive reopen, got %s", got.Verdict)
	}
}

func TestClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to exist after close")
	}
}

func BenchmarkAppendAudit(b *testing.B) {
	tmpDir := b.TempDir()
	dbPath := filepath.Join(tmpDir, "bench.db")

	store, _ := NewSQLiteStore(dbPath)
	defer store.Close()

	ctx := context.Background()
	rec := AuditRecord{SubTaskID: "st-bench", WorkerID: "w-bench", Kind: "progress", CreatedAt: time.Now()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec.Message = fmt.Sprintf("tick-%d", i)
		store.AppendAudit(ctx, rec)
	}
}
