package mcpserver

import (
	"context"
	"log"
	"time"

	"orchestra/core/internal/storage"
)

// NopAuditLogger discards every tool invocation; the default for a session
// that has not opted into the storage hook.
type NopAuditLogger struct{}

func (NopAuditLogger) LogToolInvocation(context.Context, AuditEntry) {}

// LogAuditLogger writes one line per tool invocation to the process log.
type LogAuditLogger struct{}

func (LogAuditLogger) LogToolInvocation(_ context.Context, entry AuditEntry) {
	log.Printf("mcp audit run=%s tool=%s success=%t capabilities=%v error=%s", entry.RunID, entry.Tool, entry.Success, entry.Capabilities, entry.Error)
}

// StorageAuditLogger persists every tool invocation into the subtask audit
// trail, keyed by the calling runID as the worker id; the record's subtask
// id is left empty. A nil Store makes this behave like NopAuditLogger.
type StorageAuditLogger struct{ Store *storage.SQLiteStore }

func (l StorageAuditLogger) LogToolInvocation(ctx context.Context, entry AuditEntry) {
	if l.Store == nil || entry.RunID == "" {
		return
	}
	message := entry.Tool
	if entry.Error != "" {
		message = entry.Tool + ": " + entry.Error
	}
	kind := "tool.result"
	if entry.Error != "" {
		kind = "tool.error"
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_ = l.Store.AppendAudit(ctx, storage.AuditRecord{
		WorkerID:  entry.RunID,
		Kind:      kind,
		Message:   message,
		CreatedAt: ts,
	})
}
