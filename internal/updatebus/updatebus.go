// Package updatebus is the subtask progress/status channel that sits
// between subtask execution and whoever owns a worker: either another
// worker polling for updates, or a standalone parent process that
// registered a push handler. Delivery is a bounded FIFO queue per parent
// worker with an explicit drop policy, so a slow consumer never stalls
// the producer.
package updatebus

import (
	"fmt"
	"sync"
	"time"
)

// UpdateKind classifies what happened to a subtask.
type UpdateKind string

const (
	KindProgress  UpdateKind = "progress"
	KindIdle      UpdateKind = "idle"
	KindCompleted UpdateKind = "completed"
	KindFailed    UpdateKind = "failed"
	KindError     UpdateKind = "error"
	KindMessage   UpdateKind = "message"
)

// IsTerminal reports whether this kind ends a subtask's lifecycle.
func (k UpdateKind) IsTerminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindError
}

// RetryInfo is attached to an error-kind Update while the execution
// pipeline is still retrying a recoverable failure.
type RetryInfo struct {
	Attempt       int
	MaxAttempts   int
	WillRetry     bool
	NextRetryInMs int64
}

// Update is one event a subtask (or a worker sending a direct message)
// reports to its parent, a tagged union keyed by Kind:
// Progress/ProgressReport belong to kind=progress, IdleReason to
// kind=idle, Error/ErrorType/RetryInfo to kind=error, and Message/Result
// carry the terminal status text for kind=completed/failed. Payload is a
// free-form extension point for anything a transport needs to pass
// through that isn't one of the above.
type Update struct {
	SubTaskID      string
	ParentWorkerID string
	Kind           UpdateKind
	Message        string

	Progress       *int
	ProgressReport string

	IdleReason string

	Error     string
	ErrorType string
	RetryInfo *RetryInfo

	Result  map[string]any
	Payload map[string]any

	Timestamp time.Time
}

// errorFormat is the "<emoji> <label>" pair keyed off errorType.
var errorFormat = map[string][2]string{
	"rate_limit": {"⏳", "Rate limited"},
	"network":    {"📡", "Network error"},
	"auth":       {"🔒", "Auth error"},
	"fatal":      {"💥", "Fatal error"},
}

// Summary renders a human-readable one-line form of an update, used by
// poll_subtask_updates and by standalone-parent push delivery.
func (u Update) Summary() string {
	switch u.Kind {
	case KindProgress:
		report := u.ProgressReport
		if report == "" {
			report = u.Message
		}
		return "[progress] " + report
	case KindIdle:
		reason := u.IdleReason
		if reason == "" {
			reason = u.Message
		}
		return "[idle] " + reason
	case KindError:
		return u.errorSummary()
	case KindCompleted, KindFailed:
		return u.SubTaskID + " completed: " + u.statusText()
	case KindMessage:
		return "message from " + u.ParentWorkerID + ": " + u.Message
	default:
		return "[progress] " + u.Message
	}
}

func (u Update) statusText() string {
	if u.Message != "" {
		return u.Message
	}
	return string(u.Kind)
}

func (u Update) errorSummary() string {
	emoji, label := "⚠️", "Error"
	if pair, ok := errorFormat[u.ErrorType]; ok {
		emoji, label = pair[0], pair[1]
	}
	attempt, maxAttempts, waitSeconds := 1, 1, 0
	if u.RetryInfo != nil {
		attempt = u.RetryInfo.Attempt
		maxAttempts = u.RetryInfo.MaxAttempts
		waitSeconds = int(u.RetryInfo.NextRetryInMs / 1000)
	}
	msg := u.Error
	if msg == "" {
		msg = u.Message
	}
	return fmt.Sprintf("%s %s (attempt %d/%d): Waiting %ds — %s", emoji, label, attempt, maxAttempts, waitSeconds, msg)
}

// PushHandler delivers an update to a standalone parent (one with no
// in-process worker polling for it, e.g. a CLI session waiting on stdout).
// The last handler registered for a parent wins.
type PushHandler func(Update)

const defaultQueueCapacity = 500

// Bus fans updates out to per-parent-worker FIFO queues, with an optional
// push handler per parent for delivery without polling.
type Bus struct {
	mu       sync.Mutex
	queues   map[string]*queue
	handlers map[string]PushHandler
	capacity int
}

type queue struct {
	mu    sync.Mutex
	items []Update
}

// New creates a Bus with the given per-parent queue capacity. Zero uses the
// default.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Bus{
		queues:   make(map[string]*queue),
		handlers: make(map[string]PushHandler),
		capacity: capacity,
	}
}

// RegisterStandaloneParentHandler installs (or replaces) the push handler
// for parentWorkerID. Passing nil removes it, reverting that parent to
// poll-only delivery.
func (b *Bus) RegisterStandaloneParentHandler(parentWorkerID string, h PushHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == nil {
		delete(b.handlers, parentWorkerID)
		return
	}
	b.handlers[parentWorkerID] = h
}

// QueueUpdate delivers u to parentWorkerID: immediately via its push handler
// if one is registered, otherwise enqueued for later poll_subtask_updates
// consumption. Queueing always happens too, so a handler that errors or a
// parent that re-polls after registering still sees the update — the queue
// is the durable record, the handler is a convenience fast-path.
func (b *Bus) QueueUpdate(parentWorkerID string, u Update) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	q, ok := b.queues[parentWorkerID]
	if !ok {
		q = &queue{}
		b.queues[parentWorkerID] = q
	}
	handler := b.handlers[parentWorkerID]
	capacity := b.capacity
	b.mu.Unlock()

	q.mu.Lock()
	q.items = append(q.items, u)
	if len(q.items) > capacity {
		q.items = dropOldestNonTerminal(q.items, len(q.items)-capacity)
	}
	q.mu.Unlock()

	if handler != nil {
		handler(u)
	}
}

// dropOldestNonTerminal removes up to n entries from items, preferring the
// oldest non-terminal (progress/message) entries first; terminal updates
// (completed/failed/error) are never dropped so a caller can never miss the
// fact that a subtask finished, only intermediate progress chatter.
func dropOldestNonTerminal(items []Update, n int) []Update {
	if n <= 0 {
		return items
	}
	kept := make([]Update, 0, len(items))
	dropped := 0
	for _, it := range items {
		if dropped < n && !it.Kind.IsTerminal() {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	// If every droppable slot was terminal (shouldn't normally happen given
	// capacity sizing), fall back to dropping the oldest entries outright
	// rather than growing unbounded.
	if dropped < n && len(kept) > len(items)-n {
		excess := len(kept) - (len(items) - n)
		kept = kept[excess:]
	}
	return kept
}

// ConsumeUpdates atomically drains and returns all queued updates for
// parentWorkerID.
func (b *Bus) ConsumeUpdates(parentWorkerID string) []Update {
	b.mu.Lock()
	q, ok := b.queues[parentWorkerID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.items
	q.items = nil
	return drained
}

// Pending reports how many updates are currently queued for parentWorkerID
// without consuming them.
func (b *Bus) Pending(parentWorkerID string) int {
	b.mu.Lock()
	q, ok := b.queues[parentWorkerID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
