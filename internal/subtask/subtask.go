// Package subtask implements the subtask manager: the lifecycle of an
// individual delegated unit of work from creation through a terminal
// status, gated end-to-end by the safety engine and emitting progress into
// the update bus. The guard bookkeeping itself is delegated out to
// internal/safety rather than reimplemented here.
package subtask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestra/core/internal/backpressure"
	"orchestra/core/internal/config"
	"orchestra/core/internal/errors"
	"orchestra/core/internal/safety"
	"orchestra/core/internal/telemetry"
	"orchestra/core/internal/updatebus"
	"orchestra/core/internal/worker"
)

var log = telemetry.Default().WithComponent("subtask")

// Status is the lifecycle state of a subtask.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether status ends the subtask's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result carries the outcome of a finished subtask.
type Result struct {
	Output       string
	ErrorMessage string
	ErrorType    string // rate_limit|network|auth|fatal|unknown
	Model        string
	InputTokens  int
	OutputTokens int
}

// SubTask is one delegated unit of work. RootContext records, once at
// creation, which genuine root (orchestrator or agent) this subtask's
// chain descends from — so depth enforcement never has to re-derive it by
// walking up through intermediate "subtask" spawn contexts.
type SubTask struct {
	ID              string
	ParentWorkerID  string
	ParentTaskID    string
	ParentSubTaskID string
	PlanID          string
	WorktreePath    string
	BaseBranch      string
	AgentType       string
	Prompt          string
	ExpectedOutput  string
	TargetFiles     []string
	CurrentDepth    int
	Depth           int
	SpawnContext    worker.SpawnContext // always SpawnSubtask; carried for WorkerContext construction
	RootContext     worker.SpawnContext
	Status          Status
	CreatedAt       time.Time
	Result          *Result
}

// CreateOpts supplies everything createSubTask needs. CurrentDepth and
// RootContext describe the *creator* (the worker delegating this work), not
// the new subtask.
type CreateOpts struct {
	ParentWorkerID  string
	ParentTaskID    string
	ParentSubTaskID string
	PlanID          string
	WorktreePath    string
	BaseBranch      string
	AgentType       string
	Prompt          string
	ExpectedOutput  string
	TargetFiles     []string
	CurrentDepth    int
	RootContext     worker.SpawnContext
}

// AgentRunResult is what the collaborator agent runtime reports back.
type AgentRunResult struct {
	Status       string // "completed" | "failed"
	Output       string
	ErrorMessage string
	ErrorType    string
	InputTokens  int
	OutputTokens int
	Model        string
}

// AgentRuntime is the collaborator that actually drives the LLM-backed
// worker for a subtask.
type AgentRuntime interface {
	Run(ctx context.Context, agentType, prompt, worktreePath string) (AgentRunResult, error)
}

// ChangeListener is notified whenever a subtask's status changes.
type ChangeListener func(SubTask)

// Manager owns the in-memory subtask table and drives its lifecycle.
type Manager struct {
	engine       *safety.Engine
	bus          *updatebus.Bus
	runtime      AgentRuntime
	retry        backpressure.RetryOptions
	safetyConfig config.SafetyConfig
	// execSlots bounds concurrently executing subtasks across the whole
	// manager. Distinct from the per-worker parallel cap: that one rejects a
	// spawn outright, this one queues an accepted subtask until a slot frees
	// up.
	execSlots *backpressure.Semaphore

	mu        sync.RWMutex
	tasks     map[string]*SubTask
	cancels   map[string]context.CancelFunc
	listeners []ChangeListener
}

func NewManager(engine *safety.Engine, bus *updatebus.Bus, runtime AgentRuntime, safetyConfig config.SafetyConfig) *Manager {
	m := &Manager{
		engine:       engine,
		bus:          bus,
		runtime:      runtime,
		retry:        backpressure.DefaultRetryOptions(),
		safetyConfig: safetyConfig,
		execSlots:    backpressure.NewSemaphore(safetyConfig.MaxParallelSubTasks),
		tasks:        make(map[string]*SubTask),
		cancels:      make(map[string]context.CancelFunc),
	}
	engine.OnEmergencyStop(m.handleEmergencyStop)
	return m
}

// OnDidChangeSubTask registers a listener invoked after every status change.
func (m *Manager) OnDidChangeSubTask(l ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// CreateSubTask is the single bottleneck for spawning delegated work. It
// performs, in order: depth check, cycle check against the proposed
// ancestry, rate/total/parallel check, then registers ancestry and persists
// the new record.
func (m *Manager) CreateSubTask(opts CreateOpts) (*SubTask, error) {
	if err := safety.EnforceDepthLimit(m.safetyConfig, opts.CurrentDepth, opts.RootContext); err != nil {
		return nil, err
	}

	promptHash := safety.PromptHash(opts.Prompt)
	if err := m.engine.Ancestry.DetectCycle(opts.ParentSubTaskID, opts.AgentType, promptHash); err != nil {
		log.Warnf("refusing to spawn %s for worker %s: %s", opts.AgentType, opts.ParentWorkerID, errors.FormatSafe(err))
		return nil, err
	}

	if err := m.engine.Limits.CheckAndReserve(opts.ParentWorkerID); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	st := &SubTask{
		ID:              id,
		ParentWorkerID:  opts.ParentWorkerID,
		ParentTaskID:    opts.ParentTaskID,
		ParentSubTaskID: opts.ParentSubTaskID,
		PlanID:          opts.PlanID,
		WorktreePath:    opts.WorktreePath,
		BaseBranch:      opts.BaseBranch,
		AgentType:       opts.AgentType,
		Prompt:          opts.Prompt,
		ExpectedOutput:  opts.ExpectedOutput,
		TargetFiles:     opts.TargetFiles,
		CurrentDepth:    opts.CurrentDepth,
		Depth:           opts.CurrentDepth + 1,
		SpawnContext:    worker.SpawnSubtask,
		RootContext:     opts.RootContext,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}

	m.engine.Ancestry.RegisterAncestry(safety.AncestryEntry{
		SubTaskID:       id,
		ParentSubTaskID: opts.ParentSubTaskID,
		WorkerID:        opts.ParentWorkerID,
		PlanID:          opts.PlanID,
		AgentType:       opts.AgentType,
		PromptHash:      promptHash,
	})

	m.mu.Lock()
	m.tasks[id] = st
	m.mu.Unlock()

	telemetry.M().Counter("subtask.spawned")
	return st.clone(), nil
}

// ExecuteSubTask runs the configured agent runtime for id, transitioning
// pending -> running -> a terminal status. Cancellation is observed both via
// ctx and via an emergency stop matching this subtask's scope.
func (m *Manager) ExecuteSubTask(ctx context.Context, id string) (*SubTask, error) {
	st, err := m.getMutable(id)
	if err != nil {
		return nil, err
	}
	if st.Status != StatusPending {
		return nil, errors.New(errors.CodeInvalidArgument, fmt.Sprintf("subtask %s is not pending (status=%s)", id, st.Status))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
		cancel()
	}()

	// The subtask stays pending while waiting for an execution slot; an
	// emergency stop or cancellation during the wait trips runCtx.
	if err := m.execSlots.Acquire(runCtx); err != nil {
		m.engine.Limits.Release(st.ParentWorkerID)
		final := m.setStatus(id, StatusCancelled, &Result{ErrorMessage: "cancelled"})
		m.emitUpdate(final, updatebus.KindError)
		return final, nil
	}
	defer m.execSlots.Release()

	m.setStatus(id, StatusRunning, nil)

	span := telemetry.DefaultTracer().StartSpan("subtask.execute")
	span.SetTag("subtask_id", id)
	span.SetTag("agent_type", st.AgentType)

	var runResult AgentRunResult
	runErr := backpressure.RetryWithReport(runCtx, m.retry, func() error {
		r, err := m.runtime.Run(runCtx, st.AgentType, st.Prompt, st.WorktreePath)
		runResult = r
		return err
	}, func(rep backpressure.AttemptReport) {
		if !rep.WillRetry {
			return
		}
		m.bus.QueueUpdate(st.ParentWorkerID, updatebus.Update{
			SubTaskID:      st.ID,
			ParentWorkerID: st.ParentWorkerID,
			Kind:           updatebus.KindError,
			Message:        errors.FormatSafe(rep.Err),
			Error:          errors.FormatSafe(rep.Err),
			ErrorType:      classifyRuntimeError(rep.Err),
			RetryInfo: &updatebus.RetryInfo{
				Attempt:       rep.Attempt,
				MaxAttempts:   rep.MaxAttempts,
				WillRetry:     rep.WillRetry,
				NextRetryInMs: rep.Delay.Milliseconds(),
			},
		})
	})

	m.engine.Limits.Release(st.ParentWorkerID)
	span.FinishWithError(runErr)

	if runCtx.Err() != nil {
		final := m.setStatus(id, StatusCancelled, &Result{ErrorMessage: "cancelled"})
		m.emitUpdate(final, updatebus.KindError)
		return final, nil
	}

	if runErr != nil {
		res := &Result{ErrorMessage: errors.FormatSafe(runErr), ErrorType: classifyRuntimeError(runErr)}
		final := m.setStatus(id, StatusFailed, res)
		m.emitUpdate(final, updatebus.KindFailed)
		return final, nil
	}

	res := &Result{
		Output:       runResult.Output,
		ErrorMessage: runResult.ErrorMessage,
		ErrorType:    runResult.ErrorType,
		Model:        runResult.Model,
		InputTokens:  runResult.InputTokens,
		OutputTokens: runResult.OutputTokens,
	}

	if m.engine.Costs != nil && runResult.Model != "" {
		m.engine.Costs.TrackSubTaskCost(id, st.ParentWorkerID, runResult.Model, runResult.InputTokens, runResult.OutputTokens)
	}

	if runResult.Status == "failed" {
		final := m.setStatus(id, StatusFailed, res)
		m.emitUpdate(final, updatebus.KindFailed)
		return final, nil
	}

	final := m.setStatus(id, StatusCompleted, res)
	m.emitUpdate(final, updatebus.KindCompleted)
	return final, nil
}

// UpdateStatus applies an out-of-band status change (e.g. from report_completion).
// A terminal transition is final: once terminal, further calls are ignored
// with a logged warning rather than an error.
func (m *Manager) UpdateStatus(id string, status Status, result *Result) (*SubTask, error) {
	m.mu.RLock()
	st, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("subtask %s not found", id))
	}
	if st.Status.IsTerminal() {
		log.Warnf("ignoring updateStatus(%s) on already-terminal subtask %s (status=%s)", status, id, st.Status)
		return st.clone(), nil
	}
	final := m.setStatus(id, status, result)
	if status.IsTerminal() {
		kind := updatebus.KindCompleted
		if status == StatusFailed {
			kind = updatebus.KindFailed
		} else if status == StatusCancelled {
			kind = updatebus.KindError
		}
		m.emitUpdate(final, kind)
	}
	return final, nil
}

// GetSubTask returns a snapshot of a subtask's current record.
func (m *Manager) GetSubTask(id string) (*SubTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tasks[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("subtask %s not found", id))
	}
	return st.clone(), nil
}

// CancelSubTask trips the subtask's cancellation context, if it is running,
// and marks it cancelled otherwise if still pending.
func (m *Manager) CancelSubTask(id string) (*SubTask, error) {
	m.mu.RLock()
	st, ok := m.tasks[id]
	cancel, hasCancel := m.cancels[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("subtask %s not found", id))
	}
	if st.Status.IsTerminal() {
		return st.clone(), nil
	}
	if hasCancel {
		cancel()
		return st.clone(), nil
	}
	final := m.setStatus(id, StatusCancelled, &Result{ErrorMessage: "cancelled before execution started"})
	m.emitUpdate(final, updatebus.KindError)
	return final, nil
}

func (m *Manager) getMutable(id string) (*SubTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tasks[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("subtask %s not found", id))
	}
	return st, nil
}

// setStatus performs the only mutation of st.Status/Result in the package,
// guarded so a subtask never transitions out of a terminal status.
func (m *Manager) setStatus(id string, status Status, result *Result) *SubTask {
	m.mu.Lock()
	st, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if st.Status.IsTerminal() {
		m.mu.Unlock()
		return st.clone()
	}
	st.Status = status
	if result != nil {
		st.Result = result
	}
	clone := st.clone()
	listeners := append([]ChangeListener(nil), m.listeners...)
	m.mu.Unlock()

	if status.IsTerminal() {
		telemetry.M().Counter("subtask." + string(status))
	}
	for _, l := range listeners {
		l(*clone)
	}
	return clone
}

func (m *Manager) emitUpdate(st *SubTask, kind updatebus.UpdateKind) {
	if st == nil {
		return
	}
	msg := string(st.Status)
	update := updatebus.Update{
		SubTaskID:      st.ID,
		ParentWorkerID: st.ParentWorkerID,
		Kind:           kind,
	}
	if st.Result != nil {
		if st.Result.ErrorMessage != "" {
			msg = st.Result.ErrorMessage
			update.Error = st.Result.ErrorMessage
		}
		update.ErrorType = st.Result.ErrorType
		update.Result = map[string]any{"output": st.Result.Output}
	}
	update.Message = msg
	m.bus.QueueUpdate(st.ParentWorkerID, update)
	if m.engine.Ancestry != nil {
		m.engine.Ancestry.ClearAncestry(st.ID)
	}
}

// handleEmergencyStop cancels every subtask named in the stop event.
func (m *Manager) handleEmergencyStop(evt safety.StopEvent) {
	for _, id := range evt.SubTaskIDs {
		m.mu.RLock()
		st, ok := m.tasks[id]
		cancel, hasCancel := m.cancels[id]
		m.mu.RUnlock()
		if !ok || st.Status.IsTerminal() {
			continue
		}
		if hasCancel {
			cancel()
			continue
		}
		msg := "emergency stop"
		if evt.Reason != "" {
			msg = "emergency stop: " + evt.Reason
		}
		final := m.setStatus(id, StatusCancelled, &Result{ErrorMessage: msg})
		m.emitUpdate(final, updatebus.KindError)
	}
}

func (s *SubTask) clone() *SubTask {
	if s == nil {
		return nil
	}
	c := *s
	if s.TargetFiles != nil {
		c.TargetFiles = append([]string(nil), s.TargetFiles...)
	}
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	return &c
}

func classifyRuntimeError(err error) string {
	switch errors.GetCode(err) {
	case errors.CodeRateLimitExceeded:
		return "rate_limit"
	case errors.CodeTimeout:
		return "network"
	case errors.CodeUnauthorised, errors.CodePermissionDenied:
		return "auth"
	default:
		return "unknown"
	}
}
