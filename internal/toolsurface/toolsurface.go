// Package toolsurface implements the tool surface: the narrow, stable,
// language-neutral operation set presented to any agent runtime. Every
// tool takes and returns plain data and never throws — failures come back
// as a populated Error field, not a panic.
package toolsurface

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"orchestra/core/internal/agentdiscovery"
	"orchestra/core/internal/errors"
	"orchestra/core/internal/orchestrator"
	"orchestra/core/internal/permission"
	"orchestra/core/internal/plan"
	"orchestra/core/internal/subtask"
	"orchestra/core/internal/updatebus"
	"orchestra/core/internal/worker"
)

// ToolError is the structured, non-throwing error shape every tool returns
// instead of propagating a Go error to the agent runtime boundary.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	return &ToolError{Code: string(errors.GetCode(err)), Message: errors.FormatSafe(err)}
}

// Surface composes the orchestrator, permission router, and agent
// discovery registry into the ten tools agent runtimes call.
type Surface struct {
	Orchestrator *orchestrator.Orchestrator
	Permissions  *permission.Router
	Agents       *agentdiscovery.Registry
}

func New(o *orchestrator.Orchestrator, p *permission.Router, a *agentdiscovery.Registry) *Surface {
	return &Surface{Orchestrator: o, Permissions: p, Agents: a}
}

// --- list_agents -----------------------------------------------------------

type ListAgentsResult struct {
	Agents []agentdiscovery.Agent `json:"agents"`
	Error  *ToolError             `json:"error,omitempty"`
}

func (s *Surface) ListAgents(filter agentdiscovery.Filter) ListAgentsResult {
	return ListAgentsResult{Agents: s.Agents.List(filter)}
}

// --- spawn_subtask -----------------------------------------------------------

type SpawnSubtaskInput struct {
	AgentType      string
	Prompt         string
	ExpectedOutput string
	TargetFiles    []string
	Blocking       bool
	Model          string
}

type SpawnSubtaskResult struct {
	TaskID string          `json:"taskId"`
	Status string          `json:"status"`
	Result *subtask.Result `json:"result,omitempty"`
	Error  *ToolError      `json:"error,omitempty"`
}

// SpawnSubtask delegates work from callerCtx to a new subtask. If blocking,
// it synchronously executes and returns the terminal result; otherwise it
// starts execution in the background and returns immediately with status
// "spawned".
func (s *Surface) SpawnSubtask(ctx context.Context, callerCtx *worker.Context, in SpawnSubtaskInput) SpawnSubtaskResult {
	opts := subtask.CreateOpts{
		ParentWorkerID: string(callerCtx.WorkerID),
		PlanID:         callerCtx.PlanID,
		WorktreePath:   callerCtx.WorktreePath,
		AgentType:      in.AgentType,
		Prompt:         in.Prompt,
		ExpectedOutput: in.ExpectedOutput,
		TargetFiles:    in.TargetFiles,
		CurrentDepth:   callerCtx.Depth,
		RootContext:    callerCtx.RootContext,
	}
	// A caller already running as a subtask chains its own subtask id into
	// ancestry; a plan-deployed caller instead records its plan task id.
	if callerCtx.SpawnContext == worker.SpawnSubtask {
		opts.ParentSubTaskID = callerCtx.TaskID
	} else {
		opts.ParentTaskID = callerCtx.TaskID
	}

	st, err := s.Orchestrator.SubTasks.CreateSubTask(opts)
	if err != nil {
		return SpawnSubtaskResult{Error: toolError(err)}
	}

	if in.Blocking {
		final, err := s.Orchestrator.SubTasks.ExecuteSubTask(ctx, st.ID)
		if err != nil {
			return SpawnSubtaskResult{TaskID: st.ID, Error: toolError(err)}
		}
		return SpawnSubtaskResult{TaskID: final.ID, Status: string(final.Status), Result: final.Result}
	}

	go func() {
		// Background execution is detached from the caller's ctx: the
		// subtask's own cancellation (cancel token / emergency stop) governs
		// its lifetime, not the tool-call request that spawned it.
		s.Orchestrator.SubTasks.ExecuteSubTask(context.Background(), st.ID)
	}()
	return SpawnSubtaskResult{TaskID: st.ID, Status: "spawned"}
}

// --- spawn_parallel_subtasks -------------------------------------------------

type SpawnParallelResult struct {
	Results []SpawnSubtaskResult `json:"results"`
}

// SpawnParallelSubtasks fans out N independent subtask creations
// concurrently via errgroup; when blocking, each goroutine also awaits its
// own subtask's execution before returning. One subtask's failure never
// cancels its siblings — each result carries its own Error — so a plain
// errgroup.Group (no shared derived context) is the right fit here rather
// than WithContext's all-or-nothing cancellation.
func (s *Surface) SpawnParallelSubtasks(ctx context.Context, callerCtx *worker.Context, specs []SpawnSubtaskInput, blocking bool) SpawnParallelResult {
	results := make([]SpawnSubtaskResult, len(specs))

	var g errgroup.Group
	for i, spec := range specs {
		i, spec := i, spec
		spec.Blocking = blocking
		g.Go(func() error {
			results[i] = s.SpawnSubtask(ctx, callerCtx, spec)
			return nil
		})
	}
	g.Wait()

	return SpawnParallelResult{Results: results}
}

// --- await_subtasks ----------------------------------------------------------

type AwaitSubtasksResult struct {
	Statuses map[string]string `json:"statuses"`
	TimedOut []string          `json:"timedOut,omitempty"`
}

// AwaitSubtasks polls taskIDs until each reaches a terminal status or the
// timeout elapses. A timeout returns a "timeout" status for the affected
// ids without cancelling the underlying work — a caller may re-await.
func (s *Surface) AwaitSubtasks(ctx context.Context, taskIDs []string, timeout time.Duration) AwaitSubtasksResult {
	deadline := time.Now().Add(timeout)
	statuses := make(map[string]string, len(taskIDs))
	pending := append([]string(nil), taskIDs...)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for len(pending) > 0 {
		var remaining []string
		for _, id := range pending {
			st, err := s.Orchestrator.SubTasks.GetSubTask(id)
			if err != nil {
				statuses[id] = "not_found"
				continue
			}
			if st.Status.IsTerminal() {
				statuses[id] = string(st.Status)
				continue
			}
			remaining = append(remaining, id)
		}
		pending = remaining
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			pending = nil
		case <-ticker.C:
		}
	}

	var timedOut []string
	for _, id := range pending {
		statuses[id] = "timeout"
		timedOut = append(timedOut, id)
	}
	return AwaitSubtasksResult{Statuses: statuses, TimedOut: timedOut}
}

// --- report_completion --------------------------------------------------------

type ReportCompletionInput struct {
	CommitMessage string
	Output        string
	Failed        bool
}

type ReportCompletionResult struct {
	Warning string     `json:"warning,omitempty"`
	Error   *ToolError `json:"error,omitempty"`
}

// ReportCompletion sets callerCtx's own subtask to a terminal status. An
// empty commitMessage fails with an instructive error; a caller with no
// taskId (not itself running as a subtask) gets a "not a subtask" warning
// instead of an error, since that is a caller-shape mismatch, not a failure.
func (s *Surface) ReportCompletion(callerCtx *worker.Context, in ReportCompletionInput) ReportCompletionResult {
	if strings.TrimSpace(in.CommitMessage) == "" {
		return ReportCompletionResult{Error: &ToolError{
			Code:    string(errors.CodeInvalidArgument),
			Message: "report_completion requires a non-empty commitMessage describing what changed",
		}}
	}
	if callerCtx.TaskID == "" {
		return ReportCompletionResult{Warning: "this worker is not running as a subtask; report_completion has no subtask to complete"}
	}

	status := subtask.StatusCompleted
	if in.Failed {
		status = subtask.StatusFailed
	}
	_, err := s.Orchestrator.SubTasks.UpdateStatus(callerCtx.TaskID, status, &subtask.Result{Output: in.Output})
	if err != nil {
		return ReportCompletionResult{Error: toolError(err)}
	}
	return ReportCompletionResult{}
}

// --- notify_parent -----------------------------------------------------------

type NotifyParentInput struct {
	Kind     updatebus.UpdateKind
	Message  string
	Progress *int
}

// NotifyParent queues an update to callerCtx's owning parent via the update
// bus. A worker with no owner has nothing to notify.
func (s *Surface) NotifyParent(callerCtx *worker.Context, in NotifyParentInput) SendMessageResult {
	if !callerCtx.HasOwner() {
		return SendMessageResult{Error: &ToolError{
			Code:    string(errors.CodeInvalidArgument),
			Message: "worker has no owner to notify",
		}}
	}
	payload := map[string]any{}
	if in.Progress != nil {
		payload["progress"] = *in.Progress
	}
	update := updatebus.Update{
		SubTaskID:      callerCtx.TaskID,
		ParentWorkerID: string(callerCtx.WorkerID),
		Kind:           in.Kind,
		Message:        in.Message,
		Progress:       in.Progress,
		Payload:        payload,
	}
	switch in.Kind {
	case updatebus.KindProgress:
		update.ProgressReport = in.Message
	case updatebus.KindIdle:
		update.IdleReason = in.Message
	}
	s.Orchestrator.Bus.QueueUpdate(callerCtx.Owner.OwnerID, update)
	return SendMessageResult{}
}

// --- poll_subtask_updates -----------------------------------------------------

// PollSubtaskUpdates drains the update bus for callerCtx's own worker id.
func (s *Surface) PollSubtaskUpdates(callerCtx *worker.Context) []updatebus.Update {
	return s.Orchestrator.Bus.ConsumeUpdates(string(callerCtx.WorkerID))
}

// --- get_worker_status --------------------------------------------------------

type WorkerStatusResult struct {
	Found  bool       `json:"found"`
	Status string     `json:"status,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

func (s *Surface) GetWorkerStatus(workerID string) WorkerStatusResult {
	// A workerId may name either a registered worker.Context, or the
	// subtask that worker is running — try the subtask table first since
	// that is the common case for get_worker_status on a delegated child.
	if st, err := s.Orchestrator.SubTasks.GetSubTask(workerID); err == nil {
		return WorkerStatusResult{Found: true, Status: string(st.Status)}
	}
	if _, err := s.Orchestrator.GetWorker(worker.ID(workerID)); err == nil {
		return WorkerStatusResult{Found: true, Status: "running"}
	}
	return WorkerStatusResult{Found: false, Error: &ToolError{Code: string(errors.CodeNotFound), Message: "worker or subtask not found"}}
}

// --- send_message_to_worker ---------------------------------------------------

type SendMessageResult struct {
	Error *ToolError `json:"error,omitempty"`
}

func (s *Surface) SendMessageToWorker(workerID, message string) SendMessageResult {
	if err := s.Orchestrator.SendMessageToWorker(workerID, message); err != nil {
		return SendMessageResult{Error: toolError(err)}
	}
	return SendMessageResult{}
}

// --- plan_* passthroughs -------------------------------------------------------

type PlanResult struct {
	Plan  *plan.Plan `json:"plan,omitempty"`
	Error *ToolError `json:"error,omitempty"`
}

func (s *Surface) PlanCreate(name, description, baseBranch string) PlanResult {
	p := s.Orchestrator.Plans.CreatePlan(name, description, baseBranch)
	return PlanResult{Plan: p}
}

type TaskResult struct {
	Task  *plan.Task `json:"task,omitempty"`
	Error *ToolError `json:"error,omitempty"`
}

func (s *Surface) PlanAdd(planID, description string, opts plan.AddTaskOptions) TaskResult {
	t, err := s.Orchestrator.Plans.AddTask(planID, description, opts)
	if err != nil {
		return TaskResult{Error: toolError(err)}
	}
	return TaskResult{Task: t}
}

type TaskListResult struct {
	Tasks []*plan.Task `json:"tasks"`
}

func (s *Surface) PlanList(planID string) TaskListResult {
	return TaskListResult{Tasks: s.Orchestrator.Plans.GetTasks(planID)}
}

// PlanCancel resets or removes a plan task. The deployed worker id returned
// by the graph names a plan-level Worker record, not a subtask — any
// subtask that worker itself spawned is reached separately via an
// emergency stop scoped to that worker, not through this call.
func (s *Surface) PlanCancel(taskID string, remove bool) SendMessageResult {
	if _, err := s.Orchestrator.Plans.CancelTask(taskID, remove); err != nil {
		return SendMessageResult{Error: toolError(err)}
	}
	return SendMessageResult{}
}

// PlanComplete authorizes and completes a deployed task. callerWorkerID must
// be the task's parentWorkerId unless isOrchestrator is set.
func (s *Surface) PlanComplete(taskOrWorkerID, callerWorkerID string, isOrchestrator bool) TaskResult {
	t, err := s.Orchestrator.Plans.CompleteTask(taskOrWorkerID, callerWorkerID, isOrchestrator)
	if err != nil {
		return TaskResult{Error: toolError(err)}
	}
	return TaskResult{Task: t}
}

type DeployResult struct {
	Task   *plan.Task   `json:"task,omitempty"`
	Worker *plan.Worker `json:"worker,omitempty"`
	Error  *ToolError   `json:"error,omitempty"`
}

func (s *Surface) PlanRetry(taskID string, opts plan.DeployOptions) DeployResult {
	t, w, err := s.Orchestrator.Plans.RetryTask(taskID, opts)
	if err != nil {
		return DeployResult{Error: toolError(err)}
	}
	return DeployResult{Task: t, Worker: w}
}

func (s *Surface) PlanDeploy(planID, taskID string, opts plan.DeployOptions) DeployResult {
	t, w, err := s.Orchestrator.Plans.Deploy(planID, taskID, opts)
	if err != nil {
		return DeployResult{Error: toolError(err)}
	}
	return DeployResult{Task: t, Worker: w}
}
