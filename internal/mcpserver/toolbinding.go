package mcpserver

import (
	"context"
	"time"

	"orchestra/core/internal/agentdiscovery"
	"orchestra/core/internal/plan"
	"orchestra/core/internal/toolsurface"
	"orchestra/core/internal/updatebus"
	"orchestra/core/internal/worker"
)

// WorkerResolver looks up the caller's identity for a tool call. The wire
// transport addresses callers by runID; BindToolSurface resolves that id
// to a *worker.Context once per call rather than threading one through the
// wire protocol itself.
type WorkerResolver func(runID string) (*worker.Context, error)

// BindToolSurface registers the orchestration tool set on srv, each tool
// backed by ts. The tool surface itself stays transport-neutral (plain Go
// methods returning records); this file is the only place that maps wire
// arguments onto it.
func BindToolSurface(srv *Server, ts *toolsurface.Surface, resolve WorkerResolver) {
	srv.AddTool(Tool{Name: "list_agents", Description: "Enumerate agents available to spawn_subtask"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		filter := agentdiscovery.Filter(stringField(input, "filter"))
		return ts.ListAgents(filter), nil
	})

	srv.AddTool(Tool{Name: "spawn_subtask", Description: "Delegate a coding subtask to another agent"}, func(ctx context.Context, runID string, input map[string]any) (any, error) {
		caller, err := resolve(runID)
		if err != nil {
			return nil, err
		}
		return ts.SpawnSubtask(ctx, caller, spawnInputFrom(input)), nil
	})

	srv.AddTool(Tool{Name: "spawn_parallel_subtasks", Description: "Fan out several subtasks concurrently"}, func(ctx context.Context, runID string, input map[string]any) (any, error) {
		caller, err := resolve(runID)
		if err != nil {
			return nil, err
		}
		raw, _ := input["subtasks"].([]any)
		specs := make([]toolsurface.SpawnSubtaskInput, 0, len(raw))
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				specs = append(specs, spawnInputFrom(m))
			}
		}
		blocking, _ := input["blocking"].(bool)
		return ts.SpawnParallelSubtasks(ctx, caller, specs, blocking), nil
	})

	srv.AddTool(Tool{Name: "await_subtasks", Description: "Poll subtasks until terminal or timeout"}, func(ctx context.Context, _ string, input map[string]any) (any, error) {
		ids := stringSliceField(input, "taskIds")
		timeout := durationField(input, "timeoutMs", 30*time.Second)
		return ts.AwaitSubtasks(ctx, ids, timeout), nil
	})

	srv.AddTool(Tool{Name: "report_completion", Description: "Report this worker's own subtask as completed or failed"}, func(_ context.Context, runID string, input map[string]any) (any, error) {
		caller, err := resolve(runID)
		if err != nil {
			return nil, err
		}
		return ts.ReportCompletion(caller, toolsurface.ReportCompletionInput{
			CommitMessage: stringField(input, "commitMessage"),
			Output:        stringField(input, "output"),
			Failed:        stringField(input, "status") == "failed",
		}), nil
	})

	srv.AddTool(Tool{Name: "notify_parent", Description: "Push a progress/idle/error update to the owning parent"}, func(_ context.Context, runID string, input map[string]any) (any, error) {
		caller, err := resolve(runID)
		if err != nil {
			return nil, err
		}
		var progress *int
		if v, ok := input["progress"]; ok {
			if f, ok := v.(float64); ok {
				p := int(f)
				progress = &p
			}
		}
		return ts.NotifyParent(caller, toolsurface.NotifyParentInput{
			Kind:     updatebus.UpdateKind(stringField(input, "type")),
			Message:  stringField(input, "message"),
			Progress: progress,
		}), nil
	})

	srv.AddTool(Tool{Name: "poll_subtask_updates", Description: "Drain this worker's queued updates"}, func(_ context.Context, runID string, _ map[string]any) (any, error) {
		caller, err := resolve(runID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"updates": ts.PollSubtaskUpdates(caller)}, nil
	})

	srv.AddTool(Tool{Name: "get_worker_status", Description: "Snapshot a worker or subtask's status"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		return ts.GetWorkerStatus(stringField(input, "workerId")), nil
	})

	srv.AddTool(Tool{Name: "send_message_to_worker", Description: "Queue a direct message to a running worker"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		return ts.SendMessageToWorker(stringField(input, "workerId"), stringField(input, "message")), nil
	})

	srv.AddTool(Tool{Name: "plan_create", Description: "Create a new plan"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		return ts.PlanCreate(stringField(input, "name"), stringField(input, "description"), stringField(input, "baseBranch")), nil
	})

	srv.AddTool(Tool{Name: "plan_add", Description: "Add a task to a plan"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		opts := plan.AddTaskOptions{
			Agent:         stringField(input, "agent"),
			Dependencies:  stringSliceField(input, "dependencies"),
			TargetFiles:   stringSliceField(input, "targetFiles"),
			Priority:      plan.Priority(stringFieldOr(input, "priority", string(plan.PriorityNormal))),
			ParallelGroup: stringField(input, "parallelGroup"),
		}
		return ts.PlanAdd(stringField(input, "planId"), stringField(input, "description"), opts), nil
	})

	srv.AddTool(Tool{Name: "plan_list", Description: "List a plan's tasks"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		return ts.PlanList(stringField(input, "planId")), nil
	})

	srv.AddTool(Tool{Name: "plan_cancel", Description: "Cancel or remove a plan task"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		remove, _ := input["remove"].(bool)
		return ts.PlanCancel(stringField(input, "taskId"), remove), nil
	})

	srv.AddTool(Tool{Name: "plan_complete", Description: "Complete a deployed task (caller-authorized)"}, func(_ context.Context, runID string, input map[string]any) (any, error) {
		isOrchestrator, _ := input["isOrchestrator"].(bool)
		return ts.PlanComplete(stringField(input, "taskOrWorkerId"), runID, isOrchestrator), nil
	})

	srv.AddTool(Tool{Name: "plan_retry", Description: "Retry a failed task"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		return ts.PlanRetry(stringField(input, "taskId"), plan.DeployOptions{ParentWorkerID: stringField(input, "parentWorkerId")}), nil
	})

	srv.AddTool(Tool{Name: "plan_deploy", Description: "Deploy the next ready task, or a named one"}, func(_ context.Context, _ string, input map[string]any) (any, error) {
		return ts.PlanDeploy(stringField(input, "planId"), stringField(input, "taskId"), plan.DeployOptions{ParentWorkerID: stringField(input, "parentWorkerId")}), nil
	})
}

func spawnInputFrom(input map[string]any) toolsurface.SpawnSubtaskInput {
	blocking, _ := input["blocking"].(bool)
	return toolsurface.SpawnSubtaskInput{
		AgentType:      stringField(input, "agentType"),
		Prompt:         stringField(input, "prompt"),
		ExpectedOutput: stringField(input, "expectedOutput"),
		TargetFiles:    stringSliceField(input, "targetFiles"),
		Blocking:       blocking,
		Model:          stringField(input, "model"),
	}
}

func stringField(input map[string]any, key string) string {
	return stringFieldOr(input, key, "")
}

func stringFieldOr(input map[string]any, key, fallback string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return fallback
}

func stringSliceField(input map[string]any, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func durationField(input map[string]any, key string, fallback time.Duration) time.Duration {
	if v, ok := input[key].(float64); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return fallback
}
