package orchestrator

import (
	"context"
	"testing"

	"orchestra/core/internal/config"
	"orchestra/core/internal/subtask"
	"orchestra/core/internal/worker"
)

type stubRuntime struct{}

func (stubRuntime) Run(ctx context.Context, agentType, prompt, worktreePath string) (subtask.AgentRunResult, error) {
	return subtask.AgentRunResult{Status: "completed", Output: "ok"}, nil
}

func TestRegisterWorkerPublishesChange(t *testing.T) {
	o := New(config.Default(), stubRuntime{})

	var seen []*worker.Context
	o.OnDidChangeWorkers(func(workers []*worker.Context) { seen = workers })

	ctx, err := worker.New(worker.Options{MainWorkspaceRoot: "/work", SpawnContext: worker.SpawnOrchestrator})
	if err != nil {
		t.Fatal(err)
	}
	o.RegisterWorker(ctx)

	if len(seen) != 1 {
		t.Fatalf("expected 1 worker in snapshot, got %d", len(seen))
	}

	got, err := o.GetWorker(ctx.WorkerID)
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkerID != ctx.WorkerID {
		t.Fatal("expected retrieved worker to match registered one")
	}
}

func TestSendMessageToWorkerRequiresRegisteredWorker(t *testing.T) {
	o := New(config.Default(), stubRuntime{})
	if err := o.SendMessageToWorker("unknown", "hello"); err == nil {
		t.Fatal("expected error sending to an unregistered worker")
	}
}

func TestEmergencyStopPlanReachesSubtasks(t *testing.T) {
	o := New(config.Default(), stubRuntime{})
	st, err := o.SubTasks.CreateSubTask(subtask.CreateOpts{
		ParentWorkerID: "w1",
		PlanID:         "plan-1",
		AgentType:      "@coder",
		Prompt:         "do work",
		CurrentDepth:   0,
		RootContext:    worker.SpawnOrchestrator,
	})
	if err != nil {
		t.Fatal(err)
	}

	result := o.EmergencyStopPlan("plan-1", "test")
	if result.SubTasksKilled != 1 {
		t.Fatalf("expected 1 subtask killed, got %d", result.SubTasksKilled)
	}
	_ = st
}
