package plan

import (
	"testing"

	"orchestra/core/internal/errors"
)

func TestReadinessRequiresAllDependenciesCompleted(t *testing.T) {
	g := NewGraph()
	p := g.CreatePlan("p1", "desc", "")

	a, _ := g.AddTask(p.ID, "task a", AddTaskOptions{})
	b, _ := g.AddTask(p.ID, "task b", AddTaskOptions{Dependencies: []string{a.ID}})

	ready := g.GetReadyTasks(p.ID)
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("expected only task a ready, got %+v", ready)
	}

	_, _, err := g.Deploy(p.ID, a.ID, DeployOptions{ParentWorkerID: "orch"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.CompleteTask(a.ID, "orch", true); err != nil {
		t.Fatal(err)
	}

	ready = g.GetReadyTasks(p.ID)
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("expected task b ready after a completes, got %+v", ready)
	}
}

func TestDeployPicksHighestPriorityWithStableTies(t *testing.T) {
	g := NewGraph()
	p := g.CreatePlan("p1", "desc", "")

	low, _ := g.AddTask(p.ID, "low", AddTaskOptions{Priority: PriorityLow})
	crit, _ := g.AddTask(p.ID, "critical", AddTaskOptions{Priority: PriorityCritical})
	normal1, _ := g.AddTask(p.ID, "normal-1", AddTaskOptions{Priority: PriorityNormal})
	normal2, _ := g.AddTask(p.ID, "normal-2", AddTaskOptions{Priority: PriorityNormal})
	_ = low

	task, _, err := g.Deploy(p.ID, "", DeployOptions{ParentWorkerID: "orch"})
	if err != nil {
		t.Fatal(err)
	}
	if task.ID != crit.ID {
		t.Fatalf("expected critical task deployed first, got %s", task.Name)
	}

	task2, _, err := g.Deploy(p.ID, "", DeployOptions{ParentWorkerID: "orch"})
	if err != nil {
		t.Fatal(err)
	}
	if task2.ID != normal1.ID {
		t.Fatalf("expected first-inserted normal task deployed next (stable tie-break), got %s", task2.Name)
	}
	_ = normal2
}

func TestCompleteTaskRequiresAuthorizedCaller(t *testing.T) {
	g := NewGraph()
	p := g.CreatePlan("p1", "desc", "")
	a, _ := g.AddTask(p.ID, "task a", AddTaskOptions{})
	g.Deploy(p.ID, a.ID, DeployOptions{ParentWorkerID: "orch-1"})

	_, err := g.CompleteTask(a.ID, "someone-else", false)
	if err == nil || errors.GetCode(err) != errors.CodeUnauthorised {
		t.Fatalf("expected CodeUnauthorised, got %v", err)
	}

	task, err := g.CompleteTask(a.ID, "orch-1", false)
	if err != nil {
		t.Fatalf("expected parent worker to complete task: %v", err)
	}
	if task.Status != TaskCompleted {
		t.Fatalf("expected completed status, got %s", task.Status)
	}
}

func TestCancelTaskWithoutRemoveResetsToPending(t *testing.T) {
	g := NewGraph()
	p := g.CreatePlan("p1", "desc", "")
	a, _ := g.AddTask(p.ID, "task a", AddTaskOptions{})
	g.Deploy(p.ID, a.ID, DeployOptions{ParentWorkerID: "orch"})

	if _, err := g.CancelTask(a.ID, false); err != nil {
		t.Fatal(err)
	}

	tasks := g.GetTasks(p.ID)
	if len(tasks) != 1 || tasks[0].Status != TaskPending {
		t.Fatalf("expected task reset to pending, got %+v", tasks)
	}
	ready := g.GetReadyTasks(p.ID)
	if len(ready) != 1 {
		t.Fatalf("expected cancelled-and-reset task to be ready again, got %+v", ready)
	}
}

func TestCancelTaskRemoveDeletesTask(t *testing.T) {
	g := NewGraph()
	p := g.CreatePlan("p1", "desc", "")
	a, _ := g.AddTask(p.ID, "task a", AddTaskOptions{})
	g.Deploy(p.ID, a.ID, DeployOptions{ParentWorkerID: "orch"})

	workerID, err := g.CancelTask(a.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if workerID == "" {
		t.Fatal("expected a deployed worker id to be returned")
	}
	if len(g.GetTasks(p.ID)) != 0 {
		t.Fatal("expected task to be removed")
	}
}

func TestOnDidChangeTaskSeesCancelResetSteps(t *testing.T) {
	g := NewGraph()
	p := g.CreatePlan("p1", "desc", "")
	a, _ := g.AddTask(p.ID, "task a", AddTaskOptions{})

	var transitions []TaskStatus
	g.OnDidChangeTask(func(task Task) { transitions = append(transitions, task.Status) })

	g.Deploy(p.ID, a.ID, DeployOptions{ParentWorkerID: "orch"})
	g.CancelTask(a.ID, false)

	want := []TaskStatus{TaskRunning, TaskCancelled, TaskPending}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Fatalf("expected transition %d to be %s, got %v", i, s, transitions)
		}
	}
}

func TestRetryTaskPreservesParentWorkerAndBumpsAttempt(t *testing.T) {
	g := NewGraph()
	p := g.CreatePlan("p1", "desc", "")
	a, _ := g.AddTask(p.ID, "task a", AddTaskOptions{})
	_, firstWorker, _ := g.Deploy(p.ID, a.ID, DeployOptions{ParentWorkerID: "orch-1"})

	task, secondWorker, err := g.RetryTask(a.ID, DeployOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if task.Attempt != 1 {
		t.Fatalf("expected attempt bumped to 1, got %d", task.Attempt)
	}
	if secondWorker.ParentWorkerID != firstWorker.ParentWorkerID {
		t.Fatalf("expected retry to preserve parentWorkerId, got %s vs %s", secondWorker.ParentWorkerID, firstWorker.ParentWorkerID)
	}
}
