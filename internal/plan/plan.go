// Package plan implements the plan/task graph: plans, their tasks,
// dependency-driven readiness, worker deployment, retry, and cancellation.
// Deployment order among ready tasks is a stable priority sort; readiness
// is a direct dependency-set evaluation, independent of insertion order.
package plan

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestra/core/internal/errors"
	"orchestra/core/internal/worker"
)

type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanActive    PlanStatus = "active"
	PlanDone      PlanStatus = "done"
	PlanCancelled PlanStatus = "cancelled"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Plan is a declared unit of work composed of dependent tasks.
type Plan struct {
	ID          string
	Name        string
	Description string
	BaseBranch  string
	Status      PlanStatus
	CreatedAt   time.Time
}

// Task is one node in a plan's dependency graph.
type Task struct {
	ID            string
	PlanID        string
	Name          string
	Description   string
	Agent         string
	Dependencies  map[string]bool
	TargetFiles   []string
	Priority      Priority
	ParallelGroup string
	Status        TaskStatus
	WorkerID      string
	Attempt       int
	insertionSeq  int
}

// Worker is what deploy() produces: enough for the caller to construct a
// worker.Context and start running the task.
type Worker struct {
	WorkerID       worker.ID
	TaskID         string
	PlanID         string
	ParentWorkerID string
	AgentType      string
}

// AddTaskOptions configures a new task.
type AddTaskOptions struct {
	Agent         string
	Dependencies  []string
	TargetFiles   []string
	Priority      Priority
	ParallelGroup string
}

// DeployOptions configures a deploy() call.
type DeployOptions struct {
	ParentWorkerID string
	WorktreeFactory func(planID, taskID string) (string, error)
}

// TaskChangeListener is notified after a task's status is mutated, mirroring
// subtask.ChangeListener and orchestrator.WorkerChangeListener: one clone of
// the task is delivered per transition, so a listener watching for the
// running->cancelled->pending reset sees both intermediate steps rather than
// only the final state.
type TaskChangeListener func(Task)

// Graph owns all plans and tasks in memory, guarded by a single mutex.
// Lock acquisition across the system runs plan, task, worker, subtask,
// safety; this package only ever needs the plan/task level.
type Graph struct {
	mu        sync.Mutex
	plans     map[string]*Plan
	tasks     map[string]*Task
	seq       int
	deployed  map[string]*Worker // taskID -> deployed worker, for re-association on retry
	listeners []TaskChangeListener
}

func NewGraph() *Graph {
	return &Graph{
		plans:    make(map[string]*Plan),
		tasks:    make(map[string]*Task),
		deployed: make(map[string]*Worker),
	}
}

// OnDidChangeTask registers a listener invoked after every task status
// transition, in order.
func (g *Graph) OnDidChangeTask(l TaskChangeListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// notify delivers the given task snapshots to every registered listener.
// Callers collect clones while holding g.mu and invoke this after unlocking,
// so a listener can call back into the graph without deadlocking.
func (g *Graph) notify(snapshots []*Task) {
	if len(snapshots) == 0 {
		return
	}
	g.mu.Lock()
	listeners := append([]TaskChangeListener(nil), g.listeners...)
	g.mu.Unlock()
	for _, l := range listeners {
		for _, t := range snapshots {
			l(*t)
		}
	}
}

// CreatePlan registers a new plan in draft status.
func (g *Graph) CreatePlan(name, description, baseBranch string) *Plan {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := &Plan{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		BaseBranch:  baseBranch,
		Status:      PlanDraft,
		CreatedAt:   time.Now().UTC(),
	}
	g.plans[p.ID] = p
	return p
}

// AddTask adds a task to a plan, validating its declared dependencies exist.
func (g *Graph) AddTask(planID, description string, opts AddTaskOptions) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.plans[planID]; !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("plan %s not found", planID))
	}

	deps := make(map[string]bool, len(opts.Dependencies))
	for _, d := range opts.Dependencies {
		if _, ok := g.tasks[d]; !ok {
			return nil, errors.New(errors.CodeInvalidArgument, fmt.Sprintf("dependency %s does not exist", d))
		}
		deps[d] = true
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	g.seq++
	t := &Task{
		ID:            uuid.New().String(),
		PlanID:        planID,
		Name:          description,
		Description:   description,
		Agent:         opts.Agent,
		Dependencies:  deps,
		TargetFiles:   opts.TargetFiles,
		Priority:      priority,
		ParallelGroup: opts.ParallelGroup,
		Status:        TaskPending,
		insertionSeq:  g.seq,
	}
	g.tasks[t.ID] = t
	return t.clone(), nil
}

// GetTasks returns all tasks, optionally scoped to one plan.
func (g *Graph) GetTasks(planID string) []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Task
	for _, t := range g.tasks {
		if planID == "" || t.PlanID == planID {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].insertionSeq < out[j].insertionSeq })
	return out
}

// GetReadyTasks returns every pending task whose dependencies are all
// completed — a direct dependency-set evaluation, not a sequential DAG
// walk: each task is checked against the current status of each of its
// declared dependencies, independent of insertion order.
func (g *Graph) GetReadyTasks(planID string) []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Task
	for _, t := range g.tasks {
		if planID != "" && t.PlanID != planID {
			continue
		}
		if g.isReadyLocked(t) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].insertionSeq < out[j].insertionSeq })
	return out
}

func (g *Graph) isReadyLocked(t *Task) bool {
	if t.Status != TaskPending {
		return false
	}
	for dep := range t.Dependencies {
		depTask, ok := g.tasks[dep]
		if !ok || depTask.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// Deploy picks the highest-priority ready task (ties broken by insertion
// order) when taskID is empty, or deploys a specific ready task, and
// transitions it to running.
func (g *Graph) Deploy(planID, taskID string, opts DeployOptions) (*Task, *Worker, error) {
	var changed []*Task
	defer func() { g.notify(changed) }()
	g.mu.Lock()
	defer g.mu.Unlock()

	var target *Task
	if taskID != "" {
		t, ok := g.tasks[taskID]
		if !ok {
			return nil, nil, errors.New(errors.CodeNotFound, fmt.Sprintf("task %s not found", taskID))
		}
		if !g.isReadyLocked(t) {
			return nil, nil, errors.New(errors.CodeInvalidArgument, fmt.Sprintf("task %s is not ready", taskID))
		}
		target = t
	} else {
		var candidates []*Task
		for _, t := range g.tasks {
			if planID != "" && t.PlanID != planID {
				continue
			}
			if g.isReadyLocked(t) {
				candidates = append(candidates, t)
			}
		}
		if len(candidates) == 0 {
			return nil, nil, errors.New(errors.CodeNotFound, "no ready tasks to deploy")
		}
		sort.Slice(candidates, func(i, j int) bool {
			pi, pj := priorityRank[candidates[i].Priority], priorityRank[candidates[j].Priority]
			if pi != pj {
				return pi < pj
			}
			return candidates[i].insertionSeq < candidates[j].insertionSeq
		})
		target = candidates[0]
	}

	workerID := worker.ID(uuid.New().String())
	if opts.WorktreeFactory != nil {
		if _, err := opts.WorktreeFactory(target.PlanID, target.ID); err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeInternal, "worktree allocation failed")
		}
	}

	target.Status = TaskRunning
	target.WorkerID = string(workerID)

	w := &Worker{
		WorkerID:       workerID,
		TaskID:         target.ID,
		PlanID:         target.PlanID,
		ParentWorkerID: opts.ParentWorkerID,
		AgentType:      target.Agent,
	}
	g.deployed[target.ID] = w
	changed = append(changed, target.clone())

	return target.clone(), w, nil
}

// CompleteTask marks a deployed task completed. caller must be the task's
// parentWorkerId or the orchestrator itself.
func (g *Graph) CompleteTask(taskOrWorkerID, caller string, isOrchestrator bool) (*Task, error) {
	var changed []*Task
	defer func() { g.notify(changed) }()
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.findByWorkerOrTaskLocked(taskOrWorkerID)
	if err != nil {
		return nil, err
	}

	w, ok := g.deployed[t.ID]
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument, fmt.Sprintf("task %s has not been deployed", t.ID))
	}
	if !isOrchestrator && w.ParentWorkerID != caller {
		return nil, errors.New(errors.CodeUnauthorised, fmt.Sprintf("caller %s is not the parent of task %s", caller, t.ID))
	}

	t.Status = TaskCompleted
	changed = append(changed, t.clone())
	return t.clone(), nil
}

func (g *Graph) findByWorkerOrTaskLocked(id string) (*Task, error) {
	if t, ok := g.tasks[id]; ok {
		return t, nil
	}
	for _, t := range g.tasks {
		if t.WorkerID == id {
			return t, nil
		}
	}
	return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("task or worker %s not found", id))
}

// CancelTask either resets a running task back to pending (remove=false) or
// deletes it outright (remove=true), returning the deployed worker id (if
// any) so the caller can trip its cancellation token.
func (g *Graph) CancelTask(taskID string, remove bool) (workerID string, err error) {
	var changed []*Task
	defer func() { g.notify(changed) }()
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return "", errors.New(errors.CodeNotFound, fmt.Sprintf("task %s not found", taskID))
	}

	w := g.deployed[taskID]
	if w != nil {
		workerID = string(w.WorkerID)
	}

	if remove {
		delete(g.tasks, taskID)
		delete(g.deployed, taskID)
		t.Status = TaskCancelled
		changed = append(changed, t.clone())
		return workerID, nil
	}

	// running -> cancelled -> pending: resettable rather than terminal.
	// Listeners see both steps, in order.
	t.WorkerID = ""
	delete(g.deployed, taskID)
	t.Status = TaskCancelled
	changed = append(changed, t.clone())
	t.Status = TaskPending
	changed = append(changed, t.clone())
	return workerID, nil
}

// RetryTask clears error state, bumps the task-level attempt counter, and
// re-deploys, re-associating the new worker with the same parentWorkerId so
// update routing is preserved across the worker replacement.
func (g *Graph) RetryTask(taskID string, opts DeployOptions) (*Task, *Worker, error) {
	g.mu.Lock()
	priorParent := opts.ParentWorkerID
	if priorParent == "" {
		if w, ok := g.deployed[taskID]; ok {
			priorParent = w.ParentWorkerID
		}
	}
	t, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return nil, nil, errors.New(errors.CodeNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	t.Status = TaskPending
	t.Attempt++
	delete(g.deployed, taskID)
	reset := t.clone()
	g.mu.Unlock()
	g.notify([]*Task{reset})

	opts.ParentWorkerID = priorParent
	return g.Deploy(t.PlanID, taskID, opts)
}

// SendMessageToWorker and standalone-parent push registration live on C5
// (orchestrator), which owns the worker registry this package doesn't.

func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = make(map[string]bool, len(t.Dependencies))
		for k, v := range t.Dependencies {
			c.Dependencies[k] = v
		}
	}
	if t.TargetFiles != nil {
		c.TargetFiles = append([]string(nil), t.TargetFiles...)
	}
	return &c
}
