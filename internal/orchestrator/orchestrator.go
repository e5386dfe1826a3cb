// Package orchestrator is the top-level facade composing the plan graph,
// the subtask manager, the update bus, and the safety engine. It owns the
// worker registry and is the single place emergency-stops spanning whole
// plans are initiated from.
package orchestrator

import (
	"fmt"
	"sync"

	"orchestra/core/internal/config"
	"orchestra/core/internal/errors"
	"orchestra/core/internal/plan"
	"orchestra/core/internal/safety"
	"orchestra/core/internal/subtask"
	"orchestra/core/internal/updatebus"
	"orchestra/core/internal/worker"
)

// WorkerChangeListener is notified whenever the worker registry changes.
type WorkerChangeListener func(workers []*worker.Context)

// Orchestrator composes the safety, update-bus, subtask, and plan layers
// into the single entry point a session talks to: deploy plan tasks, let
// workers delegate subtasks, route messages and emergency stops.
type Orchestrator struct {
	cfg      *config.Config
	Safety   *safety.Engine
	Bus      *updatebus.Bus
	Plans    *plan.Graph
	SubTasks *subtask.Manager

	mu        sync.RWMutex
	workers   map[worker.ID]*worker.Context
	listeners []WorkerChangeListener
}

// New composes a fresh Orchestrator from config and the agent runtime
// collaborator that actually executes subtasks.
func New(cfg *config.Config, runtime subtask.AgentRuntime) *Orchestrator {
	limits := safety.NewLimitTracker(cfg.Safety)
	engine := safety.NewEngine(limits)
	bus := updatebus.New(0)
	subtasks := subtask.NewManager(engine, bus, runtime, cfg.Safety)

	o := &Orchestrator{
		cfg:      cfg,
		Safety:   engine,
		Bus:      bus,
		Plans:    plan.NewGraph(),
		SubTasks: subtasks,
		workers:  make(map[worker.ID]*worker.Context),
	}
	return o
}

// RegisterWorker adds a worker to the registry and publishes the change.
func (o *Orchestrator) RegisterWorker(ctx *worker.Context) {
	o.mu.Lock()
	o.workers[ctx.WorkerID] = ctx
	snapshot := o.snapshotWorkersLocked()
	listeners := append([]WorkerChangeListener(nil), o.listeners...)
	o.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// ReapWorker removes a worker from the registry (its identity is destroyed)
// and publishes the change.
func (o *Orchestrator) ReapWorker(id worker.ID) {
	o.mu.Lock()
	delete(o.workers, id)
	snapshot := o.snapshotWorkersLocked()
	listeners := append([]WorkerChangeListener(nil), o.listeners...)
	o.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// GetWorker returns the registered context for a worker id.
func (o *Orchestrator) GetWorker(id worker.ID) (*worker.Context, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workers[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("worker %s not found", id))
	}
	return w, nil
}

// OnDidChangeWorkers registers a listener invoked after registry mutation.
func (o *Orchestrator) OnDidChangeWorkers(l WorkerChangeListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) snapshotWorkersLocked() []*worker.Context {
	out := make([]*worker.Context, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, w)
	}
	return out
}

// SendMessageToWorker queues a direct message update into a running
// worker's update channel. Non-blocking: delivery never waits on the receiver.
func (o *Orchestrator) SendMessageToWorker(workerID, message string) error {
	o.mu.RLock()
	_, ok := o.workers[worker.ID(workerID)]
	o.mu.RUnlock()
	if !ok {
		return errors.New(errors.CodeNotFound, fmt.Sprintf("worker %s not found", workerID))
	}
	o.Bus.QueueUpdate(workerID, updatebus.Update{
		ParentWorkerID: workerID,
		Kind:           updatebus.KindMessage,
		Message:        message,
	})
	return nil
}

// RegisterStandaloneParentHandler wires a push handler for a parent worker
// that is not itself polling for updates (e.g. a CLI session).
func (o *Orchestrator) RegisterStandaloneParentHandler(parentWorkerID string, h updatebus.PushHandler) {
	o.Bus.RegisterStandaloneParentHandler(parentWorkerID, h)
}

// EmergencyStopPlan cancels every subtask belonging to a plan, spanning
// whichever workers they were deployed onto. The plan's own tasks keep
// their status; only subtasks are cancelled.
func (o *Orchestrator) EmergencyStopPlan(planID, reason string) safety.EmergencyStopResult {
	return o.Safety.EmergencyStop(safety.ScopePlan, planID, reason)
}

// EmergencyStopGlobal cancels everything tracked by the safety engine.
func (o *Orchestrator) EmergencyStopGlobal(reason string) safety.EmergencyStopResult {
	return o.Safety.EmergencyStop(safety.ScopeGlobal, "", reason)
}
