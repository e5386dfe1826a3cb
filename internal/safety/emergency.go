package safety

import (
	"sync"
	"time"

	"orchestra/core/internal/telemetry"
)

// StopScope names the granularity an emergency stop targets.
type StopScope string

const (
	ScopeSubtask StopScope = "subtask"
	ScopeWorker  StopScope = "worker"
	ScopePlan    StopScope = "plan"
	ScopeGlobal  StopScope = "global"
)

// StopEvent is published to listeners before ancestry for the affected
// scope is cleared, so in-flight cancellation sees every subtask that was
// alive at the moment of the call.
type StopEvent struct {
	Scope      StopScope
	Target     string // subtask/worker/plan id; ignored for ScopeGlobal
	SubTaskIDs []string
	Reason     string
}

// StopListener is notified synchronously when an emergency stop fires.
type StopListener func(StopEvent)

// EmergencyStopResult reports how many subtasks the call actually
// affected, and which ones.
type EmergencyStopResult struct {
	SubTasksKilled   int
	KilledSubTaskIDs []string
	Timestamp        time.Time
	Reason           string
}

// Engine is the full guard surface: depth/cycle/rate/cost plus emergency
// stop, composed over a shared AncestryTracker so stop can discover exactly
// which subtasks belong to a scope.
type Engine struct {
	Ancestry *AncestryTracker
	Limits   *LimitTracker
	Costs    *CostLedger

	mu        sync.Mutex
	listeners []StopListener
}

func NewEngine(limits *LimitTracker) *Engine {
	return &Engine{
		Ancestry: NewAncestryTracker(),
		Limits:   limits,
		Costs:    NewCostLedger(),
	}
}

// OnEmergencyStop registers a listener invoked on every EmergencyStop call,
// before the affected ancestry entries are cleared.
func (e *Engine) OnEmergencyStop(l StopListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// EmergencyStop kills every subtask matching scope/target. It is idempotent
// by construction: the ancestry map is the sole source of "still alive", so
// a repeated call with the same scope/target finds nothing left to kill and
// reports SubTasksKilled=0.
func (e *Engine) EmergencyStop(scope StopScope, target, reason string) EmergencyStopResult {
	now := time.Now().UTC()
	e.Ancestry.mu.RLock()
	var affected []string
	switch scope {
	case ScopeGlobal:
		for id := range e.Ancestry.entries {
			affected = append(affected, id)
		}
	case ScopeWorker:
		for id, entry := range e.Ancestry.entries {
			if entry.WorkerID == target {
				affected = append(affected, id)
			}
		}
	case ScopePlan:
		for id, entry := range e.Ancestry.entries {
			if entry.PlanID == target {
				affected = append(affected, id)
			}
		}
	case ScopeSubtask:
		if _, ok := e.Ancestry.entries[target]; ok {
			affected = append(affected, target)
			for id, entry := range e.Ancestry.entries {
				if id != target && isDescendant(e.Ancestry.entries, id, target) {
					affected = append(affected, entry.SubTaskID)
				}
			}
		}
	}
	e.Ancestry.mu.RUnlock()

	telemetry.M().Counter("safety.emergency_stops")
	telemetry.M().CounterN("safety.subtasks_killed", int64(len(affected)))

	evt := StopEvent{Scope: scope, Target: target, SubTaskIDs: affected, Reason: reason}
	e.mu.Lock()
	listeners := append([]StopListener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l(evt)
	}

	if len(affected) == 0 {
		return EmergencyStopResult{SubTasksKilled: 0, Timestamp: now, Reason: reason}
	}

	for _, id := range affected {
		e.Ancestry.ClearAncestry(id)
	}

	return EmergencyStopResult{
		SubTasksKilled:   len(affected),
		KilledSubTaskIDs: affected,
		Timestamp:        now,
		Reason:           reason,
	}
}

// isDescendant reports whether candidateID's chain passes through ancestorID.
func isDescendant(entries map[string]AncestryEntry, candidateID, ancestorID string) bool {
	cur := candidateID
	seen := make(map[string]bool)
	for {
		e, ok := entries[cur]
		if !ok || seen[cur] {
			return false
		}
		seen[cur] = true
		if e.ParentSubTaskID == ancestorID {
			return true
		}
		if e.ParentSubTaskID == "" {
			return false
		}
		cur = e.ParentSubTaskID
	}
}
