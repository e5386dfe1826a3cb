package safety

import (
	"strings"
	"testing"

	"orchestra/core/internal/config"
	"orchestra/core/internal/errors"
	"orchestra/core/internal/worker"
)

func testConfig() config.SafetyConfig {
	return config.Default().Safety
}

func TestEnforceDepthLimitOrchestratorBoundary(t *testing.T) {
	cfg := testConfig()
	// MaxDepthFromOrchestrator defaults to 2: depths 0 and 1 may spawn, depth 2 may not.
	if err := EnforceDepthLimit(cfg, 0, worker.SpawnOrchestrator); err != nil {
		t.Fatalf("depth 0 should be allowed: %v", err)
	}
	if err := EnforceDepthLimit(cfg, 1, worker.SpawnOrchestrator); err != nil {
		t.Fatalf("depth 1 should be allowed: %v", err)
	}
	err := EnforceDepthLimit(cfg, 2, worker.SpawnOrchestrator)
	if err == nil {
		t.Fatal("depth 2 should be rejected")
	}
	if errors.GetCode(err) != errors.CodeDepthLimitExceeded {
		t.Fatalf("expected CodeDepthLimitExceeded, got %v", errors.GetCode(err))
	}
	if !strings.Contains(err.Error(), "Cannot spawn deeper") {
		t.Fatalf("expected 'Cannot spawn deeper' in message, got %q", err.Error())
	}
}

func TestEnforceDepthLimitAgentBoundary(t *testing.T) {
	cfg := testConfig()
	// MaxDepthFromAgent defaults to 1: depth 0 may spawn, depth 1 may not.
	if err := EnforceDepthLimit(cfg, 0, worker.SpawnAgent); err != nil {
		t.Fatalf("depth 0 should be allowed: %v", err)
	}
	if err := EnforceDepthLimit(cfg, 1, worker.SpawnAgent); err == nil {
		t.Fatal("depth 1 from an agent root should be rejected")
	}
}

func TestResolveRootContextInheritsFromParent(t *testing.T) {
	if got := ResolveRootContext(worker.SpawnSubtask, worker.SpawnOrchestrator); got != worker.SpawnOrchestrator {
		t.Fatalf("expected orchestrator root to propagate, got %s", got)
	}
	if got := ResolveRootContext(worker.SpawnSubtask, worker.SpawnAgent); got != worker.SpawnAgent {
		t.Fatalf("expected agent root to propagate, got %s", got)
	}
	if got := ResolveRootContext(worker.SpawnAgent, ""); got != worker.SpawnAgent {
		t.Fatalf("a root spawn context should pass through unchanged, got %s", got)
	}
}

func TestDetectCycleFindsRepeatedPromptInChain(t *testing.T) {
	tracker := NewAncestryTracker()
	tracker.RegisterAncestry(AncestryEntry{SubTaskID: "s1", AgentType: "reviewer", PromptHash: PromptHash("review the diff")})
	tracker.RegisterAncestry(AncestryEntry{SubTaskID: "s2", ParentSubTaskID: "s1", AgentType: "tester", PromptHash: PromptHash("run the tests")})

	err := tracker.DetectCycle("s2", "reviewer", PromptHash("Review   the diff"))
	if err == nil {
		t.Fatal("expected a cycle to be detected across normalized prompt text")
	}
	if errors.GetCode(err) != errors.CodeCycleDetected {
		t.Fatalf("expected CodeCycleDetected, got %v", errors.GetCode(err))
	}

	if err := tracker.DetectCycle("s2", "tester", PromptHash("write new tests")); err != nil {
		t.Fatalf("distinct prompt should not be flagged as a cycle: %v", err)
	}
}

func TestPromptHashNormalizesWhitespaceAndCase(t *testing.T) {
	a := PromptHash("  Fix   the Bug  ")
	b := PromptHash("fix the bug")
	if a != b {
		t.Fatalf("expected normalized prompts to hash identically, got %s vs %s", a, b)
	}
}

func TestLimitTrackerRateLimitBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.SubTaskSpawnRateLimit = 3
	tracker := NewLimitTracker(cfg)

	for i := 0; i < 3; i++ {
		if err := tracker.CheckAndReserve("w1"); err != nil {
			t.Fatalf("spawn %d should be allowed: %v", i, err)
		}
	}
	err := tracker.CheckAndReserve("w1")
	if err == nil {
		t.Fatal("spawn beyond rate limit should be rejected")
	}
	if errors.GetCode(err) != errors.CodeRateLimitExceeded {
		t.Fatalf("expected CodeRateLimitExceeded, got %v", errors.GetCode(err))
	}
}

func TestLimitTrackerParallelLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParallelSubTasks = 2
	cfg.SubTaskSpawnRateLimit = 100
	tracker := NewLimitTracker(cfg)

	if err := tracker.CheckAndReserve("w1"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.CheckAndReserve("w1"); err != nil {
		t.Fatal(err)
	}
	err := tracker.CheckAndReserve("w1")
	if err == nil || errors.GetCode(err) != errors.CodeParallelLimitExceeded {
		t.Fatalf("expected CodeParallelLimitExceeded, got %v", err)
	}

	tracker.Release("w1")
	if err := tracker.CheckAndReserve("w1"); err != nil {
		t.Fatalf("releasing a slot should allow another spawn: %v", err)
	}
}

func TestLimitTrackerTotalLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSubTasksPerWorker = 2
	cfg.MaxParallelSubTasks = 100
	cfg.SubTaskSpawnRateLimit = 100
	tracker := NewLimitTracker(cfg)

	tracker.CheckAndReserve("w1")
	tracker.Release("w1")
	tracker.CheckAndReserve("w1")
	tracker.Release("w1")

	err := tracker.CheckAndReserve("w1")
	if err == nil || errors.GetCode(err) != errors.CodeTotalLimitExceeded {
		t.Fatalf("expected CodeTotalLimitExceeded, got %v", err)
	}
}

func TestCostLedgerAggregatesPerWorker(t *testing.T) {
	ledger := NewCostLedger()
	ledger.TrackSubTaskCost("s1", "w1", "default", 1000, 500)
	ledger.TrackSubTaskCost("s2", "w1", "default", 2000, 1000)

	total := ledger.GetTotalCostForWorker("w1")
	if total <= 0 {
		t.Fatalf("expected positive cost total, got %f", total)
	}

	entry, ok := ledger.GetSubTaskCost("s1")
	if !ok {
		t.Fatal("expected entry for s1")
	}
	if entry.PromptTokens != 1000 {
		t.Fatalf("unexpected prompt tokens: %d", entry.PromptTokens)
	}
}

func TestEmergencyStopIsIdempotent(t *testing.T) {
	engine := NewEngine(NewLimitTracker(testConfig()))
	engine.Ancestry.RegisterAncestry(AncestryEntry{SubTaskID: "s1", WorkerID: "w1"})

	var notified int
	engine.OnEmergencyStop(func(StopEvent) { notified++ })

	first := engine.EmergencyStop(ScopeSubtask, "s1", "test")
	if first.SubTasksKilled != 1 {
		t.Fatalf("expected first stop to kill 1, got %d", first.SubTasksKilled)
	}
	second := engine.EmergencyStop(ScopeSubtask, "s1", "test")
	if second.SubTasksKilled != 0 {
		t.Fatalf("expected repeated stop to kill 0, got %d", second.SubTasksKilled)
	}
	if notified != 2 {
		t.Fatalf("expected listener invoked on both calls, got %d", notified)
	}
}

func TestEmergencyStopScopeWorkerKillsAllItsSubtasks(t *testing.T) {
	engine := NewEngine(NewLimitTracker(testConfig()))
	engine.Ancestry.RegisterAncestry(AncestryEntry{SubTaskID: "s1", WorkerID: "w1"})
	engine.Ancestry.RegisterAncestry(AncestryEntry{SubTaskID: "s2", WorkerID: "w1"})
	engine.Ancestry.RegisterAncestry(AncestryEntry{SubTaskID: "s3", WorkerID: "w2"})

	result := engine.EmergencyStop(ScopeWorker, "w1", "test")
	if result.SubTasksKilled != 2 {
		t.Fatalf("expected 2 subtasks killed for w1, got %d", result.SubTasksKilled)
	}
	if len(result.KilledSubTaskIDs) != 2 {
		t.Fatalf("expected killedSubTaskIds to name both subtasks, got %v", result.KilledSubTaskIDs)
	}
	if result.Reason != "test" {
		t.Fatalf("expected reason to be carried through, got %q", result.Reason)
	}
	if _, ok := engine.Ancestry.entries["s3"]; !ok {
		t.Fatal("subtask belonging to a different worker should be unaffected")
	}
}

func TestEmergencyStopScopeGlobal(t *testing.T) {
	engine := NewEngine(NewLimitTracker(testConfig()))
	engine.Ancestry.RegisterAncestry(AncestryEntry{SubTaskID: "s1", WorkerID: "w1"})
	engine.Ancestry.RegisterAncestry(AncestryEntry{SubTaskID: "s2", WorkerID: "w2"})

	result := engine.EmergencyStop(ScopeGlobal, "", "test")
	if result.SubTasksKilled != 2 {
		t.Fatalf("expected global stop to kill everything, got %d", result.SubTasksKilled)
	}
}
