package safety

import (
	"fmt"
	"sync"
	"time"

	"orchestra/core/internal/config"
	"orchestra/core/internal/errors"
)

// WorkerCounters tracks the live spawn bookkeeping for one worker: a sliding
// window of recent spawn timestamps (for the rate limit), a running total
// (for the lifetime cap), and a current in-flight count (for the parallel
// cap). The rate check is a sliding window rather than a token bucket so
// the limit is exactly "N spawns per window", not a refill rate.
type WorkerCounters struct {
	mu           sync.Mutex
	spawnTimes   []time.Time
	totalSpawned int
	inFlight     int
}

// LimitTracker enforces the per-worker rate/total/parallel spawn limits from
// config.SafetyConfig. One tracker is shared across all workers; each
// worker's counters are independent.
type LimitTracker struct {
	cfg config.SafetyConfig

	mu       sync.Mutex
	counters map[string]*WorkerCounters // workerID -> counters
}

func NewLimitTracker(cfg config.SafetyConfig) *LimitTracker {
	return &LimitTracker{cfg: cfg, counters: make(map[string]*WorkerCounters)}
}

func (t *LimitTracker) forWorker(workerID string) *WorkerCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.counters[workerID]
	if !ok {
		c = &WorkerCounters{}
		t.counters[workerID] = c
	}
	return c
}

// CheckAndReserve validates all three spawn limits for workerID and, if all
// pass, reserves one in-flight slot and records the spawn. Callers must
// call Release when the spawned subtask reaches a terminal state.
func (t *LimitTracker) CheckAndReserve(workerID string) error {
	c := t.forWorker(workerID)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.totalSpawned >= t.cfg.MaxSubTasksPerWorker {
		return errors.New(errors.CodeTotalLimitExceeded,
			fmt.Sprintf("worker %s has reached its lifetime limit of %d subtasks", workerID, t.cfg.MaxSubTasksPerWorker)).
			WithSuggestion("the count includes completed subtasks and is only cleared when the worker's counters are reset; spawn from a different worker")
	}

	if c.inFlight >= t.cfg.MaxParallelSubTasks {
		return errors.New(errors.CodeParallelLimitExceeded,
			fmt.Sprintf("worker %s already has %d subtasks running in parallel, the maximum", workerID, t.cfg.MaxParallelSubTasks)).
			WithSuggestion("await some in-flight subtasks before spawning more")
	}

	cutoff := now.Add(-t.cfg.SubTaskSpawnRateWindow)
	kept := c.spawnTimes[:0]
	for _, ts := range c.spawnTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.spawnTimes = kept
	if len(c.spawnTimes) >= t.cfg.SubTaskSpawnRateLimit {
		return errors.New(errors.CodeRateLimitExceeded,
			fmt.Sprintf("worker %s has spawned %d subtasks within %s, the configured rate limit", workerID, len(c.spawnTimes), t.cfg.SubTaskSpawnRateWindow)).
			WithSuggestion("retry after the rate window elapses")
	}

	c.spawnTimes = append(c.spawnTimes, now)
	c.totalSpawned++
	c.inFlight++
	return nil
}

// Release frees one in-flight slot for workerID when a spawned subtask
// reaches a terminal state. Safe to call even if nothing is in flight.
func (t *LimitTracker) Release(workerID string) {
	c := t.forWorker(workerID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
}

// Snapshot reports the current counters for a worker, for status surfaces.
func (t *LimitTracker) Snapshot(workerID string) (totalSpawned, inFlight, recentSpawns int) {
	c := t.forWorker(workerID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSpawned, c.inFlight, len(c.spawnTimes)
}

// Reset clears all counters for a worker. Used when a worker is torn down.
func (t *LimitTracker) Reset(workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counters, workerID)
}
