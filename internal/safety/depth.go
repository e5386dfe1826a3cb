// Package safety is the depth/cycle/rate/cost guard engine that every
// subtask spawn must pass through. The depth policy is root-context
// dependent: the limit that applies to a spawn belongs to whichever root
// (orchestrator or standalone agent) started the chain, not to the
// immediate parent's own context.
package safety

import (
	"fmt"

	"orchestra/core/internal/config"
	"orchestra/core/internal/errors"
	"orchestra/core/internal/worker"
)

// EffectiveMaxDepth returns the maximum parentDepth a chain rooted in the
// given context may reach before spawning is refused. Only orchestrator and
// agent are valid roots; subtask is never a root — callers resolve a
// subtask's root context from its ancestor chain before calling this.
func EffectiveMaxDepth(cfg config.SafetyConfig, root worker.SpawnContext) int {
	if root == worker.SpawnOrchestrator {
		return cfg.MaxDepthFromOrchestrator
	}
	return cfg.MaxDepthFromAgent
}

// EnforceDepthLimit fails with CodeDepthLimitExceeded when parentDepth has
// already reached the root's effective maximum — i.e. spawning a child one
// level deeper would exceed it.
func EnforceDepthLimit(cfg config.SafetyConfig, parentDepth int, root worker.SpawnContext) error {
	maxDepth := EffectiveMaxDepth(cfg, root)
	if parentDepth >= maxDepth {
		hint := "Standalone agents can only spawn 1 level of subtasks"
		if root == worker.SpawnOrchestrator {
			hint = fmt.Sprintf("Cannot spawn deeper than %d levels from the orchestrator", maxDepth)
		}
		return errors.New(errors.CodeDepthLimitExceeded,
			fmt.Sprintf("Cannot spawn deeper: depth %d has reached the maximum of %d for root context %q", parentDepth, maxDepth, root)).
			WithSuggestion(hint).
			WithContext("parent_depth", fmt.Sprintf("%d", parentDepth)).
			WithContext("max_depth", fmt.Sprintf("%d", maxDepth)).
			WithContext("root_context", string(root))
	}
	return nil
}

// ResolveRootContext translates an immediate spawn context into the root
// context used for depth policy: a subtask spawn context inherits the
// numeric limit of whichever root (orchestrator or agent) started the
// chain. parentRoot is the root context recorded on the parent
// subtask/worker (empty/irrelevant when spawnContext already is a root).
func ResolveRootContext(spawnContext worker.SpawnContext, parentRoot worker.SpawnContext) worker.SpawnContext {
	if spawnContext != worker.SpawnSubtask {
		return spawnContext
	}
	if parentRoot == worker.SpawnOrchestrator {
		return worker.SpawnOrchestrator
	}
	return worker.SpawnAgent
}
