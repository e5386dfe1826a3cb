package mcpserver

import (
	"context"
	"fmt"
	"time"

	"orchestra/core/internal/permission"
	"orchestra/core/internal/worker"
)

// RouterApprovalGate adapts the hierarchical permission router to the
// ApprovalGate interface, so every tool call that passes through CallTool's
// firewall is subject to the same read/write/shell routing the tool surface
// itself uses for spawn_subtask callers. Resolve turns a wire-level runID
// into the *worker.Context a permission Request needs.
type RouterApprovalGate struct {
	Router   *permission.Router
	Resolve  WorkerResolver
	Classify ToolClassifier
}

// ToolClassifier maps an MCP tool invocation to the permission.Request
// shape, or reports ok=false for tools the permission router has no
// opinion about (e.g. read-only status queries). Sensitive reports whether
// the operation must escalate rather than auto-approve even when it
// matches a safe pattern.
type ToolClassifier func(tool string, input map[string]any) (kind permission.Kind, target string, sensitive bool, ok bool)

// DefaultToolClassifier routes the two built-in filesystem tools through
// permission.KindRead/KindWrite; every other registered tool (including
// the tool-surface bindings, which already enforce their own safety-engine
// checks) is left ungated.
func DefaultToolClassifier(tool string, input map[string]any) (permission.Kind, string, bool, bool) {
	switch tool {
	case "tool.read_file":
		path, _ := input["path"].(string)
		return permission.KindRead, path, false, true
	case "tool.write_file":
		path, _ := input["path"].(string)
		return permission.KindWrite, path, false, true
	default:
		return "", "", false, false
	}
}

func (g RouterApprovalGate) Evaluate(ctx context.Context, runID, tool string, input map[string]any) error {
	if g.Router == nil {
		return nil
	}
	classify := g.Classify
	if classify == nil {
		classify = DefaultToolClassifier
	}
	kind, target, sensitive, ok := classify(tool, input)
	if !ok {
		return nil
	}

	var wctx *worker.Context
	if g.Resolve != nil {
		wctx, _ = g.Resolve(runID)
	}

	req := permission.Request{
		ID:             runID + ":" + tool,
		OriginWorkerID: runID,
		Kind:           kind,
		Action:         tool,
		Target:         target,
		Context:        map[string]any{"isInWorktree": true},
		IsSensitive:    sensitive,
		CreatedAt:      time.Now().UTC(),
	}
	decision := g.Router.RoutePermission(ctx, req, wctx)
	if decision.Verdict != permission.Approve {
		reason := decision.Reason
		if reason == "" {
			reason = "permission denied"
		}
		return fmt.Errorf("%w: %s", ErrApprovalRequired, reason)
	}
	return nil
}
