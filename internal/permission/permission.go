// Package permission implements the hierarchical permission router: it
// resolves sensitive-operation requests by walking up the requester's
// owner chain, auto-approving against policy when possible, escalating to
// the owner and ultimately to a human otherwise. Decisions are memoised
// per session by kind:action:target.
package permission

import (
	"context"
	"strings"
	"sync"
	"time"

	"orchestra/core/internal/config"
	"orchestra/core/internal/storage"
	"orchestra/core/internal/telemetry"
	"orchestra/core/internal/worker"
)

type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
	KindShell Kind = "shell"
	KindMCP   Kind = "mcp"
)

type DecisionVerdict string

const (
	Approve DecisionVerdict = "approve"
	Deny    DecisionVerdict = "deny"
)

type DecidedBy string

const (
	DecidedByAutoPolicy DecidedBy = "auto-policy"
	DecidedByOwner      DecidedBy = "owner"
	DecidedByUser       DecidedBy = "user"
	DecidedBySession    DecidedBy = "session-memo"
)

type Remember string

const (
	RememberSession Remember = "session"
	RememberAlways  Remember = "always"
	RememberNever   Remember = "never"
)

// Request is one sensitive-operation approval check.
type Request struct {
	ID             string
	OriginWorkerID string
	OriginDepth    int
	Kind           Kind
	Action         string
	Target         string
	Context        map[string]any
	IsSensitive    bool
	Timeout        time.Duration
	CreatedAt      time.Time
}

// Decision is the terminal outcome of routePermission.
type Decision struct {
	Verdict   DecisionVerdict
	Reason    string
	DecidedBy DecidedBy
	Remember  Remember
}

// Policy supplies the auto-approval allowlists agent discovery contributes.
type Policy struct {
	SafeReadPatterns            []string
	SafeWritePatternsInWorktree []string
	SafeCommands                []string
}

// FallbackToUser is the out-of-scope collaborator that prompts a human.
type FallbackToUser func(ctx context.Context, req Request) Decision

// OwnerQueue delivers an escalated request to its owner and waits (up to
// req.Timeout) for a matching response. Modeled as a collaborator function
// rather than a concrete queue type so the orchestrator and tool surface
// can wire it to however workers actually receive messages.
type OwnerQueue func(ctx context.Context, ownerID string, req Request) (Decision, bool)

// Router routes permission requests. One Router instance is shared across
// a session so its session-memoisation table is meaningful.
type Router struct {
	cfg        config.PermissionConfig
	policy     Policy
	fallback   FallbackToUser
	ownerQueue OwnerQueue
	store      storage.ApprovalStore

	mu   sync.RWMutex
	memo map[string]Decision // "kind:action:target" -> decision
}

// NewRouter builds a Router. store is optional (a nil interface value is
// fine and leaves remembered decisions scoped to the process's in-memory
// table); when a *storage.SQLiteStore is attached, Remember=always decisions
// are durably persisted and recalled across process restarts, while
// Remember=session decisions stay in the in-memory table only.
func NewRouter(cfg config.PermissionConfig, policy Policy, fallback FallbackToUser, ownerQueue OwnerQueue, store storage.ApprovalStore) *Router {
	return &Router{
		cfg:        cfg,
		policy:     policy,
		fallback:   fallback,
		ownerQueue: ownerQueue,
		store:      store,
		memo:       make(map[string]Decision),
	}
}

// SetPolicy replaces the auto-approval allowlists, e.g. when agent
// discovery reloads its declarations.
func (r *Router) SetPolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

func memoKey(req Request) string {
	var b strings.Builder
	b.WriteString(string(req.Kind))
	b.WriteByte(':')
	b.WriteString(req.Action)
	b.WriteByte(':')
	b.WriteString(req.Target)
	return b.String()
}

// RoutePermission resolves a request: session memo, durable recall,
// auto-approval policy, owner escalation, then the user boundary.
func (r *Router) RoutePermission(ctx context.Context, req Request, wctx *worker.Context) Decision {
	key := memoKey(req)

	r.mu.RLock()
	if cached, ok := r.memo[key]; ok {
		r.mu.RUnlock()
		cached.DecidedBy = DecidedBySession
		return cached
	}
	r.mu.RUnlock()

	if decision, ok := r.recall(ctx, key); ok {
		decision.DecidedBy = DecidedBySession
		r.mu.Lock()
		r.memo[key] = decision
		r.mu.Unlock()
		return decision
	}

	if ctx.Err() != nil {
		return counted(Decision{Verdict: Deny, Reason: "cancelled", DecidedBy: DecidedByUser})
	}

	if wctx == nil || !wctx.HasOwner() {
		decision := r.fallback(ctx, req)
		decision.DecidedBy = DecidedByUser
		r.remember(key, decision)
		return counted(decision)
	}

	r.mu.RLock()
	policy := r.policy
	r.mu.RUnlock()

	if decision, decided := handleAsParent(req, policy); decided {
		decision.DecidedBy = DecidedByAutoPolicy
		r.remember(key, decision)
		return counted(decision)
	}

	// Escalate to the owner, then to the user on timeout or owner-escalate.
	escalateCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		escalateCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if r.ownerQueue != nil {
		decision, ok := r.ownerQueue(escalateCtx, wctx.Owner.OwnerID, req)
		if ok {
			decision.DecidedBy = DecidedByOwner
			r.remember(key, decision)
			return counted(decision)
		}
	}

	// Either the owner queue timed out or the owner itself escalated
	// (ok=false): both fall through to the user boundary. A cancellation of
	// the original ctx (not just the escalation timeout) denies outright.
	if ctx.Err() != nil {
		return counted(Decision{Verdict: Deny, Reason: "cancelled", DecidedBy: DecidedByUser})
	}

	decision := r.fallback(ctx, req)
	decision.DecidedBy = DecidedByUser
	r.remember(key, decision)
	return counted(decision)
}

// counted records a freshly made (non-memoised) decision in the process
// metrics before handing it back.
func counted(d Decision) Decision {
	telemetry.M().Counter("permission." + string(d.Verdict))
	return d
}

// remember stores decision in the session memoisation table unless the
// caller explicitly set Remember=never. Remember=always additionally
// persists the decision via r.store (when attached) so it survives past
// this process's lifetime; Remember=session stays in-memory only.
func (r *Router) remember(key string, decision Decision) {
	if decision.Remember == RememberNever {
		return
	}
	r.mu.Lock()
	r.memo[key] = decision
	r.mu.Unlock()

	if decision.Remember == RememberAlways && r.store != nil {
		rec := storage.ApprovalRecord{
			Key:       key,
			Verdict:   string(decision.Verdict),
			Reason:    decision.Reason,
			Remember:  string(decision.Remember),
			CreatedAt: time.Now().UTC(),
		}
		// Best-effort: a persistence failure must not block the caller that
		// is already holding an in-memory decision for this session.
		_ = r.store.PutApproval(context.Background(), rec)
	}
}

// recall looks up key in the durable store, translating a found
// ApprovalRecord back into a Decision. Absent a store, or on a miss, ok is
// false and the caller proceeds through the normal routing algorithm.
func (r *Router) recall(ctx context.Context, key string) (Decision, bool) {
	if r.store == nil {
		return Decision{}, false
	}
	rec, err := r.store.GetApproval(ctx, key)
	if err != nil {
		return Decision{}, false
	}
	return Decision{
		Verdict:  DecisionVerdict(rec.Verdict),
		Reason:   rec.Reason,
		Remember: Remember(rec.Remember),
	}, true
}

// handleAsParent is the synchronous, pure auto-approval check. It never
// blocks and never consults a human.
func handleAsParent(req Request, policy Policy) (Decision, bool) {
	switch {
	case req.Kind == KindRead && matchesAny(req.Target, policy.SafeReadPatterns):
		return Decision{Verdict: Approve, Reason: "matches safe read pattern", Remember: RememberSession}, true
	case req.Kind == KindWrite && isInWorktree(req) && matchesAny(req.Target, policy.SafeWritePatternsInWorktree):
		return Decision{Verdict: Approve, Reason: "matches safe write pattern in worktree", Remember: RememberSession}, true
	case req.Kind == KindShell && matchesCommandPrefix(req.Target, policy.SafeCommands):
		return Decision{Verdict: Approve, Reason: "matches safe command prefix", Remember: RememberSession}, true
	case req.IsSensitive:
		return Decision{}, false
	default:
		return Decision{}, false
	}
}

func isInWorktree(req Request) bool {
	v, ok := req.Context["isInWorktree"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func matchesAny(target string, patterns []string) bool {
	for _, p := range patterns {
		if matchGlob(p, target) {
			return true
		}
	}
	return false
}

func matchesCommandPrefix(target string, commands []string) bool {
	lower := strings.ToLower(strings.TrimSpace(target))
	for _, c := range commands {
		if strings.HasPrefix(lower, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

// matchGlob supports an exact match, a trailing "**" or "*" (prefix match),
// or a leading "*" (suffix match), enough for patterns like "src/**" or
// "*.md" as used by safeReadPatterns/safeWritePatterns. A "*" in the middle
// of a pattern is not treated as a wildcard.
func matchGlob(pattern, target string) bool {
	if pattern == target {
		return true
	}
	if strings.HasSuffix(pattern, "**") {
		return strings.HasPrefix(target, strings.TrimSuffix(pattern, "**"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(target, strings.TrimPrefix(pattern, "*"))
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(target, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
