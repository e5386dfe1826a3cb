// Package worker defines the immutable per-worker identity that flows through
// the orchestration core: who a worker is, how deep it sits in a spawn chain,
// which worktree it owns, and (if any) who owns it for permission routing.
//
// WorkerContext is captured exactly once, at worker start, and never
// regenerated. An earlier design generated a default context lazily on every
// access; that broke update routing because two accesses could mint two
// different worker ids for what should have been one worker. Callers must
// construct a Context via New and carry the pointer for the worker's
// lifetime — there is deliberately no "get or create" accessor here.
package worker

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"orchestra/core/internal/errors"
)

// ID uniquely and stably identifies a worker for its lifetime.
type ID string

// SpawnContext classifies what kind of entity rooted a spawn chain.
type SpawnContext string

const (
	// SpawnOrchestrator roots a chain deployed by the orchestrator from a plan task.
	SpawnOrchestrator SpawnContext = "orchestrator"
	// SpawnAgent roots a chain started by a standalone agent session.
	SpawnAgent SpawnContext = "agent"
	// SpawnSubtask marks a worker deployed to run a delegated subtask; it is
	// never itself a root — its effective depth policy is inherited from
	// whichever of the above rooted the chain it descends from.
	SpawnSubtask SpawnContext = "subtask"
)

// OwnerType distinguishes who owns a worker for permission-routing purposes.
type OwnerType string

const (
	OwnerOrchestrator OwnerType = "orchestrator"
	OwnerWorker       OwnerType = "worker"
)

// Owner names the entity a worker answers to when a permission request must
// be routed up the parent chain.
type Owner struct {
	OwnerID   string
	OwnerType OwnerType
}

// Context is the immutable identity of a single worker. Every field is set
// at construction and never mutated afterward.
type Context struct {
	WorkerID     ID
	TaskID       string
	PlanID       string
	WorktreePath string
	Depth        int
	SpawnContext SpawnContext
	// RootContext records which genuine root (orchestrator or agent) this
	// worker's chain descends from. For a root worker it equals SpawnContext;
	// for a worker deployed to run a subtask it is inherited from whichever
	// root started the chain, resolved once here rather than re-derived by
	// walking ancestry on every depth check (see internal/safety).
	RootContext SpawnContext
	Owner       *Owner
	CreatedAt   time.Time
}

// Options supplies the inputs New resolves into a Context. WorktreePath is
// the worktree the worker was actually deployed into (e.g. a per-subtask
// checkout); MainWorkspaceRoot is the fallback considered when WorktreePath
// is unset. The process's current working directory is intentionally never
// consulted — a worker with no resolvable worktree must fail loudly rather
// than silently operate on whatever directory the host process happened to
// start in.
type Options struct {
	WorkerID          ID
	TaskID            string
	PlanID            string
	WorktreePath      string
	MainWorkspaceRoot string
	Depth             int
	SpawnContext      SpawnContext
	// ParentRootContext must be supplied when SpawnContext is SpawnSubtask;
	// it is ignored (and RootContext is set equal to SpawnContext) for a
	// root worker.
	ParentRootContext SpawnContext
	Owner             *Owner
}

// New resolves Options into a Context, failing with CodeNoWorkspace if no
// worktree root can be determined from any candidate source.
func New(opts Options) (*Context, error) {
	root, candidates, rejected := resolveWorkspaceRoot(opts)
	if root == "" {
		return nil, errors.New(errors.CodeNoWorkspace,
			fmt.Sprintf("no workspace root could be determined; candidates considered: %s; rejected: %s",
				strings.Join(candidates, ", "), rejected)).
			WithSuggestion("pass an explicit worktree path or a main workspace root")
	}
	if marker, ok := installDirectoryMarker(root); ok {
		return nil, errors.New(errors.CodeInvalidWorkingDir,
			fmt.Sprintf("resolved workspace root %q looks like an editor install directory (matched %q), not a project checkout; candidates considered: %s",
				root, marker, strings.Join(candidates, ", "))).
			WithSuggestion("open a real project folder as the workspace root instead of the editor's own install path")
	}

	id := opts.WorkerID
	if id == "" {
		id = ID(uuid.New().String())
	}
	if opts.SpawnContext == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "worker context requires a spawn context")
	}
	if opts.Depth < 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "worker context depth must be >= 0")
	}

	rootContext := opts.SpawnContext
	if opts.SpawnContext == SpawnSubtask {
		if opts.ParentRootContext != SpawnOrchestrator && opts.ParentRootContext != SpawnAgent {
			return nil, errors.New(errors.CodeInvalidArgument, "a subtask worker context requires a parent root context of orchestrator or agent")
		}
		rootContext = opts.ParentRootContext
	}

	return &Context{
		WorkerID:     id,
		TaskID:       opts.TaskID,
		PlanID:       opts.PlanID,
		WorktreePath: root,
		Depth:        opts.Depth,
		SpawnContext: opts.SpawnContext,
		RootContext:  rootContext,
		Owner:        opts.Owner,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// resolveWorkspaceRoot picks a worktree path from the candidate sources in
// priority order: the per-worker worktree, then the main workspace root.
// It returns the chosen root (empty if none), the list of candidates it
// considered for diagnostics, and, when no root was found, a note naming
// the process working directory as the source that is never considered
// (empty when a root was found).
func resolveWorkspaceRoot(opts Options) (root string, candidates []string, rejected string) {
	candidates = []string{
		fmt.Sprintf("worker-context worktree=%q", opts.WorktreePath),
		fmt.Sprintf("main workspace=%q", opts.MainWorkspaceRoot),
	}
	if p := strings.TrimSpace(opts.WorktreePath); p != "" {
		return p, candidates, ""
	}
	if p := strings.TrimSpace(opts.MainWorkspaceRoot); p != "" {
		return p, candidates, ""
	}
	return "", candidates, "process working directory (not considered by design)"
}

// installDirectoryMarkers are path fragments that identify a resolved
// workspace root as the editor's own installation directory rather than an
// opened project checkout — e.g. a worktree that accidentally resolved to
// the running editor's install path. Distinct from CodeNoWorkspace (no
// candidate at all): here a candidate exists but names the wrong kind of
// directory.
var installDirectoryMarkers = []string{
	filepath.Join("Contents", "Resources", "app"),
	filepath.Join("AppData", "Local", "Programs"),
	filepath.Join("resources", "app"),
	filepath.Join("resources", "app.asar.unpacked"),
}

func installDirectoryMarker(root string) (string, bool) {
	clean := filepath.Clean(root)
	for _, marker := range installDirectoryMarkers {
		if strings.Contains(clean, marker) {
			return marker, true
		}
	}
	return "", false
}

// NewStandaloneID mints a stable per-session id for a standalone worker that
// did not spawn from a plan deployment.
func NewStandaloneID() ID {
	return ID(fmt.Sprintf("standalone-%d-%s", time.Now().UTC().UnixNano(), uuid.NewString()))
}

// IsRoot reports whether this context's spawn context is a legitimate root
// (orchestrator or agent) rather than a derived subtask context.
func (c *Context) IsRoot() bool {
	return c.SpawnContext == SpawnOrchestrator || c.SpawnContext == SpawnAgent
}

// HasOwner reports whether this worker answers to a parent for permission routing.
func (c *Context) HasOwner() bool {
	return c.Owner != nil
}
