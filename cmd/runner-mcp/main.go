// Command runner-mcp serves the orchestration core's tool surface over
// the Model Context Protocol, either on stdio or as an HTTP endpoint. It
// wires one standalone session worker (spawnContext=agent, depth 0) plus
// the full orchestration stack behind it; every other worker a session
// creates by delegating (spawn_subtask, plan_deploy) is resolved the same
// way through the orchestrator's worker registry.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"orchestra/core/internal/agentdiscovery"
	"orchestra/core/internal/config"
	"orchestra/core/internal/mcpserver"
	"orchestra/core/internal/orchestrator"
	"orchestra/core/internal/permission"
	"orchestra/core/internal/storage"
	"orchestra/core/internal/subtask"
	"orchestra/core/internal/toolsurface"
	"orchestra/core/internal/worker"
)

// placeholderRuntime stands in for the LLM transport collaborator: it
// never calls a model, it just marks the subtask done so the orchestration
// lifecycle (depth/cycle/rate checks, update-bus delivery, terminal
// transitions) can be exercised end-to-end without a real backend
// attached.
type placeholderRuntime struct{}

func (placeholderRuntime) Run(_ context.Context, agentType, prompt, worktreePath string) (subtask.AgentRunResult, error) {
	return subtask.AgentRunResult{
		Status: "completed",
		Output: "no agent runtime configured; echoing request for " + agentType + " in " + worktreePath,
		Model:  "none",
	}, nil
}

func main() {
	workspace := os.Getenv("RUNNER_WORKSPACE")
	if workspace == "" {
		workspace = "."
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	registry := agentdiscovery.NewRegistry()
	orch := orchestrator.New(cfg, placeholderRuntime{})

	sessionCtx, err := worker.New(worker.Options{
		WorkerID:          worker.NewStandaloneID(),
		WorktreePath:      workspace,
		MainWorkspaceRoot: workspace,
		Depth:             0,
		SpawnContext:      worker.SpawnAgent,
	})
	if err != nil {
		log.Fatalf("construct session worker context: %v", err)
	}
	orch.RegisterWorker(sessionCtx)

	var auditStore *storage.SQLiteStore
	if cfg.Storage.Enabled {
		auditStore, err = storage.NewSQLiteStore(cfg.Storage.DBPath)
		if err != nil {
			log.Fatalf("open storage: %v", err)
		}
		defer auditStore.Close()
	}

	var approvalStore storage.ApprovalStore
	if auditStore != nil {
		approvalStore = auditStore
	}
	router := permission.NewRouter(cfg.Permission, registry.Policy(), consoleFallback, nil, approvalStore)
	ts := toolsurface.New(orch, router, registry)

	capabilities := strings.Split(os.Getenv("RUNNER_CAPABILITIES"), ",")
	policy := mcpserver.NewStaticPolicy(capabilities)

	var audit mcpserver.AuditLogger = mcpserver.LogAuditLogger{}
	if auditStore != nil {
		audit = mcpserver.StorageAuditLogger{Store: auditStore}
	}

	resolveWorker := func(runID string) (*worker.Context, error) {
		if runID == "" || runID == string(sessionCtx.WorkerID) {
			return sessionCtx, nil
		}
		return orch.GetWorker(worker.ID(runID))
	}

	approvalGate := mcpserver.RouterApprovalGate{Router: router, Resolve: resolveWorker}
	srv := mcpserver.New(workspace, policy, audit, mcpserver.WithApprovalGate(approvalGate))
	mcpserver.BindToolSurface(srv, ts, resolveWorker)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpAddr := os.Getenv("RUNNER_MCP_HTTP_ADDR")
	if httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/mcp", mcpserver.HTTPHandler(srv))
		server := &http.Server{Addr: httpAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			_ = server.Shutdown(context.Background())
		}()
		log.Printf("runner MCP HTTP listening on %s", httpAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
		return
	}

	log.Printf("runner MCP serving over stdio")
	if err := mcpserver.RunStdio(ctx, srv, string(sessionCtx.WorkerID)); err != nil {
		log.Fatal(err)
	}
}

// consoleFallback is the minimal "ask user" boundary collaborator. A
// headless MCP transport has no UI thread to prompt synchronously, so it
// logs the request and denies by default — conservative rather than
// silently auto-approving sensitive operations.
func consoleFallback(_ context.Context, req permission.Request) permission.Decision {
	log.Printf("permission escalated to user: kind=%s action=%s target=%s (denying by default; no interactive UI attached)", req.Kind, req.Action, req.Target)
	return permission.Decision{Verdict: permission.Deny, Reason: "no interactive approval UI attached"}
}
