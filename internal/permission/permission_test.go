package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"orchestra/core/internal/config"
	"orchestra/core/internal/storage"
	"orchestra/core/internal/worker"
)

// fakeApprovalStore is an in-memory stand-in for storage.ApprovalStore, used
// to verify Router persists Remember=always decisions without pulling an
// actual SQLite file into this package's tests.
type fakeApprovalStore struct {
	mu   sync.Mutex
	rows map[string]storage.ApprovalRecord
	puts int
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{rows: make(map[string]storage.ApprovalRecord)}
}

func (f *fakeApprovalStore) PutApproval(ctx context.Context, rec storage.ApprovalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rec.Key] = rec
	f.puts++
	return nil
}

func (f *fakeApprovalStore) GetApproval(ctx context.Context, key string) (storage.ApprovalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[key]
	if !ok {
		return storage.ApprovalRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func testRouter(t *testing.T, fallback FallbackToUser, ownerQueue OwnerQueue) *Router {
	t.Helper()
	cfg := config.Default().Permission
	policy := Policy{
		SafeReadPatterns:            []string{"src/**"},
		SafeWritePatternsInWorktree: []string{"src/**"},
		SafeCommands:                []string{"ls", "git status"},
	}
	return NewRouter(cfg, policy, fallback, ownerQueue, nil)
}

func ownedWorker(t *testing.T) *worker.Context {
	t.Helper()
	ctx, err := worker.New(worker.Options{
		MainWorkspaceRoot: "/work",
		SpawnContext:      worker.SpawnSubtask,
		ParentRootContext: worker.SpawnOrchestrator,
		Owner:             &worker.Owner{OwnerID: "w-parent", OwnerType: worker.OwnerWorker},
	})
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

func TestAutoApproveReadMatchingSafePattern(t *testing.T) {
	fallbackCalled := false
	fallback := func(ctx context.Context, req Request) Decision {
		fallbackCalled = true
		return Decision{Verdict: Deny}
	}
	router := testRouter(t, fallback, nil)
	wctx := ownedWorker(t)

	decision := router.RoutePermission(context.Background(), Request{Kind: KindRead, Target: "src/foo.ts"}, wctx)
	if decision.Verdict != Approve {
		t.Fatalf("expected auto-approve, got %+v", decision)
	}
	if decision.DecidedBy != DecidedByAutoPolicy {
		t.Fatalf("expected auto-policy decision, got %s", decision.DecidedBy)
	}
	if fallbackCalled {
		t.Fatal("fallback should not be consulted for an auto-approved request")
	}
}

func TestRepeatedRequestReturnsSessionMemoisedDecision(t *testing.T) {
	calls := 0
	fallback := func(ctx context.Context, req Request) Decision {
		calls++
		return Decision{Verdict: Deny}
	}
	router := testRouter(t, fallback, nil)
	wctx := ownedWorker(t)
	req := Request{Kind: KindRead, Target: "src/foo.ts"}

	first := router.RoutePermission(context.Background(), req, wctx)
	second := router.RoutePermission(context.Background(), req, wctx)

	if first.Verdict != second.Verdict {
		t.Fatalf("expected identical verdicts, got %v vs %v", first, second)
	}
	if second.DecidedBy != DecidedBySession {
		t.Fatalf("expected second call to be session-memoised, got %s", second.DecidedBy)
	}
}

func TestRememberAlwaysPersistsToStoreAndSurvivesAcrossRouters(t *testing.T) {
	store := newFakeApprovalStore()
	cfg := config.Default().Permission
	policy := Policy{}

	calls := 0
	fallback := func(ctx context.Context, req Request) Decision {
		calls++
		return Decision{Verdict: Approve, Reason: "approved by human", Remember: RememberAlways}
	}
	router := NewRouter(cfg, policy, fallback, nil, store)

	standalone, err := worker.New(worker.Options{MainWorkspaceRoot: "/work", SpawnContext: worker.SpawnAgent})
	if err != nil {
		t.Fatal(err)
	}
	req := Request{Kind: KindWrite, Target: "infra/prod.yaml"}

	first := router.RoutePermission(context.Background(), req, standalone)
	if first.Verdict != Approve {
		t.Fatalf("expected approve, got %+v", first)
	}
	if store.puts != 1 {
		t.Fatalf("expected RememberAlways decision to be persisted, got %d puts", store.puts)
	}

	// A fresh Router backed by the same store must recall the decision
	// without consulting the fallback again.
	fresh := NewRouter(cfg, policy, fallback, nil, store)
	second := fresh.RoutePermission(context.Background(), req, standalone)
	if calls != 1 {
		t.Fatalf("expected fallback consulted exactly once, got %d", calls)
	}
	if second.Verdict != Approve || second.DecidedBy != DecidedBySession {
		t.Fatalf("expected recalled decision from store, got %+v", second)
	}
}

func TestNoOwnerRoutesDirectlyToUser(t *testing.T) {
	called := false
	fallback := func(ctx context.Context, req Request) Decision {
		called = true
		return Decision{Verdict: Approve}
	}
	router := testRouter(t, fallback, nil)

	standalone, err := worker.New(worker.Options{MainWorkspaceRoot: "/work", SpawnContext: worker.SpawnAgent})
	if err != nil {
		t.Fatal(err)
	}

	decision := router.RoutePermission(context.Background(), Request{Kind: KindWrite, Target: "anywhere"}, standalone)
	if !called {
		t.Fatal("expected fallback to be consulted when worker has no owner")
	}
	if decision.DecidedBy != DecidedByUser {
		t.Fatalf("expected user decision, got %s", decision.DecidedBy)
	}
}

func TestSensitiveRequestEscalatesRatherThanAutoApproving(t *testing.T) {
	fallbackCalled := false
	fallback := func(ctx context.Context, req Request) Decision {
		fallbackCalled = true
		return Decision{Verdict: Deny, Reason: "user said no"}
	}
	router := testRouter(t, fallback, nil)
	wctx := ownedWorker(t)

	decision := router.RoutePermission(context.Background(), Request{Kind: KindShell, Target: "rm -rf /", IsSensitive: true}, wctx)
	if !fallbackCalled {
		t.Fatal("expected sensitive request to escalate all the way to the user")
	}
	if decision.Verdict != Deny {
		t.Fatalf("expected deny, got %+v", decision)
	}
}

func TestOwnerEscalationTimeoutFallsBackToUser(t *testing.T) {
	ownerQueue := func(ctx context.Context, ownerID string, req Request) (Decision, bool) {
		<-ctx.Done()
		return Decision{}, false
	}
	fallback := func(ctx context.Context, req Request) Decision {
		return Decision{Verdict: Approve}
	}
	router := testRouter(t, fallback, ownerQueue)
	wctx := ownedWorker(t)

	decision := router.RoutePermission(context.Background(), Request{
		Kind:    KindShell,
		Target:  "rm file",
		Timeout: 10 * time.Millisecond,
	}, wctx)
	if decision.Verdict != Approve {
		t.Fatalf("expected fallback to resolve after owner timeout, got %+v", decision)
	}
}

func TestCancelledRequestDeniesWithReason(t *testing.T) {
	router := testRouter(t, func(ctx context.Context, req Request) Decision {
		return Decision{Verdict: Approve}
	}, nil)
	wctx := ownedWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision := router.RoutePermission(ctx, Request{Kind: KindRead, Target: "unmatched"}, wctx)
	if decision.Verdict != Deny || decision.Reason != "cancelled" {
		t.Fatalf("expected cancelled denial, got %+v", decision)
	}
}

func TestShellCommandPrefixMatchIsCaseInsensitive(t *testing.T) {
	router := testRouter(t, func(ctx context.Context, req Request) Decision {
		return Decision{Verdict: Deny}
	}, nil)
	wctx := ownedWorker(t)

	decision := router.RoutePermission(context.Background(), Request{Kind: KindShell, Target: "GIT STATUS --short"}, wctx)
	if decision.Verdict != Approve {
		t.Fatalf("expected case-insensitive prefix match to auto-approve, got %+v", decision)
	}
}
