package updatebus

import "testing"

func TestQueueAndConsumeUpdates(t *testing.T) {
	bus := New(0)
	bus.QueueUpdate("parent-1", Update{SubTaskID: "s1", Kind: KindProgress, Message: "halfway"})
	bus.QueueUpdate("parent-1", Update{SubTaskID: "s1", Kind: KindCompleted, Message: "done"})

	updates := bus.ConsumeUpdates("parent-1")
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Kind != KindProgress || updates[1].Kind != KindCompleted {
		t.Fatalf("expected FIFO order, got %+v", updates)
	}

	if remaining := bus.ConsumeUpdates("parent-1"); len(remaining) != 0 {
		t.Fatalf("expected queue drained after consume, got %d left", len(remaining))
	}
}

func TestPushHandlerReceivesImmediately(t *testing.T) {
	bus := New(0)
	var got Update
	bus.RegisterStandaloneParentHandler("parent-1", func(u Update) { got = u })

	bus.QueueUpdate("parent-1", Update{SubTaskID: "s1", Kind: KindMessage, Message: "hello"})
	if got.Message != "hello" {
		t.Fatalf("expected push handler to receive update, got %+v", got)
	}

	// Queue is still the durable record even when a handler is registered.
	if pending := bus.Pending("parent-1"); pending != 1 {
		t.Fatalf("expected update also queued, got pending=%d", pending)
	}
}

func TestRegisterStandaloneParentHandlerLastWriterWins(t *testing.T) {
	bus := New(0)
	var first, second bool
	bus.RegisterStandaloneParentHandler("parent-1", func(Update) { first = true })
	bus.RegisterStandaloneParentHandler("parent-1", func(Update) { second = true })

	bus.QueueUpdate("parent-1", Update{SubTaskID: "s1", Kind: KindMessage})
	if first {
		t.Fatal("expected first handler to be replaced")
	}
	if !second {
		t.Fatal("expected second (latest) handler to fire")
	}
}

func TestDropPolicyPrefersDroppingNonTerminalUpdates(t *testing.T) {
	bus := New(2)
	bus.QueueUpdate("parent-1", Update{SubTaskID: "s1", Kind: KindProgress, Message: "1"})
	bus.QueueUpdate("parent-1", Update{SubTaskID: "s1", Kind: KindCompleted, Message: "2"})
	bus.QueueUpdate("parent-1", Update{SubTaskID: "s2", Kind: KindProgress, Message: "3"})

	updates := bus.ConsumeUpdates("parent-1")
	if len(updates) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(updates))
	}
	for _, u := range updates {
		if u.Kind.IsTerminal() && u.Message != "2" {
			t.Fatalf("unexpected terminal update retained: %+v", u)
		}
	}
	foundCompleted := false
	for _, u := range updates {
		if u.Kind == KindCompleted {
			foundCompleted = true
		}
	}
	if !foundCompleted {
		t.Fatal("expected the terminal 'completed' update to survive the drop")
	}
}

func TestPendingWithNoQueueIsZero(t *testing.T) {
	bus := New(0)
	if bus.Pending("nobody") != 0 {
		t.Fatal("expected zero pending for an unknown parent")
	}
}

func TestSummaryProgressUsesProgressReport(t *testing.T) {
	u := Update{Kind: KindProgress, ProgressReport: "indexing files", Message: "fallback"}
	if got, want := u.Summary(), "[progress] indexing files"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSummaryIdleUsesIdleReason(t *testing.T) {
	u := Update{Kind: KindIdle, IdleReason: "waiting on user input"}
	if got, want := u.Summary(), "[idle] waiting on user input"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSummaryCompletedUsesSubTaskIDAndMessage(t *testing.T) {
	u := Update{Kind: KindCompleted, SubTaskID: "s1", Message: "all good"}
	if got, want := u.Summary(), "s1 completed: all good"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSummaryMessageIncludesParentWorkerID(t *testing.T) {
	u := Update{Kind: KindMessage, ParentWorkerID: "worker-9", Message: "ping"}
	if got, want := u.Summary(), "message from worker-9: ping"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSummaryErrorFormatsRetryInfoAndErrorType(t *testing.T) {
	u := Update{
		Kind:      KindError,
		Error:     "connection reset",
		ErrorType: "network",
		RetryInfo: &RetryInfo{Attempt: 2, MaxAttempts: 4, WillRetry: true, NextRetryInMs: 5000},
	}
	if got, want := u.Summary(), "📡 Network error (attempt 2/4): Waiting 5s — connection reset"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSummaryErrorFallsBackToGenericLabelForUnknownType(t *testing.T) {
	u := Update{Kind: KindError, Error: "boom"}
	if got, want := u.Summary(), "⚠️ Error (attempt 1/1): Waiting 0s — boom"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
