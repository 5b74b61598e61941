package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/xiaot623/sentinel/internal/domain"
)

func newTestStore(t *testing.T, limits Limits) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", limits)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testCall(id, incidentID string) *domain.CallRecord {
	started := time.Now().UTC()
	done := started.Add(120 * time.Millisecond)
	return &domain.CallRecord{
		CallID:      id,
		IncidentID:  incidentID,
		FromAgent:   "orchestrator",
		ToAgent:     "monitor",
		ToolName:    "monitor.get_metrics",
		Params:      json.RawMessage(`{"service":"payment-service"}`),
		Status:      domain.CallStatusSuccess,
		Result:      json.RawMessage(`{"cpu_percent":95}`),
		StartedAt:   started,
		CompletedAt: &done,
		ElapsedMs:   120,
	}
}

func TestSQLiteStoreCalls(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Limits{})

	if err := store.AppendCall(ctx, testCall("mcp-1", "INC-1")); err != nil {
		t.Fatalf("AppendCall failed: %v", err)
	}
	if err := store.AppendCall(ctx, testCall("mcp-2", "INC-2")); err != nil {
		t.Fatalf("AppendCall failed: %v", err)
	}

	got, err := store.GetCall(ctx, "mcp-1")
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if got == nil || got.IncidentID != "INC-1" || got.Status != domain.CallStatusSuccess {
		t.Fatalf("unexpected call: %+v", got)
	}
	if string(got.Result) != `{"cpu_percent":95}` {
		t.Fatalf("unexpected result: %s", got.Result)
	}
	if got.CompletedAt == nil || got.ElapsedMs != 120 {
		t.Fatalf("expected completion data, got %+v", got)
	}

	missing, err := store.GetCall(ctx, "mcp-404")
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing call, got %+v", missing)
	}

	calls, err := store.ListCalls(ctx, domain.CallFilter{})
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(calls) != 2 || calls[0].CallID != "mcp-2" {
		t.Fatalf("expected newest first, got %+v", calls)
	}

	calls, err = store.ListCalls(ctx, domain.CallFilter{IncidentID: "INC-1"})
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(calls) != 1 || calls[0].CallID != "mcp-1" {
		t.Fatalf("unexpected filtered calls: %+v", calls)
	}

	n, err := store.ClearCalls(ctx)
	if err != nil {
		t.Fatalf("ClearCalls failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	count, err := store.CountCalls(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected empty log, got %d (%v)", count, err)
	}
}

func TestSQLiteStoreCallLogIsBounded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Limits{MaxCalls: 3})

	for i := 1; i <= 5; i++ {
		if err := store.AppendCall(ctx, testCall(fmt.Sprintf("mcp-%d", i), "INC-1")); err != nil {
			t.Fatalf("AppendCall failed: %v", err)
		}
	}

	calls, err := store.ListCalls(ctx, domain.CallFilter{Ascending: true})
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	if calls[0].CallID != "mcp-3" || calls[2].CallID != "mcp-5" {
		t.Fatalf("expected oldest calls evicted, got %s..%s", calls[0].CallID, calls[2].CallID)
	}
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Limits{MaxEvents: 4})

	for i := 0; i < 6; i++ {
		incident := "INC-1"
		if i%2 == 1 {
			incident = "INC-2"
		}
		evt, err := domain.NewEvent(domain.EventTypeAgentActivity, "monitor", incident, map[string]int{"i": i}, time.Now())
		if err != nil {
			t.Fatalf("NewEvent failed: %v", err)
		}
		if err := store.AppendEvent(ctx, &evt); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if evt.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, evt.Seq)
		}
	}

	events, err := store.ListEvents(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 4 || events[0].Seq != 3 {
		t.Fatalf("expected last 4 events starting at seq 3, got %d starting at %d", len(events), events[0].Seq)
	}

	events, err = store.ListEvents(ctx, "INC-2", 4, 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 6 || events[0].EventType != domain.EventTypeAgentActivity {
		t.Fatalf("unexpected filtered events: %+v", events)
	}
	if string(events[0].Data) != `{"i":5}` {
		t.Fatalf("unexpected data: %s", events[0].Data)
	}

	if err := store.ClearEvents(ctx); err != nil {
		t.Fatalf("ClearEvents failed: %v", err)
	}
	events, err = store.ListEvents(ctx, "", 0, 0)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected empty journal, got %d (%v)", len(events), err)
	}
}
