package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/user/towdyouso/internal/observability"
	"github.com/user/towdyouso/internal/state"
	"github.com/user/towdyouso/internal/types"
)

func seed(t *testing.T) (*state.SessionStore, *state.EntryStore, types.SessionID, types.SessionID) {
	t.Helper()
	dir := t.TempDir()
	sessions := state.NewSessionStore(dir)
	entries := state.NewEntryStore(dir)
	ctx := context.Background()

	idle, err := sessions.Create(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	live, err := sessions.Create(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, sid := range []types.SessionID{idle.ID, live.ID} {
		for _, callID := range []string{"c1", "c2"} {
			if _, err := entries.Append(ctx, sid, types.KindToolCall, types.ToolCallData{CallID: callID, ToolName: "get_current_time"}, ""); err != nil {
				t.Fatal(err)
			}
		}
	}
	done, err := entries.Append(ctx, idle.ID, types.KindToolCall, types.ToolCallData{CallID: "c3", ToolName: "get_current_time"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := entries.SetStatus(ctx, done.ID, types.StatusDone); err != nil {
		t.Fatal(err)
	}
	return sessions, entries, idle.ID, live.ID
}

func TestSweepSkipsAttachedSessions(t *testing.T) {
	sessions, entries, _, live := seed(t)
	metrics := observability.NewMetrics()

	s := New("", sessions, entries, func(sid types.SessionID) bool { return sid == live }, metrics)
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 unresolved entries, got %d", n)
	}
	if got := testutil.ToFloat64(metrics.UnresolvedEntries); got != 2 {
		t.Errorf("expected gauge 2, got %v", got)
	}
}

func TestSweepCountsEverySessionWithoutWorkers(t *testing.T) {
	sessions, entries, _, _ := seed(t)
	s := New("", sessions, entries, nil, nil)
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("expected 4 unresolved entries, got %d", n)
	}
}

func TestSweeperFires(t *testing.T) {
	sessions, entries, _, _ := seed(t)
	metrics := observability.NewMetrics()

	s := New("* * * * * *", sessions, entries, nil, metrics)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	// Wait up to 2.5 seconds for at least one sweep
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatal("sweep did not run within 2.5s")
		case <-ticker.C:
			if testutil.ToFloat64(metrics.UnresolvedEntries) == 4 {
				return
			}
		}
	}
}

func TestSweeperInvalidSchedule(t *testing.T) {
	sessions, entries, _, _ := seed(t)
	s := New("not a schedule", sessions, entries, nil, nil)
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}
