package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/towdyouso/internal/state"
	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

// recordingSink collects live events.
type recordingSink struct {
	mu     sync.Mutex
	events []types.LiveEvent
}

func (s *recordingSink) Send(ev types.LiveEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// scriptedProvider returns pre-configured responses from Complete.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	calls     [][]llm.Message
}

func (p *scriptedProvider) Complete(_ context.Context, messages []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.calls)
	p.calls = append(p.calls, messages)
	if idx < len(p.responses) {
		return p.responses[idx], nil
	}
	return &llm.Response{Content: "fallback"}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamEvent, error) {
	resp, err := p.Complete(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	return llm.StreamFromResponse(ctx, resp), nil
}

type harness struct {
	store     *state.EntryStore
	registry  *Registry
	runtime   *SessionRuntime
	sink      *recordingSink
	continued chan types.SessionID
	failed    chan error
	session   types.SessionID
}

func newHarness(t *testing.T, tools ...Tool) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, tools...)
}

// newHarnessWithStore runs the runtime over wrap(store) while the test
// helpers keep reading the underlying store directly.
func newHarnessWithStore(t *testing.T, wrap func(*state.EntryStore) types.EntryStore, tools ...Tool) *harness {
	t.Helper()
	h := &harness{
		store:     state.NewEntryStore(t.TempDir()),
		registry:  NewRegistry(),
		sink:      &recordingSink{},
		continued: make(chan types.SessionID, 8),
		failed:    make(chan error, 8),
		session:   types.NewSessionID(),
	}
	for _, tool := range tools {
		if err := h.registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	var store types.EntryStore = h.store
	if wrap != nil {
		store = wrap(h.store)
	}
	h.runtime = NewSessionRuntime(context.Background(), store, h.registry, NewBatchTracker(), Options{MaxConcurrent: 2})
	h.runtime.SetContinuation(func(_ context.Context, sid types.SessionID) {
		h.continued <- sid
	})
	h.runtime.SetFailure(func(_ context.Context, _ types.SessionID, err error) {
		h.failed <- err
	})
	t.Cleanup(h.runtime.Stop)
	return h
}

func (h *harness) attach(t *testing.T) {
	t.Helper()
	if err := h.runtime.Attach(h.session, h.sink); err != nil {
		t.Fatal(err)
	}
}

// faultyStore fails selected operations of the wrapped store.
type faultyStore struct {
	*state.EntryStore
	failGet     bool
	failRunning bool
	failResults bool
}

var errDisk = errors.New("disk error")

func (f *faultyStore) Get(ctx context.Context, id types.EntryID) (*types.Entry, error) {
	if f.failGet {
		return nil, errDisk
	}
	return f.EntryStore.Get(ctx, id)
}

func (f *faultyStore) SetStatus(ctx context.Context, id types.EntryID, status types.Status) error {
	if f.failRunning && status == types.StatusRunning {
		return errDisk
	}
	return f.EntryStore.SetStatus(ctx, id, status)
}

func (f *faultyStore) Append(ctx context.Context, sid types.SessionID, kind types.Kind, data any, attachment types.FileID) (*types.Entry, error) {
	if f.failResults && kind == types.KindToolResult {
		return nil, errDisk
	}
	return f.EntryStore.Append(ctx, sid, kind, data, attachment)
}

func (h *harness) appendCall(t *testing.T, callID, tool, args string) *types.Entry {
	t.Helper()
	entry, err := h.store.Append(context.Background(), h.session, types.KindToolCall, types.ToolCallData{
		CallID:    callID,
		ToolName:  tool,
		Arguments: json.RawMessage(args),
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func (h *harness) waitContinuation(t *testing.T) {
	t.Helper()
	select {
	case sid := <-h.continued:
		if sid != h.session {
			t.Fatalf("continuation for wrong session %s", sid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for continuation")
	}
}

func (h *harness) expectNoContinuation(t *testing.T) {
	t.Helper()
	select {
	case <-h.continued:
		t.Fatal("unexpected extra continuation")
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) results(t *testing.T) map[string]types.ToolResultData {
	t.Helper()
	entries, err := h.store.List(context.Background(), h.session)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]types.ToolResultData)
	for _, e := range entries {
		if e.Kind != types.KindToolResult {
			continue
		}
		var d types.ToolResultData
		if err := e.Decode(&d); err != nil {
			t.Fatal(err)
		}
		if _, dup := out[d.CallID]; dup && d.AgentName == "" {
			t.Fatalf("duplicate tool_result for %s", d.CallID)
		}
		out[d.CallID] = d
	}
	return out
}

func (h *harness) status(t *testing.T, id types.EntryID) types.Status {
	t.Helper()
	e, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return e.StatusOrEmpty()
}

func failingTool(name string) Tool {
	return &FuncTool{
		Spec: ToolSpec{Name: name},
		Fn: func(context.Context, json.RawMessage, ToolContext) Result {
			return Fail(CodeExecutionFailed, "geocoder unavailable")
		},
	}
}

func TestDispatchMixedBatchContinuesOnce(t *testing.T) {
	for _, failFirst := range []bool{false, true} {
		name := "failure finishes last"
		if failFirst {
			name = "failure finishes first"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, &echoTool{}, failingTool("geocode"))
			h.attach(t)

			ok := h.appendCall(t, "c1", "echo", `{"text":"hi"}`)
			bad := h.appendCall(t, "c2", "geocode", `{}`)
			// The session worker is serial, so queue order is completion order.
			batch := []*types.Entry{ok, bad}
			if failFirst {
				batch = []*types.Entry{bad, ok}
			}
			if err := h.runtime.Dispatch(context.Background(), h.session, batch); err != nil {
				t.Fatal(err)
			}

			h.waitContinuation(t)
			h.expectNoContinuation(t)

			if s := h.status(t, ok.ID); s != types.StatusDone {
				t.Errorf("expected c1 done, got %s", s)
			}
			if s := h.status(t, bad.ID); s != types.StatusFailed {
				t.Errorf("expected c2 failed, got %s", s)
			}

			results := h.results(t)
			if len(results) != 2 {
				t.Fatalf("expected 2 tool results, got %d", len(results))
			}
			if string(results["c1"].Result) != `{"text":"hi"}` {
				t.Errorf("unexpected c1 result %s", results["c1"].Result)
			}
			if !IsErrorResult(results["c2"].Result) {
				t.Errorf("expected c2 error payload, got %s", results["c2"].Result)
			}

			if n := h.sink.count(types.EventEntry); n != 2 {
				t.Errorf("expected 2 entry events, got %d", n)
			}
			// running and a terminal status for each call
			if n := h.sink.count(types.EventStatus); n != 4 {
				t.Errorf("expected 4 status events, got %d", n)
			}
		})
	}
}

func TestDispatchUnknownToolBecomesResult(t *testing.T) {
	h := newHarness(t)
	h.attach(t)
	call := h.appendCall(t, "c1", "teleport", `{}`)
	if err := h.runtime.Dispatch(context.Background(), h.session, []*types.Entry{call}); err != nil {
		t.Fatal(err)
	}
	h.waitContinuation(t)

	res := h.results(t)["c1"]
	var payload ToolError
	if err := json.Unmarshal(res.Result, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Code != CodeToolNotFound {
		t.Errorf("expected tool_not_found, got %s", payload.Code)
	}
	if s := h.status(t, call.ID); s != types.StatusFailed {
		t.Errorf("expected failed, got %s", s)
	}
}

func TestDispatchRejectsNonCalls(t *testing.T) {
	h := newHarness(t)
	msg, err := h.store.Append(context.Background(), h.session, types.KindUserMessage, types.MessageData{Content: "hi"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.runtime.Dispatch(context.Background(), h.session, []*types.Entry{msg}); err == nil {
		t.Fatal("expected dispatch of a user message to fail")
	}
	if h.runtime.Attached(h.session) {
		t.Error("a rejected dispatch should not start a worker")
	}
}

func TestDetachLeavesQueuedCallsPending(t *testing.T) {
	started := make(chan struct{})
	blocking := &FuncTool{
		Spec: ToolSpec{Name: "slow"},
		Fn: func(ctx context.Context, _ json.RawMessage, _ ToolContext) Result {
			close(started)
			<-ctx.Done()
			return Fail(CodeInterrupted, "cancelled")
		},
	}
	h := newHarness(t, blocking, &echoTool{})
	if err := h.runtime.Attach(h.session, h.sink); err != nil {
		t.Fatal(err)
	}

	first := h.appendCall(t, "c1", "slow", `{}`)
	second := h.appendCall(t, "c2", "echo", `{"text":"later"}`)
	if err := h.runtime.Dispatch(context.Background(), h.session, []*types.Entry{first, second}); err != nil {
		t.Fatal(err)
	}

	<-started
	h.runtime.Detach(h.session)
	h.runtime.Stop()

	if h.runtime.Attached(h.session) {
		t.Error("expected session to be detached")
	}
	if s := h.status(t, first.ID); s != types.StatusFailed {
		t.Errorf("in-flight call should still reach a terminal status, got %s", s)
	}
	if s := h.status(t, second.ID); s != types.StatusPending {
		t.Errorf("queued call should stay pending, got %s", s)
	}
	if _, ok := h.results(t)["c1"]; !ok {
		t.Error("in-flight call should still write its result")
	}
	h.expectNoContinuation(t)
}

func TestRecoverInterruptsRunningAndRequeuesPending(t *testing.T) {
	h := newHarness(t, &echoTool{})
	ctx := context.Background()

	running := h.appendCall(t, "c1", "echo", `{"text":"one"}`)
	if err := h.store.SetStatus(ctx, running.ID, types.StatusRunning); err != nil {
		t.Fatal(err)
	}
	pending := h.appendCall(t, "c2", "echo", `{"text":"two"}`)

	if err := h.runtime.Attach(h.session, h.sink); err != nil {
		t.Fatal(err)
	}
	resume, err := h.runtime.Recover(ctx, h.session)
	if err != nil {
		t.Fatal(err)
	}
	if resume {
		t.Error("recovery with pending work should not resume the model directly")
	}

	h.waitContinuation(t)
	h.expectNoContinuation(t)

	if s := h.status(t, running.ID); s != types.StatusFailed {
		t.Errorf("expected interrupted call failed, got %s", s)
	}
	if s := h.status(t, pending.ID); s != types.StatusDone {
		t.Errorf("expected re-enqueued call done, got %s", s)
	}
	results := h.results(t)
	var interrupted ToolError
	if err := json.Unmarshal(results["c1"].Result, &interrupted); err != nil {
		t.Fatal(err)
	}
	if interrupted.Code != CodeInterrupted {
		t.Errorf("expected interrupted code, got %s", interrupted.Code)
	}

	again, err := h.runtime.Recover(ctx, h.session)
	if err != nil || again {
		t.Errorf("second recovery should be a no-op, got resume=%v err=%v", again, err)
	}
}

func TestRecoverResumesAfterTrailingResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.Append(ctx, h.session, types.KindUserMessage, types.MessageData{Content: "can I park here?"}, ""); err != nil {
		t.Fatal(err)
	}
	call := h.appendCall(t, "c1", "echo", `{"text":"x"}`)
	if _, err := h.store.Append(ctx, h.session, types.KindToolResult, types.ToolResultData{CallID: "c1", Result: json.RawMessage(`{"text":"x"}`)}, ""); err != nil {
		t.Fatal(err)
	}

	h.attach(t)
	resume, err := h.runtime.Recover(ctx, h.session)
	if err != nil {
		t.Fatal(err)
	}
	if !resume {
		t.Error("expected recovery to ask for the model to resume")
	}
	if s := h.status(t, call.ID); s != types.StatusDone {
		t.Errorf("call with a stored result should be settled done, got %s", s)
	}
	if len(h.results(t)) != 1 {
		t.Error("recovery must not add a second result")
	}
}

func TestRecoverQuietSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.Append(ctx, h.session, types.KindUserMessage, types.MessageData{Content: "hi"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Append(ctx, h.session, types.KindAssistantMessage, types.MessageData{Content: "hello"}, ""); err != nil {
		t.Fatal(err)
	}
	h.attach(t)
	resume, err := h.runtime.Recover(ctx, h.session)
	if err != nil {
		t.Fatal(err)
	}
	if resume {
		t.Error("a finished turn should not resume")
	}
	h.expectNoContinuation(t)
}

func TestSubAgentProtocolEntries(t *testing.T) {
	tools := NewRegistry()
	if err := tools.Register(&echoTool{}); err != nil {
		t.Fatal(err)
	}
	provider := &scriptedProvider{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "n1", Type: "function", Function: llm.FunctionCall{Name: "echo", Arguments: json.RawMessage(`{"text":"nested"}`)}}}},
		{Content: "Stored one memory."},
	}}
	agent := NewAgent(AgentConfig{
		Name:         "memory_manager",
		Tool:         ToolSpec{Name: "store_memory", Parameters: json.RawMessage(`{"type":"object"}`)},
		SystemPrompt: "manage memories",
		MaxRounds:    3,
		Provider:     provider,
		Tools:        tools,
		Prompt: func(_ context.Context, args json.RawMessage) (llm.Message, error) {
			return llm.Message{Role: llm.RoleUser, Content: string(args)}, nil
		},
	})

	h := newHarness(t, agent)
	h.attach(t)
	call := h.appendCall(t, "top", "store_memory", `{"relevant_messages":["I live in SF"]}`)
	if err := h.runtime.Dispatch(context.Background(), h.session, []*types.Entry{call}); err != nil {
		t.Fatal(err)
	}
	h.waitContinuation(t)

	entries, err := h.store.List(context.Background(), h.session)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []types.Kind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
		if e.Status != nil && !e.Status.Terminal() {
			t.Errorf("%s entry left %s", e.Kind, *e.Status)
		}
	}
	want := []types.Kind{
		types.KindToolCall,
		types.KindSubAgentCall,
		types.KindToolCall,
		types.KindToolResult,
		types.KindSubAgentResult,
		types.KindToolResult,
	}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected kinds %v, got %v", want, kinds)
		}
	}

	var nested types.ToolCallData
	if err := entries[2].Decode(&nested); err != nil {
		t.Fatal(err)
	}
	if nested.AgentName != "memory_manager" || nested.CallID != "n1" {
		t.Errorf("unexpected nested call %+v", nested)
	}

	var top types.ToolResultData
	if err := entries[5].Decode(&top); err != nil {
		t.Fatal(err)
	}
	var summary AgentResult
	if err := json.Unmarshal(top.Result, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Summary != "Stored one memory." || len(summary.Actions) != 1 {
		t.Errorf("unexpected agent result %+v", summary)
	}
	if s := h.status(t, call.ID); s != types.StatusDone {
		t.Errorf("expected top-level call done, got %s", s)
	}
}

func TestDispatchAfterDetachLeavesCallsPending(t *testing.T) {
	ran := make(chan struct{}, 1)
	tool := &FuncTool{
		Spec: ToolSpec{Name: "echo"},
		Fn: func(context.Context, json.RawMessage, ToolContext) Result {
			ran <- struct{}{}
			return OK("ran")
		},
	}
	h := newHarness(t, tool)
	h.attach(t)
	h.runtime.Detach(h.session)

	// A turn that was still streaming when the connection closed.
	call := h.appendCall(t, "c1", "echo", `{}`)
	if err := h.runtime.Dispatch(context.Background(), h.session, []*types.Entry{call}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ran:
		t.Fatal("tool ran for a detached session")
	case <-time.After(100 * time.Millisecond):
	}
	if h.runtime.Attached(h.session) {
		t.Error("dispatch must not start a worker for a detached session")
	}
	if s := h.status(t, call.ID); s != types.StatusPending {
		t.Errorf("expected call left pending, got %s", s)
	}

	// The next attach picks the call up.
	h.attach(t)
	if _, err := h.runtime.Recover(context.Background(), h.session); err != nil {
		t.Fatal(err)
	}
	h.waitContinuation(t)
	if s := h.status(t, call.ID); s != types.StatusDone {
		t.Errorf("expected recovered call done, got %s", s)
	}
}

func TestRecoverRequiresAttach(t *testing.T) {
	h := newHarness(t)
	if _, err := h.runtime.Recover(context.Background(), h.session); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
	if h.runtime.Attached(h.session) {
		t.Error("recover must not start a worker")
	}
}

func TestStoreFailuresStillSettleBatch(t *testing.T) {
	cases := []struct {
		name  string
		fault faultyStore
	}{
		{"entry unreadable", faultyStore{failGet: true}},
		{"running status not written", faultyStore{failRunning: true}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarnessWithStore(t, func(s *state.EntryStore) types.EntryStore {
				f := c.fault
				f.EntryStore = s
				return &f
			}, &echoTool{})
			h.attach(t)

			first := h.appendCall(t, "c1", "echo", `{"text":"one"}`)
			second := h.appendCall(t, "c2", "echo", `{"text":"two"}`)
			if err := h.runtime.Dispatch(context.Background(), h.session, []*types.Entry{first, second}); err != nil {
				t.Fatal(err)
			}

			// Synthesized results keep the transcript whole, so the model resumes.
			h.waitContinuation(t)
			h.expectNoContinuation(t)

			results := h.results(t)
			for _, id := range []string{"c1", "c2"} {
				var payload ToolError
				if err := json.Unmarshal(results[id].Result, &payload); err != nil {
					t.Fatalf("%s: %v", id, err)
				}
				if payload.Code != CodeExecutionFailed {
					t.Errorf("%s: expected execution_failed, got %q", id, payload.Code)
				}
			}
			if n := h.runtime.Batches().Pending(h.session); n != 0 {
				t.Errorf("batch should be settled, %d pending", n)
			}
		})
	}
}

func TestLostResultEndsTurnThroughFailure(t *testing.T) {
	h := newHarnessWithStore(t, func(s *state.EntryStore) types.EntryStore {
		return &faultyStore{EntryStore: s, failResults: true}
	}, &echoTool{})
	h.attach(t)

	call := h.appendCall(t, "c1", "echo", `{"text":"one"}`)
	if err := h.runtime.Dispatch(context.Background(), h.session, []*types.Entry{call}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-h.failed:
		if !errors.Is(err, errDisk) {
			t.Errorf("expected the store error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the failure handler")
	}
	h.expectNoContinuation(t)
	if n := h.runtime.Batches().Pending(h.session); n != 0 {
		t.Errorf("batch should be settled, %d pending", n)
	}
}
