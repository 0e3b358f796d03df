package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/towdyouso/internal/observability"
	"github.com/user/towdyouso/internal/types"
)

// Sink receives the live events of one attached session.
type Sink interface {
	Send(ev types.LiveEvent) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ev types.LiveEvent) error

func (f SinkFunc) Send(ev types.LiveEvent) error { return f(ev) }

// Continuation resumes the model for a session once its batch completes.
type Continuation func(ctx context.Context, sessionID types.SessionID)

// Failure ends the turn of a session whose batch completed with at least
// one tool result that could not be written.
type Failure func(ctx context.Context, sessionID types.SessionID, err error)

// ErrNotAttached is returned by Recover for a session without a worker.
var ErrNotAttached = errors.New("session not attached")

// queued is one tool_call waiting in a session queue. The call id travels
// with the entry id so the batch can be settled even when the entry cannot
// be read back.
type queued struct {
	entryID types.EntryID
	callID  string
}

// Options configure a SessionRuntime.
type Options struct {
	// MaxConcurrent bounds tool executions across all sessions.
	MaxConcurrent int64
	// QueueSize is the buffer of each session queue.
	QueueSize int
	Metrics   *observability.Metrics
}

// slot is the per-session state owned by the runtime: the FIFO queue, the
// attached sink and the worker's lifetime.
type slot struct {
	sessionID types.SessionID
	queue     chan queued
	sink      Sink
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	// prev is closed when the session's previous worker has exited.
	prev      chan struct{}
	recovered bool
	// lost is the first result write failure of the current batch.
	lost error
}

// SessionRuntime runs one serial worker per session that executes queued
// tool calls, writes their results and resumes the model when a batch of
// calls is complete.
type SessionRuntime struct {
	entries  types.EntryStore
	registry *Registry
	batches  *BatchTracker
	sem      *semaphore.Weighted
	metrics  *observability.Metrics

	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	slots        map[types.SessionID]*slot
	draining     map[types.SessionID]chan struct{}
	continuation Continuation
	failure      Failure
}

// NewSessionRuntime creates a runtime bound to ctx. Cancelling ctx or
// calling Stop tears down every worker.
func NewSessionRuntime(ctx context.Context, entries types.EntryStore, registry *Registry, batches *BatchTracker, opts Options) *SessionRuntime {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	rctx, cancel := context.WithCancel(ctx)
	return &SessionRuntime{
		entries:   entries,
		registry:  registry,
		batches:   batches,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		metrics:   opts.Metrics,
		queueSize: opts.QueueSize,
		ctx:       rctx,
		cancel:    cancel,
		slots:     make(map[types.SessionID]*slot),
		draining:  make(map[types.SessionID]chan struct{}),
	}
}

// SetContinuation sets the function invoked when a batch completes.
func (r *SessionRuntime) SetContinuation(fn Continuation) {
	r.mu.Lock()
	r.continuation = fn
	r.mu.Unlock()
}

// SetFailure sets the function invoked when a batch completes with a
// missing result.
func (r *SessionRuntime) SetFailure(fn Failure) {
	r.mu.Lock()
	r.failure = fn
	r.mu.Unlock()
}

// Batches returns the tracker shared with the turn driver.
func (r *SessionRuntime) Batches() *BatchTracker {
	return r.batches
}

// ensureSlot returns the session's slot, creating it and starting its
// worker on first use. Only Attach creates slots. Caller must hold r.mu.
func (r *SessionRuntime) ensureSlot(sessionID types.SessionID) *slot {
	if s, ok := r.slots[sessionID]; ok {
		return s
	}
	ctx, cancel := context.WithCancel(r.ctx)
	s := &slot{
		sessionID: sessionID,
		queue:     make(chan queued, r.queueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		prev:      r.draining[sessionID],
	}
	delete(r.draining, sessionID)
	r.slots[sessionID] = s

	r.wg.Add(1)
	go r.work(s)
	return s
}

// Attach binds a live connection to the session, creating its worker if
// needed. Work left unresolved in the log is picked up by Recover.
func (r *SessionRuntime) Attach(sessionID types.SessionID, sink Sink) error {
	if r.ctx.Err() != nil {
		return fmt.Errorf("runtime stopped: %w", r.ctx.Err())
	}
	r.mu.Lock()
	s := r.ensureSlot(sessionID)
	s.sink = sink
	r.mu.Unlock()

	slog.Info("session attached", "session_id", string(sessionID))
	return nil
}

// Detach tears down the session's worker. Entries still queued stay
// pending; an in-flight tool sees its context cancelled but its result is
// still written.
func (r *SessionRuntime) Detach(sessionID types.SessionID) {
	r.mu.Lock()
	s, ok := r.slots[sessionID]
	if ok {
		delete(r.slots, sessionID)
		r.draining[sessionID] = s.done
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	r.batches.Forget(sessionID)
	slog.Info("session detached", "session_id", string(sessionID))
}

// Attached reports whether the session currently has a worker.
func (r *SessionRuntime) Attached(sessionID types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[sessionID]
	return ok
}

// Stop cancels every worker and waits for them to exit.
func (r *SessionRuntime) Stop() {
	r.cancel()
	r.mu.Lock()
	for id, s := range r.slots {
		s.cancel()
		delete(r.slots, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Publish pushes a live event to the session's sink, if any. Delivery
// failures are logged and otherwise ignored.
func (r *SessionRuntime) Publish(sessionID types.SessionID, ev types.LiveEvent) {
	r.mu.Lock()
	var sink Sink
	if s, ok := r.slots[sessionID]; ok {
		sink = s.sink
	}
	r.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Send(ev); err != nil {
		slog.Debug("live event dropped", "session_id", string(sessionID), "type", ev.Type, "error", err)
	}
}

// Dispatch registers the tool-call entries as the session's batch and then
// enqueues them. Registration happens before the first enqueue so that no
// completion can race ahead of it.
func (r *SessionRuntime) Dispatch(ctx context.Context, sessionID types.SessionID, entries []*types.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	callIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Kind != types.KindToolCall {
			return fmt.Errorf("dispatch %s entry %s: only tool calls are executable", e.Kind, e.ID)
		}
		var data types.ToolCallData
		if err := e.Decode(&data); err != nil {
			return err
		}
		callIDs = append(callIDs, data.CallID)
	}

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return fmt.Errorf("runtime stopped: %w", r.ctx.Err())
	}
	s, ok := r.slots[sessionID]
	if !ok {
		r.mu.Unlock()
		// The connection went away while the turn was running. The calls
		// stay pending until the next Attach recovers them.
		slog.Info("session not attached, leaving calls pending", "session_id", string(sessionID), "count", len(entries))
		return nil
	}
	// Calls dispatched by a live turn are owned by this worker; a later
	// recovery pass must not treat them as leftovers.
	s.recovered = true
	r.mu.Unlock()

	return r.dispatchTo(ctx, s, entries, callIDs)
}

func (r *SessionRuntime) dispatchTo(ctx context.Context, s *slot, entries []*types.Entry, callIDs []string) error {
	r.batches.Register(s.sessionID, callIDs...)
	r.mu.Lock()
	s.lost = nil
	r.mu.Unlock()
	for i, e := range entries {
		if err := r.enqueue(ctx, s, queued{entryID: e.ID, callID: callIDs[i]}); err != nil {
			return err
		}
	}
	return nil
}

func (r *SessionRuntime) enqueue(ctx context.Context, s *slot, item queued) error {
	select {
	case s.queue <- item:
		return nil
	case <-s.ctx.Done():
		// Detached: the entry stays pending for the next recovery.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// work drains a single session queue, after the session's previous worker
// (if any) has exited.
func (r *SessionRuntime) work(s *slot) {
	defer r.wg.Done()
	defer func() {
		close(s.done)
		r.mu.Lock()
		if r.draining[s.sessionID] == s.done {
			delete(r.draining, s.sessionID)
		}
		r.mu.Unlock()
	}()

	r.metrics.WorkerStarted()
	defer r.metrics.WorkerStopped()

	if s.prev != nil {
		select {
		case <-s.prev:
		case <-s.ctx.Done():
			return
		}
	}

	for {
		select {
		case item := <-s.queue:
			if s.ctx.Err() != nil {
				return
			}
			if err := r.sem.Acquire(s.ctx, 1); err != nil {
				return
			}
			r.process(s, item)
			r.sem.Release(1)
		case <-s.ctx.Done():
			return
		}
	}
}

// process executes one queued tool_call entry.
func (r *SessionRuntime) process(s *slot, item queued) {
	ctx := s.ctx
	id := item.entryID
	entry, err := r.entries.Get(ctx, id)
	if err != nil {
		slog.Error("load queued entry", "session_id", string(s.sessionID), "entry_id", string(id), "error", err)
		r.abort(context.WithoutCancel(ctx), s, id, item.callID, fmt.Errorf("load tool call: %w", err))
		return
	}
	if entry.Kind != types.KindToolCall {
		slog.Warn("skipping non-executable entry", "session_id", string(s.sessionID), "entry_id", string(id), "kind", entry.Kind)
		return
	}
	if entry.StatusOrEmpty() != types.StatusPending {
		slog.Debug("skipping entry already started", "entry_id", string(id), "status", entry.StatusOrEmpty())
		return
	}

	var call types.ToolCallData
	if err := entry.Decode(&call); err != nil {
		slog.Error("decode tool call", "entry_id", string(id), "error", err)
		call.CallID = item.callID
		r.finish(context.WithoutCancel(ctx), s, entry.ID, call, Fail(CodeInvalidArguments, "malformed tool call entry"))
		return
	}

	if err := r.setStatus(ctx, s.sessionID, entry.ID, types.StatusRunning); err != nil {
		slog.Error("mark entry running", "entry_id", string(id), "error", err)
		r.abort(context.WithoutCancel(ctx), s, id, call.CallID, fmt.Errorf("mark tool call running: %w", err))
		return
	}

	start := time.Now()
	tc := ToolContext{SessionID: s.sessionID, CallID: call.CallID, EntryID: entry.ID}
	var res Result
	if spec, ok := r.registry.Spec(call.ToolName); ok && spec.Agent != "" {
		res = r.runAgent(ctx, tc, spec, call)
	} else {
		res = r.registry.Execute(ctx, call.ToolName, call.Arguments, tc)
	}

	status := "done"
	if res.Failed() {
		status = "failed"
		slog.Warn("tool failed", "session_id", string(s.sessionID), "tool", call.ToolName, "code", res.Err.Code, "error", res.Err.Message)
	}
	r.metrics.RecordToolExecution(call.ToolName, status, time.Since(start).Seconds())

	r.finish(context.WithoutCancel(ctx), s, entry.ID, call, res)
}

// abort settles a call that could not be run because the store failed
// under it. A synthesized error result keeps the transcript well-formed;
// if even that write fails the batch ends through the failure handler.
func (r *SessionRuntime) abort(ctx context.Context, s *slot, id types.EntryID, callID string, cause error) {
	slog.Warn("synthesizing result for unrunnable call", "session_id", string(s.sessionID), "call_id", callID, "cause", cause)
	res := Fail(CodeExecutionFailed, "tool call could not be run")
	r.finish(ctx, s, id, types.ToolCallData{CallID: callID}, res)
}

// finish writes the tool_result, settles the call's status and settles the
// call in its batch.
func (r *SessionRuntime) finish(ctx context.Context, s *slot, id types.EntryID, call types.ToolCallData, res Result) {
	sessionID := s.sessionID
	resultEntry, err := r.entries.Append(ctx, sessionID, types.KindToolResult, types.ToolResultData{
		CallID: call.CallID,
		Result: res.JSON(),
	}, "")
	if err != nil {
		// The call keeps its status; the next recovery synthesizes its result.
		slog.Error("append tool result", "session_id", string(sessionID), "call_id", call.CallID, "error", err)
		r.noteLost(s, fmt.Errorf("append tool result for %s: %w", call.CallID, err))
	} else {
		r.Publish(sessionID, types.EntryEvent(resultEntry))

		final := types.StatusDone
		if res.Failed() {
			final = types.StatusFailed
		}
		if err := r.setStatus(ctx, sessionID, id, final); err != nil {
			slog.Error("settle tool call", "entry_id", string(id), "error", err)
		}
	}

	r.markDone(s, call.CallID)
}

// noteLost records that a call of the current batch has no usable result.
func (r *SessionRuntime) noteLost(s *slot, err error) {
	r.mu.Lock()
	if s.lost == nil {
		s.lost = err
	}
	r.mu.Unlock()
}

// markDone settles callID in the session's batch. The call that empties the
// batch schedules the continuation, or the failure handler when a result
// of the batch was lost.
func (r *SessionRuntime) markDone(s *slot, callID string) {
	if !r.batches.MarkDone(s.sessionID, callID) {
		return
	}
	r.mu.Lock()
	lost := s.lost
	s.lost = nil
	r.mu.Unlock()
	if lost != nil {
		r.scheduleFailure(s.sessionID, lost)
		return
	}
	r.scheduleContinuation(s.sessionID)
}

func (r *SessionRuntime) setStatus(ctx context.Context, sessionID types.SessionID, id types.EntryID, status types.Status) error {
	if err := r.entries.SetStatus(ctx, id, status); err != nil {
		return err
	}
	r.Publish(sessionID, types.StatusEvent(id, status))
	return nil
}

// scheduleContinuation runs the continuation once, off the worker goroutine.
func (r *SessionRuntime) scheduleContinuation(sessionID types.SessionID) {
	r.mu.Lock()
	fn := r.continuation
	r.mu.Unlock()
	if fn == nil {
		slog.Warn("batch complete but no continuation set", "session_id", string(sessionID))
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx, sessionID)
	}()
}

// scheduleFailure ends the turn through the failure handler, off the
// worker goroutine.
func (r *SessionRuntime) scheduleFailure(sessionID types.SessionID, cause error) {
	r.mu.Lock()
	fn := r.failure
	r.mu.Unlock()
	if fn == nil {
		slog.Error("batch complete with lost results but no failure handler set", "session_id", string(sessionID), "error", cause)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx, sessionID, cause)
	}()
}

// runAgent executes a sub-agent backed tool: the call is bracketed by a
// sub_agent_call entry and a sub_agent_result entry, and the agent's own
// tool activity is recorded as nested entries.
func (r *SessionRuntime) runAgent(ctx context.Context, tc ToolContext, spec ToolSpec, call types.ToolCallData) Result {
	writeCtx := context.WithoutCancel(ctx)
	subEntry, err := r.entries.Append(writeCtx, tc.SessionID, types.KindSubAgentCall, types.SubAgentCallData{
		CallID:    call.CallID,
		AgentName: spec.Agent,
	}, "")
	if err != nil {
		return Fail(CodeExecutionFailed, "record sub-agent call: %v", err)
	}
	r.Publish(tc.SessionID, types.EntryEvent(subEntry))
	if err := r.setStatus(writeCtx, tc.SessionID, subEntry.ID, types.StatusRunning); err != nil {
		slog.Error("mark sub-agent running", "entry_id", string(subEntry.ID), "error", err)
	}

	tc.Recorder = &entryRecorder{runtime: r, sessionID: tc.SessionID, calls: make(map[string]types.EntryID)}
	res := r.registry.Execute(ctx, call.ToolName, call.Arguments, tc)

	resultEntry, err := r.entries.Append(writeCtx, tc.SessionID, types.KindSubAgentResult, types.SubAgentResultData{
		CallID: call.CallID,
		Result: res.JSON(),
	}, "")
	if err != nil {
		slog.Error("append sub-agent result", "call_id", call.CallID, "error", err)
	} else {
		r.Publish(tc.SessionID, types.EntryEvent(resultEntry))
	}

	final := types.StatusDone
	if res.Failed() {
		final = types.StatusFailed
	}
	if err := r.setStatus(writeCtx, tc.SessionID, subEntry.ID, final); err != nil {
		slog.Error("settle sub-agent call", "entry_id", string(subEntry.ID), "error", err)
	}
	return res
}

// entryRecorder logs a sub-agent's nested tool calls into the parent
// session, tagged with the agent name.
type entryRecorder struct {
	runtime   *SessionRuntime
	sessionID types.SessionID

	mu    sync.Mutex
	calls map[string]types.EntryID
}

func (rec *entryRecorder) RecordCall(ctx context.Context, agent, callID, toolName string, args json.RawMessage) {
	ctx = context.WithoutCancel(ctx)
	entry, err := rec.runtime.entries.Append(ctx, rec.sessionID, types.KindToolCall, types.ToolCallData{
		CallID:    callID,
		ToolName:  toolName,
		Arguments: args,
		AgentName: agent,
	}, "")
	if err != nil {
		slog.Error("record nested tool call", "agent", agent, "tool", toolName, "error", err)
		return
	}
	rec.mu.Lock()
	rec.calls[callID] = entry.ID
	rec.mu.Unlock()

	rec.runtime.Publish(rec.sessionID, types.EntryEvent(entry))
	if err := rec.runtime.setStatus(ctx, rec.sessionID, entry.ID, types.StatusRunning); err != nil {
		slog.Error("mark nested call running", "entry_id", string(entry.ID), "error", err)
	}
}

func (rec *entryRecorder) RecordResult(ctx context.Context, agent, callID string, res Result) {
	ctx = context.WithoutCancel(ctx)
	entry, err := rec.runtime.entries.Append(ctx, rec.sessionID, types.KindToolResult, types.ToolResultData{
		CallID:    callID,
		Result:    res.JSON(),
		AgentName: agent,
	}, "")
	if err != nil {
		slog.Error("record nested tool result", "agent", agent, "call_id", callID, "error", err)
	} else {
		rec.runtime.Publish(rec.sessionID, types.EntryEvent(entry))
	}

	rec.mu.Lock()
	id, ok := rec.calls[callID]
	delete(rec.calls, callID)
	rec.mu.Unlock()
	if !ok {
		return
	}
	final := types.StatusDone
	if res.Failed() {
		final = types.StatusFailed
	}
	if err := rec.runtime.setStatus(ctx, rec.sessionID, id, final); err != nil {
		slog.Error("settle nested call", "entry_id", string(id), "error", err)
	}
}

// Recover re-derives outstanding work from the session log the first time a
// session's worker is recovered. Calls that were running when their worker
// died get a synthesized "interrupted" result; pending top-level calls are
// registered as a new batch and re-enqueued. It reports whether the model
// should be resumed: nothing was left to run but the log ends with a tool
// result the model has not seen.
//
// Callers must serialize Recover with Dispatch for the same session.
func (r *SessionRuntime) Recover(ctx context.Context, sessionID types.SessionID) (bool, error) {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("runtime stopped: %w", r.ctx.Err())
	}
	s, ok := r.slots[sessionID]
	if !ok {
		r.mu.Unlock()
		return false, ErrNotAttached
	}
	if s.recovered {
		r.mu.Unlock()
		return false, nil
	}
	s.recovered = true
	r.mu.Unlock()

	// An in-flight call of the previous worker must not be mistaken for an
	// interrupted one.
	if s.prev != nil {
		select {
		case <-s.prev:
		case <-s.ctx.Done():
			return false, s.ctx.Err()
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return r.recoverSlot(ctx, s)
}

func (r *SessionRuntime) recoverSlot(ctx context.Context, s *slot) (bool, error) {
	sessionID := s.sessionID
	entries, err := r.entries.List(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("list entries: %w", err)
	}

	toolResults := make(map[string]json.RawMessage)
	agentResults := make(map[string]json.RawMessage)
	for _, e := range entries {
		switch e.Kind {
		case types.KindToolResult:
			var d types.ToolResultData
			if e.Decode(&d) == nil {
				toolResults[resultKey(d.AgentName, d.CallID)] = d.Result
			}
		case types.KindSubAgentResult:
			var d types.SubAgentResultData
			if e.Decode(&d) == nil {
				agentResults[d.CallID] = d.Result
			}
		}
	}

	writeCtx := context.WithoutCancel(ctx)
	var pending []*types.Entry
	var pendingIDs []string
	for _, e := range entries {
		if e.Status == nil || e.Status.Terminal() {
			continue
		}
		switch e.Kind {
		case types.KindSubAgentCall:
			var d types.SubAgentCallData
			if err := e.Decode(&d); err != nil {
				return false, err
			}
			if raw, ok := agentResults[d.CallID]; ok {
				r.settleFromResult(writeCtx, sessionID, e, raw)
				continue
			}
			res := Fail(CodeInterrupted, "sub-agent %s was interrupted", d.AgentName)
			if err := r.appendRecovered(writeCtx, sessionID, types.KindSubAgentResult, types.SubAgentResultData{CallID: d.CallID, Result: res.JSON()}); err != nil {
				return false, err
			}
			r.settle(writeCtx, sessionID, e, types.StatusFailed)

		case types.KindToolCall:
			var d types.ToolCallData
			if err := e.Decode(&d); err != nil {
				return false, err
			}
			if raw, ok := toolResults[resultKey(d.AgentName, d.CallID)]; ok {
				r.settleFromResult(writeCtx, sessionID, e, raw)
				continue
			}
			if d.AgentName == "" && *e.Status == types.StatusPending {
				pending = append(pending, e)
				pendingIDs = append(pendingIDs, d.CallID)
				continue
			}
			res := Fail(CodeInterrupted, "tool %s was interrupted", d.ToolName)
			if err := r.appendRecovered(writeCtx, sessionID, types.KindToolResult, types.ToolResultData{CallID: d.CallID, Result: res.JSON(), AgentName: d.AgentName}); err != nil {
				return false, err
			}
			r.settle(writeCtx, sessionID, e, types.StatusFailed)
		}
	}

	if len(pending) > 0 {
		slog.Info("re-enqueueing pending tool calls", "session_id", string(sessionID), "count", len(pending))
		return false, r.dispatchTo(ctx, s, pending, pendingIDs)
	}

	latest, err := r.entries.List(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("list entries: %w", err)
	}
	return AwaitingModel(latest), nil
}

func resultKey(agent, callID string) string {
	return agent + "\x00" + callID
}

func (r *SessionRuntime) appendRecovered(ctx context.Context, sessionID types.SessionID, kind types.Kind, data any) error {
	entry, err := r.entries.Append(ctx, sessionID, kind, data, "")
	if err != nil {
		return fmt.Errorf("append recovered %s: %w", kind, err)
	}
	r.Publish(sessionID, types.EntryEvent(entry))
	return nil
}

// settleFromResult finishes an entry whose result was written but whose
// status update was lost.
func (r *SessionRuntime) settleFromResult(ctx context.Context, sessionID types.SessionID, e *types.Entry, raw json.RawMessage) {
	status := types.StatusDone
	if IsErrorResult(raw) {
		status = types.StatusFailed
	}
	r.settle(ctx, sessionID, e, status)
}

func (r *SessionRuntime) settle(ctx context.Context, sessionID types.SessionID, e *types.Entry, status types.Status) {
	if err := r.setStatus(ctx, sessionID, e.ID, status); err != nil && !errors.Is(err, types.ErrInvalidTransition) {
		slog.Error("settle recovered entry", "entry_id", string(e.ID), "error", err)
	}
}

// IsErrorResult reports whether a stored result is a failure payload.
func IsErrorResult(raw json.RawMessage) bool {
	var shape struct {
		Error *string `json:"error"`
		Code  *string `json:"code"`
	}
	if json.Unmarshal(raw, &shape) != nil {
		return false
	}
	return shape.Error != nil && shape.Code != nil
}

// AwaitingModel reports whether the last model-visible entry is a top-level
// tool result, meaning the model has not yet seen the batch's outcome.
func AwaitingModel(entries []*types.Entry) bool {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.Kind {
		case types.KindReasoning, types.KindSubAgentCall, types.KindSubAgentResult:
			continue
		case types.KindToolCall, types.KindToolResult:
			var agent struct {
				AgentName string `json:"agent_name"`
			}
			_ = e.Decode(&agent)
			if agent.AgentName != "" {
				continue
			}
			return e.Kind == types.KindToolResult
		default:
			return false
		}
	}
	return false
}
