// Package orchestrator drives model turns: it rebuilds the model input from
// the session log, streams the response to the attached client and either
// dispatches the requested tool calls or records the final answer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	ctxengine "github.com/user/towdyouso/internal/context"
	"github.com/user/towdyouso/internal/observability"
	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/stream"
	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

// Apology is the only failure text an end user ever sees.
const Apology = "Sorry, I encountered an error processing your request."

// ErrTurnInProgress is returned by StartTurn while the session still has
// tool calls outstanding.
var ErrTurnInProgress = errors.New("turn in progress")

// Orchestrator runs turns for all sessions. Turns of one session are
// serialized; different sessions run in parallel.
type Orchestrator struct {
	entries  types.EntryStore
	files    types.FileStore
	provider llm.Provider
	engine   *ctxengine.Engine
	registry *runtime.Registry
	rt       *runtime.SessionRuntime
	metrics  *observability.Metrics

	mu    sync.Mutex
	locks map[types.SessionID]*turnLock
}

// turnLock serializes the turns of one session. It is dropped from the
// map once no goroutine holds or waits for it.
type turnLock struct {
	sync.Mutex
	refs int
}

// New creates an Orchestrator and installs it as the runtime's continuation.
// files and metrics may be nil.
func New(
	entries types.EntryStore,
	files types.FileStore,
	provider llm.Provider,
	engine *ctxengine.Engine,
	registry *runtime.Registry,
	rt *runtime.SessionRuntime,
	metrics *observability.Metrics,
) *Orchestrator {
	o := &Orchestrator{
		entries:  entries,
		files:    files,
		provider: provider,
		engine:   engine,
		registry: registry,
		rt:       rt,
		metrics:  metrics,
		locks:    make(map[types.SessionID]*turnLock),
	}
	rt.SetContinuation(func(ctx context.Context, sessionID types.SessionID) {
		if err := o.Continue(ctx, sessionID); err != nil {
			slog.Debug("continuation ended with error", "session_id", string(sessionID), "error", err)
		}
	})
	rt.SetFailure(func(ctx context.Context, sessionID types.SessionID, cause error) {
		unlock := o.lock(sessionID)
		defer unlock()
		_ = o.fail(ctx, sessionID, "write tool results", cause)
	})
	return o
}

// lock takes the session's turn lock and returns its release.
func (o *Orchestrator) lock(sessionID types.SessionID) func() {
	o.mu.Lock()
	l, ok := o.locks[sessionID]
	if !ok {
		l = &turnLock{}
		o.locks[sessionID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, sessionID)
		}
		o.mu.Unlock()
	}
}

// Attach binds a live connection to the session and recovers work left
// unfinished by an earlier worker. When recovery leaves the model owing an
// answer, the turn is resumed in the background.
func (o *Orchestrator) Attach(ctx context.Context, sessionID types.SessionID, sink runtime.Sink) error {
	if err := o.rt.Attach(sessionID, sink); err != nil {
		return err
	}

	unlock := o.lock(sessionID)
	resume, err := o.rt.Recover(ctx, sessionID)
	unlock()
	if err != nil {
		o.rt.Detach(sessionID)
		return fmt.Errorf("recover session: %w", err)
	}
	if resume {
		slog.Info("resuming interrupted turn", "session_id", string(sessionID))
		go o.resume(context.WithoutCancel(ctx), sessionID)
	}
	return nil
}

// Detach unbinds the live connection and stops the session's worker.
func (o *Orchestrator) Detach(sessionID types.SessionID) {
	o.rt.Detach(sessionID)
}

// resume continues the turn only if nothing else answered the tool results
// between recovery and now.
func (o *Orchestrator) resume(ctx context.Context, sessionID types.SessionID) {
	unlock := o.lock(sessionID)
	defer unlock()

	entries, err := o.entries.List(ctx, sessionID)
	if err != nil {
		slog.Error("resume: list entries", "session_id", string(sessionID), "error", err)
		return
	}
	if !runtime.AwaitingModel(entries) || o.rt.Batches().Pending(sessionID) > 0 {
		return
	}
	if err := o.turn(ctx, sessionID); err != nil {
		slog.Debug("resumed turn ended with error", "session_id", string(sessionID), "error", err)
	}
}

// StartTurn records a user message and runs the model on it. fileID is
// optional and must name an uploaded file.
func (o *Orchestrator) StartTurn(ctx context.Context, sessionID types.SessionID, content string, fileID types.FileID) error {
	unlock := o.lock(sessionID)
	defer unlock()

	if o.rt.Batches().Pending(sessionID) > 0 {
		return ErrTurnInProgress
	}

	data := types.MessageData{Content: content}
	if fileID != "" {
		if o.files == nil {
			return fmt.Errorf("attachment %s: no file store configured", fileID)
		}
		file, err := o.files.Get(ctx, fileID)
		if err != nil {
			return fmt.Errorf("attachment %s: %w", fileID, err)
		}
		data.FileID = file.ID
		data.ImageURL = o.files.URLFor(file)
	}

	entry, err := o.entries.Append(ctx, sessionID, types.KindUserMessage, data, fileID)
	if err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	o.rt.Publish(sessionID, types.EntryEvent(entry))

	return o.turn(ctx, sessionID)
}

// Continue runs one model call for the session if the log still ends with
// tool results the model has not seen. A turn started in between may
// already have answered them.
func (o *Orchestrator) Continue(ctx context.Context, sessionID types.SessionID) error {
	unlock := o.lock(sessionID)
	defer unlock()

	entries, err := o.entries.List(ctx, sessionID)
	if err != nil {
		return o.fail(ctx, sessionID, "load entries", err)
	}
	if !runtime.AwaitingModel(entries) {
		slog.Debug("continuation skipped, results already answered", "session_id", string(sessionID))
		return nil
	}
	return o.turn(ctx, sessionID)
}

// turn runs one model call. Caller holds the session's turn lock.
func (o *Orchestrator) turn(ctx context.Context, sessionID types.SessionID) error {
	log := slog.With("session_id", string(sessionID))

	entries, err := o.entries.List(ctx, sessionID)
	if err != nil {
		return o.fail(ctx, sessionID, "load entries", err)
	}
	messages, err := o.engine.BuildPrompt(ctx, sessionID, entries, o.registry.Names())
	if err != nil {
		return o.fail(ctx, sessionID, "build prompt", err)
	}

	start := time.Now()
	events, err := o.provider.Stream(ctx, messages, o.registry.AsLLMTools())
	if err != nil {
		o.metrics.RecordModelCall("error", time.Since(start).Seconds())
		return o.fail(ctx, sessionID, "model call", err)
	}
	res, err := stream.Accumulate(ctx, events, func(ev types.LiveEvent) {
		o.rt.Publish(sessionID, ev)
	})
	if err != nil {
		o.metrics.RecordModelCall("error", time.Since(start).Seconds())
		return o.fail(ctx, sessionID, "model stream", err)
	}
	o.metrics.RecordModelCall("success", time.Since(start).Seconds())
	log.Debug("model call complete",
		"reasoning_len", len(res.Reasoning),
		"content_len", len(res.Content),
		"tool_calls", len(res.ToolCalls),
		"duration", time.Since(start),
	)

	if res.Reasoning != "" {
		if _, err := o.append(ctx, sessionID, types.KindReasoning, types.MessageData{Content: res.Reasoning}); err != nil {
			return o.fail(ctx, sessionID, "append reasoning", err)
		}
	}

	if len(res.ToolCalls) > 0 {
		return o.dispatch(ctx, sessionID, res)
	}

	if res.Content != "" {
		if _, err := o.append(ctx, sessionID, types.KindAssistantMessage, types.MessageData{Content: res.Content}); err != nil {
			return o.fail(ctx, sessionID, "append assistant message", err)
		}
		o.metrics.RecordTurn("text")
	} else {
		o.metrics.RecordTurn("empty")
	}
	o.rt.Publish(sessionID, types.TurnComplete())
	return nil
}

// dispatch persists every requested call and only then hands the batch to
// the runtime.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID types.SessionID, res *stream.Result) error {
	if res.Content != "" {
		if _, err := o.append(ctx, sessionID, types.KindAssistantMessage, types.MessageData{Content: res.Content}); err != nil {
			return o.fail(ctx, sessionID, "append assistant message", err)
		}
	}

	calls := make([]*types.Entry, 0, len(res.ToolCalls))
	for _, tc := range res.ToolCalls {
		callID := tc.CallID
		if callID == "" {
			callID = "call_" + uuid.NewString()
		}
		entry, err := o.append(ctx, sessionID, types.KindToolCall, types.ToolCallData{
			CallID:    callID,
			ToolName:  tc.ToolName,
			Arguments: tc.Arguments,
		})
		if err != nil {
			o.abandon(ctx, sessionID, calls)
			return o.fail(ctx, sessionID, "append tool call", err)
		}
		calls = append(calls, entry)
	}

	o.metrics.RecordTurn("tools")
	if err := o.rt.Dispatch(ctx, sessionID, calls); err != nil {
		// The calls stay pending and are picked up by the next recovery.
		slog.Error("dispatch tool calls", "session_id", string(sessionID), "count", len(calls), "error", err)
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// abandon resolves calls persisted before a failed batch so that recovery
// never runs a batch the model's turn did not complete.
func (o *Orchestrator) abandon(ctx context.Context, sessionID types.SessionID, calls []*types.Entry) {
	writeCtx := context.WithoutCancel(ctx)
	for _, e := range calls {
		var d types.ToolCallData
		if err := e.Decode(&d); err != nil {
			continue
		}
		res := runtime.Fail(runtime.CodeExecutionFailed, "tool call %s was not dispatched", d.ToolName)
		if _, err := o.append(writeCtx, sessionID, types.KindToolResult, types.ToolResultData{CallID: d.CallID, Result: res.JSON()}); err != nil {
			slog.Error("abandon tool call", "session_id", string(sessionID), "entry_id", string(e.ID), "error", err)
			continue
		}
		if err := o.entries.SetStatus(writeCtx, e.ID, types.StatusFailed); err != nil {
			slog.Error("abandon tool call status", "session_id", string(sessionID), "entry_id", string(e.ID), "error", err)
			continue
		}
		o.rt.Publish(sessionID, types.StatusEvent(e.ID, types.StatusFailed))
	}
}

func (o *Orchestrator) append(ctx context.Context, sessionID types.SessionID, kind types.Kind, data any) (*types.Entry, error) {
	entry, err := o.entries.Append(ctx, sessionID, kind, data, "")
	if err != nil {
		return nil, err
	}
	o.rt.Publish(sessionID, types.EntryEvent(entry))
	return entry, nil
}

// fail logs the detail, records the apology and ends the turn.
func (o *Orchestrator) fail(ctx context.Context, sessionID types.SessionID, stage string, err error) error {
	slog.Error("turn failed", "session_id", string(sessionID), "stage", stage, "error", err)
	o.metrics.RecordTurn("error")

	writeCtx := context.WithoutCancel(ctx)
	if _, aerr := o.append(writeCtx, sessionID, types.KindAssistantMessage, types.MessageData{Content: Apology}); aerr != nil {
		slog.Error("append apology", "session_id", string(sessionID), "error", aerr)
	}
	o.rt.Publish(sessionID, types.TurnComplete())
	return fmt.Errorf("%s: %w", stage, err)
}
