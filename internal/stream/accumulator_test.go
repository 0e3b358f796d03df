package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

func feed(events ...llm.StreamEvent) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestAccumulateInterleavedToolCalls(t *testing.T) {
	events := feed(
		llm.StreamEvent{Type: llm.EventToolCall, Index: 1, CallID: "b", ToolName: "y", Arguments: `{"q":`},
		llm.StreamEvent{Type: llm.EventToolCall, Index: 0, CallID: "a", ToolName: "x", Arguments: `{}`},
		llm.StreamEvent{Type: llm.EventToolCall, Index: 1, Arguments: `1}`},
		llm.StreamEvent{Type: llm.EventDone},
	)

	res, err := Accumulate(context.Background(), events, nil)
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 2)

	assert.Equal(t, "a", res.ToolCalls[0].CallID)
	assert.Equal(t, "x", res.ToolCalls[0].ToolName)
	assert.JSONEq(t, `{}`, string(res.ToolCalls[0].Arguments))

	assert.Equal(t, "b", res.ToolCalls[1].CallID)
	assert.Equal(t, "y", res.ToolCalls[1].ToolName)
	assert.JSONEq(t, `{"q":1}`, string(res.ToolCalls[1].Arguments))
}

func TestAccumulateForwardsDeltas(t *testing.T) {
	events := feed(
		llm.StreamEvent{Type: llm.EventReasoning, Text: "The sign "},
		llm.StreamEvent{Type: llm.EventContent, Text: "You can "},
		llm.StreamEvent{Type: llm.EventReasoning, Text: "is clear."},
		llm.StreamEvent{Type: llm.EventContent, Text: "park here."},
		llm.StreamEvent{Type: llm.EventDone},
	)

	var forwarded []types.LiveEvent
	res, err := Accumulate(context.Background(), events, func(ev types.LiveEvent) {
		forwarded = append(forwarded, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, "The sign is clear.", res.Reasoning)
	assert.Equal(t, "You can park here.", res.Content)
	assert.Empty(t, res.ToolCalls)

	require.Len(t, forwarded, 4)
	assert.Equal(t, types.EventReasoningDelta, forwarded[0].Type)
	assert.Equal(t, types.EventContentDelta, forwarded[1].Type)
	assert.Equal(t, "park here.", forwarded[3].Text)
}

func TestAccumulateFirstIDAndNameWin(t *testing.T) {
	events := feed(
		llm.StreamEvent{Type: llm.EventToolCall, Index: 0, CallID: "first", ToolName: "vision"},
		llm.StreamEvent{Type: llm.EventToolCall, Index: 0, CallID: "second", ToolName: "other", Arguments: `{"image_url":"u"}`},
		llm.StreamEvent{Type: llm.EventDone},
	)
	res, err := Accumulate(context.Background(), events, nil)
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "first", res.ToolCalls[0].CallID)
	assert.Equal(t, "vision", res.ToolCalls[0].ToolName)
}

func TestAccumulateEmptyArgumentsAreEmptyObject(t *testing.T) {
	events := feed(
		llm.StreamEvent{Type: llm.EventToolCall, Index: 0, CallID: "a", ToolName: "get_current_time"},
		llm.StreamEvent{Type: llm.EventDone},
	)
	res, err := Accumulate(context.Background(), events, nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(res.ToolCalls[0].Arguments))
}

func TestAccumulateMalformedArguments(t *testing.T) {
	events := feed(
		llm.StreamEvent{Type: llm.EventToolCall, Index: 0, CallID: "a", ToolName: "x", Arguments: `{"q":`},
		llm.StreamEvent{Type: llm.EventDone},
	)
	_, err := Accumulate(context.Background(), events, nil)
	assert.ErrorIs(t, err, ErrMalformedToolCall)
}

func TestAccumulateTruncated(t *testing.T) {
	events := feed(llm.StreamEvent{Type: llm.EventContent, Text: "partial"})
	_, err := Accumulate(context.Background(), events, nil)
	assert.ErrorIs(t, err, ErrStreamTruncated)
}

func TestAccumulateProviderError(t *testing.T) {
	boom := errors.New("rate limited")
	events := feed(
		llm.StreamEvent{Type: llm.EventContent, Text: "partial"},
		llm.StreamEvent{Type: llm.EventError, Err: boom},
	)
	_, err := Accumulate(context.Background(), events, nil)
	assert.ErrorIs(t, err, boom)
}

func TestAccumulateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := make(chan llm.StreamEvent)
	_, err := Accumulate(ctx, events, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
