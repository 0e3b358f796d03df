package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream sends a chat completion request and returns a channel of
	// incremental events terminated by EventDone or EventError.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Emit sends ev on ch unless ctx is done. It reports whether the event was sent.
func Emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// StreamFromResponse replays a complete response as a stream. Providers
// without native streaming use it to satisfy Stream.
func StreamFromResponse(ctx context.Context, resp *Response) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(resp.ToolCalls)+2)
	go func() {
		defer close(ch)
		if resp.Content != "" {
			if !Emit(ctx, ch, StreamEvent{Type: EventContent, Text: resp.Content}) {
				return
			}
		}
		for i, tc := range resp.ToolCalls {
			ev := StreamEvent{
				Type:      EventToolCall,
				Index:     i,
				CallID:    tc.ID,
				ToolName:  tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			}
			if !Emit(ctx, ch, ev) {
				return
			}
		}
		Emit(ctx, ch, StreamEvent{Type: EventDone})
	}()
	return ch
}
