package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/state"
	"github.com/user/towdyouso/pkg/llm"
)

// fakeProvider records requests and replays responses in order.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  [][]llm.Message
}

func (f *fakeProvider) Complete(_ context.Context, messages []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.requests)
	f.requests = append(f.requests, messages)
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return &llm.Response{Content: "done"}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.StreamEvent, error) {
	resp, err := f.Complete(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	return llm.StreamFromResponse(ctx, resp), nil
}

func TestVisionInlinesUploads(t *testing.T) {
	files := state.NewFileStore(filepath.Join(t.TempDir(), "uploads"), "http://localhost:8000")
	photo, err := files.Save(context.Background(), []byte("png-bytes"), "sign.png", "image/png")
	require.NoError(t, err)

	provider := &fakeProvider{responses: []*llm.Response{{Content: " A NO PARKING sign, Tue 8-10AM. "}}}
	v := NewVision(provider, files)

	args, _ := json.Marshal(map[string]string{"file_id": string(photo.ID)})
	res := v.Run(context.Background(), args, runtime.ToolContext{})
	require.False(t, res.Failed(), "%v", res.Err)
	assert.JSONEq(t, `{"description":"A NO PARKING sign, Tue 8-10AM."}`, string(res.JSON()))

	require.Len(t, provider.requests, 1)
	user := provider.requests[0][1]
	require.Len(t, user.Images, 1)
	assert.True(t, strings.HasPrefix(user.Images[0], "data:image/png;base64,"))
}

func TestVisionRequiresAnImage(t *testing.T) {
	reg := runtime.NewRegistry()
	require.NoError(t, reg.Register(NewVision(&fakeProvider{}, nil)))

	res := reg.Execute(context.Background(), "vision", json.RawMessage(`{}`), runtime.ToolContext{})
	require.True(t, res.Failed())
	assert.Equal(t, runtime.CodeInvalidArguments, res.Err.Code)

	res = reg.Execute(context.Background(), "vision", json.RawMessage(`{"image_url":"https://example.com/sign.jpg"}`), runtime.ToolContext{})
	assert.False(t, res.Failed())
}
