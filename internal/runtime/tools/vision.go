package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
	"github.com/user/towdyouso/pkg/llm"
)

const visionPrompt = "You describe images precisely. For signs, transcribe every line of text " +
	"exactly as written, including arrows, times, days and exceptions."

// imageSchema accepts either an uploaded file ID or an image URL.
const imageSchema = `{
	"type": "object",
	"properties": {
		"file_id": {"type": "string", "description": "ID of an uploaded image."},
		"image_url": {"type": "string", "description": "URL of the image."}
	},
	"anyOf": [{"required": ["file_id"]}, {"required": ["image_url"]}]
}`

type imageArgs struct {
	FileID   string `json:"file_id"`
	ImageURL string `json:"image_url"`
}

// resolveImage returns a URL the model can fetch. Uploaded files are inlined
// as data URLs because the upload server is usually not reachable from the
// model provider.
func resolveImage(ctx context.Context, files types.FileStore, args imageArgs) (string, error) {
	if args.FileID != "" {
		if files == nil {
			return "", fmt.Errorf("no file store configured")
		}
		return files.DataURL(ctx, types.FileID(args.FileID))
	}
	if args.ImageURL == "" {
		return "", fmt.Errorf("file_id or image_url is required")
	}
	return args.ImageURL, nil
}

// Vision describes an image through the language model.
type Vision struct {
	provider llm.Provider
	files    types.FileStore
}

// NewVision creates the vision tool.
func NewVision(provider llm.Provider, files types.FileStore) *Vision {
	return &Vision{provider: provider, files: files}
}

func (v *Vision) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "vision",
		Description: "Get a general-purpose description of an image.",
		Parameters:  json.RawMessage(imageSchema),
	}
}

func (v *Vision) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params imageArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	url, err := resolveImage(ctx, v.files, params)
	if err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "%v", err)
	}

	resp, err := v.provider.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: visionPrompt},
		{Role: llm.RoleUser, Content: "Describe this image.", Images: []string{url}},
	}, nil)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "vision model: %v", err)
	}
	return runtime.OK(map[string]string{"description": strings.TrimSpace(resp.Content)})
}
