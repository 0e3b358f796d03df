package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
)

// OCRParkingSign sends an uploaded sign photo to a Roboflow workflow that
// detects sign panels and reads their text.
type OCRParkingSign struct {
	apiKey      string
	workflowURL string
	files       types.FileStore
	client      *http.Client
	retry       *RetryPolicy
}

// NewOCRParkingSign creates the ocr_parking_sign tool.
func NewOCRParkingSign(apiKey, workflowURL string, files types.FileStore) *OCRParkingSign {
	return &OCRParkingSign{
		apiKey:      apiKey,
		workflowURL: workflowURL,
		files:       files,
		client:      &http.Client{Timeout: 30 * time.Second},
		retry:       DefaultRetryPolicy(),
	}
}

func (o *OCRParkingSign) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name: "ocr_parking_sign",
		Description: "Send a parking sign image to the OCR pipeline. " +
			"Returns an array of strings, one per detected sign part.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file_id": {"type": "string", "description": "The uploaded file ID of the parking sign image."}
			},
			"required": ["file_id"]
		}`),
	}
}

type roboflowRequest struct {
	APIKey string `json:"api_key"`
	Inputs struct {
		Image struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"image"`
	} `json:"inputs"`
}

type roboflowResponse struct {
	Outputs []struct {
		Signs []string `json:"signs"`
	} `json:"outputs"`
}

func (o *OCRParkingSign) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		FileID string `json:"file_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}

	data, err := o.readFile(ctx, types.FileID(params.FileID))
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "File not found: %s", params.FileID)
	}

	var payload roboflowRequest
	payload.APIKey = o.apiKey
	payload.Inputs.Image.Type = "base64"
	payload.Inputs.Image.Value = base64.StdEncoding.EncodeToString(data)
	body, err := json.Marshal(payload)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "marshal request: %v", err)
	}

	var result roboflowResponse
	err = doJSON(ctx, o.client, o.retry, "Roboflow", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.workflowURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &result)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "ocr: %v", err)
	}

	signs := []string{}
	if len(result.Outputs) > 0 && result.Outputs[0].Signs != nil {
		signs = result.Outputs[0].Signs
	}
	return runtime.OK(map[string]any{"signs": signs})
}

func (o *OCRParkingSign) readFile(ctx context.Context, id types.FileID) ([]byte, error) {
	rc, err := o.files.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}
