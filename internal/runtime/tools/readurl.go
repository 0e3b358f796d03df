package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/towdyouso/internal/runtime"
)

const maxReadURLChars = 50000

// ReadURL fetches a URL and converts its HTML content to markdown, e.g. a
// city's street-cleaning schedule page.
type ReadURL struct {
	client *http.Client
}

// NewReadURL creates a new ReadURL tool.
func NewReadURL() *ReadURL {
	return &ReadURL{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *ReadURL) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "read_url",
		Description: "Fetch a URL and return its content as markdown",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch"}
			},
			"required": ["url"]
		}`),
	}
}

func (r *ReadURL) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	if params.URL == "" {
		return runtime.Fail(runtime.CodeInvalidArguments, "url is required")
	}

	md, err := r.fetch(ctx, params.URL)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "%v", err)
	}
	return runtime.OK(map[string]string{"url": params.URL, "markdown": md})
}

func (r *ReadURL) fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "TowdYouSo/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}

	if len(md) > maxReadURLChars {
		md = md[:maxReadURLChars] + "\n\n[Content truncated]"
	}
	return md, nil
}
