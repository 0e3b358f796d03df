package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/user/towdyouso/internal/runtime"
)

// BraveSearch searches the web via Brave Search API, typically for local
// parking regulations.
type BraveSearch struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   *RetryPolicy
}

// NewBraveSearch creates a new Brave Search tool.
func NewBraveSearch(apiKey string) *BraveSearch {
	return &BraveSearch{
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1/web/search",
		client:  &http.Client{Timeout: 15 * time.Second},
		retry:   DefaultRetryPolicy(),
	}
}

func (b *BraveSearch) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "web_search",
		Description: "Search the web, e.g. for a city's parking regulations or street-cleaning schedule.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Search query"},
				"count": {"type": "integer", "description": "Number of results (default: 5, max: 20)"}
			},
			"required": ["query"]
		}`),
	}
}

type braveResponse struct {
	Web braveWeb `json:"web"`
}

type braveWeb struct {
	Results []braveResult `json:"results"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (b *BraveSearch) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	if params.Query == "" {
		return runtime.Fail(runtime.CodeInvalidArguments, "query is required")
	}
	if params.Count <= 0 {
		params.Count = 5
	}
	if params.Count > 20 {
		params.Count = 20
	}

	u, err := url.Parse(b.baseURL)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "parse base URL: %v", err)
	}
	q := u.Query()
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.Count))
	u.RawQuery = q.Encode()

	var result braveResponse
	err = doJSON(ctx, b.client, b.retry, "Brave", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", b.apiKey)
		return req, nil
	}, &result)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "search: %v", err)
	}

	results := result.Web.Results
	if results == nil {
		results = []braveResult{}
	}
	return runtime.OK(map[string]any{"query": params.Query, "results": results})
}
