package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/user/towdyouso/internal/runtime"
)

const mapboxGeocodeURL = "https://api.mapbox.com/search/geocode/v6/forward"

// MapboxGeocode forward-geocodes free-text locations.
type MapboxGeocode struct {
	token   string
	baseURL string
	client  *http.Client
	retry   *RetryPolicy
}

// NewMapboxGeocode creates the mapbox_geocode tool.
func NewMapboxGeocode(token string) *MapboxGeocode {
	return &MapboxGeocode{
		token:   token,
		baseURL: mapboxGeocodeURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		retry:   DefaultRetryPolicy(),
	}
}

func (m *MapboxGeocode) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name: "mapbox_geocode",
		Description: "Forward-geocode a location query using Mapbox. " +
			"Returns latitude, longitude, full address, and name for the best match.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The location to geocode, e.g. '20th St & Illinois St, San Francisco'."},
				"proximity": {"type": "string", "description": "Optional 'lon,lat' string to bias results toward a location."}
			},
			"required": ["query"]
		}`),
	}
}

type mapboxResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			FullAddress string `json:"full_address"`
			Name        string `json:"name"`
		} `json:"properties"`
	} `json:"features"`
}

func (m *MapboxGeocode) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		Query     string `json:"query"`
		Proximity string `json:"proximity"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	if params.Query == "" {
		return runtime.Fail(runtime.CodeInvalidArguments, "query is required")
	}
	if m.token == "" {
		return runtime.Fail(runtime.CodeExecutionFailed, "MAPBOX_ACCESS_TOKEN is not configured")
	}

	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("access_token", m.token)
	q.Set("limit", "1")
	q.Set("types", "address,street")
	if params.Proximity != "" {
		q.Set("proximity", params.Proximity)
	}
	target := m.baseURL + "?" + q.Encode()

	var result mapboxResponse
	err := doJSON(ctx, m.client, m.retry, "Mapbox", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, &result)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "geocode: %v", err)
	}

	if len(result.Features) == 0 || len(result.Features[0].Geometry.Coordinates) < 2 {
		return runtime.Fail(runtime.CodeExecutionFailed, "No results found for '%s'", params.Query)
	}
	f := result.Features[0]
	return runtime.OK(map[string]any{
		"lat":          f.Geometry.Coordinates[1],
		"lon":          f.Geometry.Coordinates[0],
		"full_address": f.Properties.FullAddress,
		"name":         f.Properties.Name,
	})
}
