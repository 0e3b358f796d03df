package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
)

const (
	defaultSearchRadius = 1600.0
	defaultPageSize     = 5
)

// SaveSignLocation records where a photographed parking sign stands.
type SaveSignLocation struct {
	store types.SignStore
}

func NewSaveSignLocation(store types.SignStore) *SaveSignLocation {
	return &SaveSignLocation{store: store}
}

func (s *SaveSignLocation) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "save_parking_sign_location",
		Description: "Save a parking sign's geocoded location to the database.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"uploaded_file_id": {"type": "string", "description": "ID of the uploaded parking sign image."},
				"latitude": {"type": "number", "description": "Latitude of the sign location."},
				"longitude": {"type": "number", "description": "Longitude of the sign location."},
				"description": {"type": "string", "description": "Original user description of the location."},
				"sign_text": {"type": "string", "description": "OCR-extracted text/rules from the parking sign."}
			},
			"required": ["uploaded_file_id", "latitude", "longitude", "description", "sign_text"]
		}`),
	}
}

func (s *SaveSignLocation) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		UploadedFileID string  `json:"uploaded_file_id"`
		Latitude       float64 `json:"latitude"`
		Longitude      float64 `json:"longitude"`
		Description    string  `json:"description"`
		SignText       string  `json:"sign_text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	if params.Latitude < -90 || params.Latitude > 90 || params.Longitude < -180 || params.Longitude > 180 {
		return runtime.Fail(runtime.CodeInvalidArguments, "coordinates out of range: %f,%f", params.Latitude, params.Longitude)
	}

	loc, err := s.store.Save(ctx, &types.SignLocation{
		UploadedFileID: types.FileID(params.UploadedFileID),
		Latitude:       params.Latitude,
		Longitude:      params.Longitude,
		Description:    params.Description,
		SignText:       params.SignText,
	})
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "save sign location: %v", err)
	}
	return runtime.OK(map[string]any{
		"id":          loc.ID,
		"latitude":    loc.Latitude,
		"longitude":   loc.Longitude,
		"description": loc.Description,
	})
}

// SearchNearbySigns lists saved signs within a radius, nearest first.
type SearchNearbySigns struct {
	store types.SignStore
	files types.FileStore
}

// NewSearchNearbySigns creates the search tool. files may be nil, in which
// case results carry no image URL.
func NewSearchNearbySigns(store types.SignStore, files types.FileStore) *SearchNearbySigns {
	return &SearchNearbySigns{store: store, files: files}
}

func (s *SearchNearbySigns) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name: "search_nearby_signs",
		Description: "Search for saved parking sign locations near a given point. " +
			"Returns results sorted by distance with pagination.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"latitude": {"type": "number", "description": "Latitude of the search center."},
				"longitude": {"type": "number", "description": "Longitude of the search center."},
				"radius_meters": {"type": "number", "description": "Search radius in meters (default 1600, ~1 mile)."},
				"page": {"type": "integer", "minimum": 1, "description": "Page number (default 1)."},
				"page_size": {"type": "integer", "minimum": 1, "maximum": 50, "description": "Results per page (default 5)."}
			},
			"required": ["latitude", "longitude"]
		}`),
	}
}

type nearbySign struct {
	ID             types.SignID `json:"id"`
	Latitude       float64      `json:"latitude"`
	Longitude      float64      `json:"longitude"`
	Description    string       `json:"description"`
	SignText       string       `json:"sign_text"`
	DistanceMeters float64      `json:"distance_meters"`
	DistanceMiles  float64      `json:"distance_miles"`
	ImageURL       string       `json:"image_url"`

	exact float64
}

func (s *SearchNearbySigns) Run(ctx context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var params struct {
		Latitude     float64  `json:"latitude"`
		Longitude    float64  `json:"longitude"`
		RadiusMeters *float64 `json:"radius_meters"`
		Page         int      `json:"page"`
		PageSize     int      `json:"page_size"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	radius := defaultSearchRadius
	if params.RadiusMeters != nil {
		radius = *params.RadiusMeters
	}
	if params.Page <= 0 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = defaultPageSize
	}

	locs, err := s.store.List(ctx)
	if err != nil {
		return runtime.Fail(runtime.CodeExecutionFailed, "list sign locations: %v", err)
	}

	results := []nearbySign{}
	for _, loc := range locs {
		d := Haversine(params.Latitude, params.Longitude, loc.Latitude, loc.Longitude)
		if d > radius {
			continue
		}
		results = append(results, nearbySign{
			ID:             loc.ID,
			Latitude:       loc.Latitude,
			Longitude:      loc.Longitude,
			Description:    loc.Description,
			SignText:       loc.SignText,
			DistanceMeters: round(d, 1),
			DistanceMiles:  round(d/metersPerMile, 3),
			ImageURL:       s.imageURL(ctx, loc.UploadedFileID),
			exact:          d,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].exact < results[j].exact })

	total := len(results)
	totalPages := (total + params.PageSize - 1) / params.PageSize
	if totalPages < 1 {
		totalPages = 1
	}
	start := (params.Page - 1) * params.PageSize
	end := start + params.PageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return runtime.OK(map[string]any{
		"results":       results[start:end],
		"page":          params.Page,
		"total_pages":   totalPages,
		"total_results": total,
	})
}

func (s *SearchNearbySigns) imageURL(ctx context.Context, id types.FileID) string {
	if s.files == nil || id == "" {
		return ""
	}
	file, err := s.files.Get(ctx, id)
	if err != nil {
		return ""
	}
	return s.files.URLFor(file)
}
