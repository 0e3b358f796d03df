package tools

import (
	"context"
	"encoding/json"
	"math"

	"github.com/user/towdyouso/internal/runtime"
)

const (
	earthRadiusMeters = 6371000.0
	metersPerMile     = 1609.344
)

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1r, lat2r := lat1*math.Pi/180, lat2*math.Pi/180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1r)*math.Cos(lat2r)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

const pointPairSchema = `{
	"type": "object",
	"properties": {
		"lat1": {"type": "number", "description": "Latitude of point 1."},
		"lon1": {"type": "number", "description": "Longitude of point 1."},
		"lat2": {"type": "number", "description": "Latitude of point 2."},
		"lon2": {"type": "number", "description": "Longitude of point 2."}
	},
	"required": ["lat1", "lon1", "lat2", "lon2"]
}`

type pointPair struct {
	Lat1 float64 `json:"lat1"`
	Lon1 float64 `json:"lon1"`
	Lat2 float64 `json:"lat2"`
	Lon2 float64 `json:"lon2"`
}

// GeoDistance computes the distance between two coordinates.
type GeoDistance struct{}

func NewGeoDistance() *GeoDistance { return &GeoDistance{} }

func (g *GeoDistance) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "geo_distance",
		Description: "Calculate the distance between two lat/lon points using the Haversine formula.",
		Parameters:  json.RawMessage(pointPairSchema),
	}
}

func (g *GeoDistance) Run(_ context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var p pointPair
	if err := json.Unmarshal(args, &p); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	d := Haversine(p.Lat1, p.Lon1, p.Lat2, p.Lon2)
	return runtime.OK(map[string]float64{
		"distance_meters": round(d, 1),
		"distance_miles":  round(d/metersPerMile, 3),
	})
}

// GeoMidpoint averages two coordinates. Sign locations are short street
// segments, so the planar average is close enough.
type GeoMidpoint struct{}

func NewGeoMidpoint() *GeoMidpoint { return &GeoMidpoint{} }

func (g *GeoMidpoint) Describe() runtime.ToolSpec {
	return runtime.ToolSpec{
		Name:        "geo_midpoint",
		Description: "Calculate the geographic midpoint between two lat/lon coordinates.",
		Parameters:  json.RawMessage(pointPairSchema),
	}
}

func (g *GeoMidpoint) Run(_ context.Context, args json.RawMessage, _ runtime.ToolContext) runtime.Result {
	var p pointPair
	if err := json.Unmarshal(args, &p); err != nil {
		return runtime.Fail(runtime.CodeInvalidArguments, "parse args: %v", err)
	}
	return runtime.OK(map[string]float64{
		"lat": (p.Lat1 + p.Lat2) / 2,
		"lon": (p.Lon1 + p.Lon2) / 2,
	})
}
