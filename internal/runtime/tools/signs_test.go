package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/state"
)

func TestSaveAndSearchSigns(t *testing.T) {
	dir := t.TempDir()
	signs := state.NewSignStore(filepath.Join(dir, "signs.json"))
	files := state.NewFileStore(filepath.Join(dir, "uploads"), "http://localhost:8000")
	ctx := context.Background()

	photo, err := files.Save(ctx, []byte("jpeg"), "sign.jpg", "image/jpeg")
	require.NoError(t, err)

	save := NewSaveSignLocation(signs)
	// Three signs at increasing distance north of the origin, one far away.
	for i, lat := range []float64{37.7610, 37.7600, 37.7620, 38.5} {
		args, _ := json.Marshal(map[string]any{
			"uploaded_file_id": string(photo.ID),
			"latitude":         lat,
			"longitude":        -122.3880,
			"description":      fmt.Sprintf("sign %d", i),
			"sign_text":        "2 HOUR PARKING 8AM-6PM",
		})
		res := save.Run(ctx, args, runtime.ToolContext{})
		require.False(t, res.Failed(), "%v", res.Err)
	}

	search := NewSearchNearbySigns(signs, files)
	res := search.Run(ctx, json.RawMessage(`{"latitude":37.7599,"longitude":-122.3880,"page_size":2}`), runtime.ToolContext{})
	require.False(t, res.Failed(), "%v", res.Err)

	var out struct {
		Results []struct {
			Description    string  `json:"description"`
			DistanceMeters float64 `json:"distance_meters"`
			ImageURL       string  `json:"image_url"`
		} `json:"results"`
		Page         int `json:"page"`
		TotalPages   int `json:"total_pages"`
		TotalResults int `json:"total_results"`
	}
	require.NoError(t, json.Unmarshal(res.JSON(), &out))

	assert.Equal(t, 3, out.TotalResults)
	assert.Equal(t, 2, out.TotalPages)
	assert.Equal(t, 1, out.Page)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "sign 1", out.Results[0].Description)
	assert.Equal(t, "sign 0", out.Results[1].Description)
	assert.Less(t, out.Results[0].DistanceMeters, out.Results[1].DistanceMeters)
	assert.Equal(t, "http://localhost:8000/uploads/"+photo.StorageKey, out.Results[0].ImageURL)

	res = search.Run(ctx, json.RawMessage(`{"latitude":37.7599,"longitude":-122.3880,"page":2,"page_size":2}`), runtime.ToolContext{})
	require.NoError(t, json.Unmarshal(res.JSON(), &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "sign 2", out.Results[0].Description)
}

func TestSearchNearbySignsEmpty(t *testing.T) {
	signs := state.NewSignStore(filepath.Join(t.TempDir(), "signs.json"))
	res := NewSearchNearbySigns(signs, nil).Run(context.Background(), json.RawMessage(`{"latitude":0,"longitude":0,"page":3}`), runtime.ToolContext{})
	require.False(t, res.Failed())
	assert.JSONEq(t, `{"results":[],"page":3,"total_pages":1,"total_results":0}`, string(res.JSON()))
}

func TestSaveSignRejectsBadCoordinates(t *testing.T) {
	signs := state.NewSignStore(filepath.Join(t.TempDir(), "signs.json"))
	args := json.RawMessage(`{"uploaded_file_id":"f","latitude":123,"longitude":0,"description":"d","sign_text":"s"}`)
	res := NewSaveSignLocation(signs).Run(context.Background(), args, runtime.ToolContext{})
	require.True(t, res.Failed())
	assert.Equal(t, runtime.CodeInvalidArguments, res.Err.Code)

	locs, err := signs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locs)
}
