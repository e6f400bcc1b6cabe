package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadtile/drover/internal/geo"
)

func TestTaskInputFlattensParams(t *testing.T) {
	in := TaskInput{
		Username: "alice",
		Rect:     &geo.Rect{LonMin: 10, LatMin: 50, LonMax: 11, LatMax: 51},
		Cells:    []geo.Cell{{Level: 11, South: false, I: 980, J: 978}},
		Params:   map[string]any{"width": 4.5, "style": "gravel"},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"username": "alice",
		"rect": {"lon_min": 10, "lat_min": 50, "lon_max": 11, "lat_max": 51},
		"cells": [[11, false, 980, 978]],
		"width": 4.5,
		"style": "gravel"
	}`, string(data))

	var got TaskInput
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, in, got)
}

func TestTaskInputOmitsAbsentFields(t *testing.T) {
	data, err := json.Marshal(TaskInput{Params: map[string]any{"n": float64(3)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n": 3}`, string(data))

	var got TaskInput
	require.NoError(t, json.Unmarshal([]byte(`{}`), &got))
	assert.Empty(t, got.Username)
	assert.Nil(t, got.Rect)
	assert.Nil(t, got.Cells)
	assert.Nil(t, got.Params)
}

func TestTaskInputCloneIsDeep(t *testing.T) {
	in := TaskInput{
		Username: "alice",
		Cells:    []geo.Cell{{Level: 5, I: 1, J: 2}},
		Params: map[string]any{
			"nested": map[string]any{"k": "v"},
			"list":   []any{"a", "b"},
		},
	}

	clone := in.Clone()
	clone.Cells[0].I = 99
	clone.Params["nested"].(map[string]any)["k"] = "changed"
	clone.Params["list"].([]any)[0] = "z"

	assert.Equal(t, 1, in.Cells[0].I)
	assert.Equal(t, "v", in.Params["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", in.Params["list"].([]any)[0])
}

func TestTaskInputSetParam(t *testing.T) {
	var in TaskInput
	in.SetParam("attempt", 2)
	assert.Equal(t, 2, in.Params["attempt"])
}

func TestTaskInputLockedRoundTrip(t *testing.T) {
	in := TaskInput{
		Username: "alice",
		Locked: []LockedView{
			{Type: "infrastructure_line", Subtype: "road", Cells: []int64{101, 102}},
			{Type: "vegetation", Objects: []int64{7}},
		},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"username": "alice",
		"locked": [
			{"type": "infrastructure_line", "subtype": "road", "cells": [101, 102]},
			{"type": "vegetation", "objects": [7]}
		]
	}`, string(data))

	var got TaskInput
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, in, got)

	clone := in.Clone()
	clone.Locked[0].Cells[0] = 999
	assert.Equal(t, int64(101), in.Locked[0].Cells[0])
}
