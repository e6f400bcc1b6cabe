package wire

import (
	"encoding/json"
	"fmt"

	"github.com/quadtile/drover/internal/geo"
)

// TaskInput is the payload published to a worker queue. The scheduler
// understands the username, rect, cells and locked fields; everything else
// rides along in Params untouched for the consumer to interpret.
type TaskInput struct {
	Username string
	Rect     *geo.Rect
	Cells    []geo.Cell
	Locked   []LockedView
	Params   map[string]any
}

// LockedView describes one slice of edit locks held on behalf of the task:
// the cells (raw quadtree indices) or object ids locked for one object type
// and optional subtype.
type LockedView struct {
	Type    string  `json:"type"`
	Subtype string  `json:"subtype,omitempty"`
	Cells   []int64 `json:"cells,omitempty"`
	Objects []int64 `json:"objects,omitempty"`
}

// MarshalJSON flattens Params into the top-level object alongside the
// known fields.
func (in TaskInput) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(in.Params)+3)
	for k, v := range in.Params {
		out[k] = v
	}
	if in.Username != "" {
		out["username"] = in.Username
	}
	if in.Rect != nil {
		out["rect"] = *in.Rect
	}
	if in.Cells != nil {
		out["cells"] = in.Cells
	}
	if in.Locked != nil {
		out["locked"] = in.Locked
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the known fields off the top-level object and keeps
// the remainder in Params.
func (in *TaskInput) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("task input: %w", err)
	}
	*in = TaskInput{}
	if v, ok := raw["username"]; ok {
		if err := json.Unmarshal(v, &in.Username); err != nil {
			return fmt.Errorf("task input username: %w", err)
		}
		delete(raw, "username")
	}
	if v, ok := raw["rect"]; ok {
		var r geo.Rect
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("task input rect: %w", err)
		}
		in.Rect = &r
		delete(raw, "rect")
	}
	if v, ok := raw["cells"]; ok {
		if err := json.Unmarshal(v, &in.Cells); err != nil {
			return fmt.Errorf("task input cells: %w", err)
		}
		delete(raw, "cells")
	}
	if v, ok := raw["locked"]; ok {
		if err := json.Unmarshal(v, &in.Locked); err != nil {
			return fmt.Errorf("task input locked: %w", err)
		}
		delete(raw, "locked")
	}
	if len(raw) > 0 {
		in.Params = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("task input %s: %w", k, err)
			}
			in.Params[k] = val
		}
	}
	return nil
}

// Clone deep-copies the input so callers can mutate their copy without
// touching the template it came from.
func (in TaskInput) Clone() TaskInput {
	out := TaskInput{Username: in.Username}
	if in.Rect != nil {
		r := *in.Rect
		out.Rect = &r
	}
	if in.Cells != nil {
		out.Cells = make([]geo.Cell, len(in.Cells))
		copy(out.Cells, in.Cells)
	}
	if in.Locked != nil {
		out.Locked = make([]LockedView, len(in.Locked))
		for i, lv := range in.Locked {
			out.Locked[i] = lv.clone()
		}
	}
	if in.Params != nil {
		out.Params = copyMap(in.Params)
	}
	return out
}

func (lv LockedView) clone() LockedView {
	out := LockedView{Type: lv.Type, Subtype: lv.Subtype}
	if lv.Cells != nil {
		out.Cells = append([]int64(nil), lv.Cells...)
	}
	if lv.Objects != nil {
		out.Objects = append([]int64(nil), lv.Objects...)
	}
	return out
}

// SetParam stores an extra field, allocating Params on first use.
func (in *TaskInput) SetParam(key string, value any) {
	if in.Params == nil {
		in.Params = make(map[string]any)
	}
	in.Params[key] = value
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
