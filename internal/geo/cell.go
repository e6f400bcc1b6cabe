// Package geo holds the small geographic vocabulary shared by the scheduler
// and its workers: quadtree cells, lon/lat rectangles and the landscape
// object taxonomy used by resource locks.
package geo

import (
	"encoding/json"
	"fmt"
)

// Cell addresses one quadtree cell. Level counts subdivisions from the root,
// South selects the hemisphere sheet, I and J are the row and column within
// the level grid.
type Cell struct {
	Level int
	South bool
	I     int
	J     int
}

const (
	maxLevel   = 31    // 5 bits
	maxIJ      = 1<<28 - 1 // 28 bits each
	southShift = 61
	levelShift = 56
	iShift     = 28
)

// MakeCell builds a cell and validates the coordinate ranges.
func MakeCell(level int, south bool, i, j int) (Cell, error) {
	c := Cell{Level: level, South: south, I: i, J: j}
	if err := c.Validate(); err != nil {
		return Cell{}, err
	}
	return c, nil
}

// Validate checks that the coordinates fit the raw-index packing.
func (c Cell) Validate() error {
	if c.Level < 0 || c.Level > maxLevel {
		return fmt.Errorf("cell level %d out of range", c.Level)
	}
	if c.I < 0 || c.I > maxIJ || c.J < 0 || c.J > maxIJ {
		return fmt.Errorf("cell coordinates (%d, %d) out of range", c.I, c.J)
	}
	return nil
}

// RawIndex packs the cell into a single integer. The packing is stable: it
// is what the edit-history table stores in qtree_id.
func (c Cell) RawIndex() int64 {
	var south int64
	if c.South {
		south = 1
	}
	return south<<southShift | int64(c.Level)<<levelShift | int64(c.I)<<iShift | int64(c.J)
}

// CellFromRaw unpacks a raw index produced by RawIndex.
func CellFromRaw(raw int64) Cell {
	return Cell{
		Level: int(raw >> levelShift & maxLevel),
		South: raw>>southShift&1 == 1,
		I:     int(raw >> iShift & maxIJ),
		J:     int(raw & maxIJ),
	}
}

func (c Cell) String() string {
	hemi := "N"
	if c.South {
		hemi = "S"
	}
	return fmt.Sprintf("%s%d(%d,%d)", hemi, c.Level, c.I, c.J)
}

// MarshalJSON encodes the cell as the [level, south, i, j] quadruple used in
// task payloads.
func (c Cell) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]any{c.Level, c.South, c.I, c.J})
}

// UnmarshalJSON decodes the [level, south, i, j] quadruple.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var quad [4]json.Number
	if err := json.Unmarshal(data, &quad); err != nil {
		// The south flag is a bool, not a number; decode loosely.
		var raw [4]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("cell quadruple: %w", err)
		}
		return c.fromAny(raw)
	}
	var raw [4]any
	for k, n := range quad {
		raw[k] = n
	}
	return c.fromAny(raw)
}

func (c *Cell) fromAny(raw [4]any) error {
	level, ok := asInt(raw[0])
	if !ok {
		return fmt.Errorf("cell level: expected integer, got %v", raw[0])
	}
	south, ok := raw[1].(bool)
	if !ok {
		// Some producers encode the flag as 0/1.
		if s, okNum := asInt(raw[1]); okNum {
			south = s != 0
		} else {
			return fmt.Errorf("cell south flag: expected bool, got %v", raw[1])
		}
	}
	i, ok := asInt(raw[2])
	if !ok {
		return fmt.Errorf("cell i: expected integer, got %v", raw[2])
	}
	j, ok := asInt(raw[3])
	if !ok {
		return fmt.Errorf("cell j: expected integer, got %v", raw[3])
	}
	cell, err := MakeCell(level, south, i, j)
	if err != nil {
		return err
	}
	*c = cell
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
