package cache

import "weak"

// Cell is a dense n-dimensional block of a larger image: extents Dims, its
// min corner Min in global index space, and the raw payload. Placeholder is
// set when Data is the loader's empty array rather than loaded data.
//
// Cells are immutable after construction. Callers must not modify Data.
type Cell struct {
	Dims        []int
	Min         []int64
	Data        []byte
	Placeholder bool
}

func newCell(dims []int, min []int64, data []byte, placeholder bool) *Cell {
	return &Cell{
		Dims:        append([]int(nil), dims...),
		Min:         append([]int64(nil), min...),
		Data:        data,
		Placeholder: placeholder,
	}
}

// Size is the payload size in bytes.
func (c *Cell) Size() int64 {
	return int64(len(c.Data))
}

// entry is what the index stores per key. It does not keep the cell alive:
// the retention tier and the consumers do.
type entry struct {
	ref weak.Pointer[Cell]
}

func newEntry(cell *Cell) *entry {
	return &entry{ref: weak.Make(cell)}
}

func (e *entry) cell() *Cell {
	return e.ref.Value()
}
