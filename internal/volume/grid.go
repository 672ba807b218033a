package volume

import (
	"errors"
	"fmt"
)

// Grid partitions an n-dimensional image into cells of CellDims. Cells on
// the upper border are clipped to the image. Linear cell indices run with
// the first axis fastest.
type Grid struct {
	Dims     []int64
	CellDims []int

	gridDims []int64
}

func NewGrid(dims []int64, cellDims []int) (*Grid, error) {
	if len(dims) == 0 || len(dims) != len(cellDims) {
		return nil, fmt.Errorf("grid dimensionality mismatch: %d image axes, %d cell axes", len(dims), len(cellDims))
	}

	g := &Grid{
		Dims:     append([]int64(nil), dims...),
		CellDims: append([]int(nil), cellDims...),
		gridDims: make([]int64, len(dims)),
	}
	for d := range dims {
		if dims[d] <= 0 || cellDims[d] <= 0 {
			return nil, errors.New("grid dimensions must be positive")
		}
		g.gridDims[d] = (dims[d] + int64(cellDims[d]) - 1) / int64(cellDims[d])
	}
	return g, nil
}

func (g *Grid) NumDimensions() int {
	return len(g.Dims)
}

// GridDims is the number of cells along each axis.
func (g *Grid) GridDims() []int64 {
	return append([]int64(nil), g.gridDims...)
}

func (g *Grid) NumCells() int64 {
	n := int64(1)
	for _, d := range g.gridDims {
		n *= d
	}
	return n
}

// Position returns the grid coordinates of the cell with the given index.
func (g *Grid) Position(index int) []int64 {
	pos := make([]int64, len(g.gridDims))
	rem := int64(index)
	for d, n := range g.gridDims {
		pos[d] = rem % n
		rem /= n
	}
	return pos
}

// Index returns the linear index of the cell at grid coordinates pos.
func (g *Grid) Index(pos []int64) int {
	idx := int64(0)
	for d := len(g.gridDims) - 1; d >= 0; d-- {
		idx = idx*g.gridDims[d] + pos[d]
	}
	return int(idx)
}

// Contains reports whether index addresses a cell of this grid.
func (g *Grid) Contains(index int) bool {
	return index >= 0 && int64(index) < g.NumCells()
}

// CellBounds returns the clipped extents and the min corner of a cell.
func (g *Grid) CellBounds(index int) (dims []int, min []int64) {
	pos := g.Position(index)
	dims = make([]int, len(pos))
	min = make([]int64, len(pos))
	for d, p := range pos {
		min[d] = p * int64(g.CellDims[d])
		dims[d] = int(minInt64(int64(g.CellDims[d]), g.Dims[d]-min[d]))
	}
	return dims, min
}

// CellIndexAt returns the index of the cell containing voxel position pos.
func (g *Grid) CellIndexAt(pos []int64) (int, error) {
	if len(pos) != len(g.Dims) {
		return 0, fmt.Errorf("position has %d axes, grid has %d", len(pos), len(g.Dims))
	}
	cellPos := make([]int64, len(pos))
	for d, p := range pos {
		if p < 0 || p >= g.Dims[d] {
			return 0, fmt.Errorf("position %v outside image %v", pos, g.Dims)
		}
		cellPos[d] = p / int64(g.CellDims[d])
	}
	return g.Index(cellPos), nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
