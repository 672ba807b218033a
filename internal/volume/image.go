package volume

import (
	"context"
	"errors"
	"fmt"

	"voxcache/internal/cache"
)

var ErrCellIndex = errors.New("cell index out of range")

// CellAccessor is the view of the cache an Image reads through.
type CellAccessor interface {
	Get(index int) (*cache.Cell, bool)
	Load(ctx context.Context, index int, dims []int, min []int64) (*cache.Cell, error)
}

// Image is a lazily loaded, cell-addressable image of one
// (timepoint, setup, level).
type Image struct {
	grid   *Grid
	access CellAccessor
}

func NewImage(grid *Grid, access CellAccessor) *Image {
	return &Image{grid: grid, access: access}
}

func (img *Image) Grid() *Grid {
	return img.grid
}

// Cell returns the cell at index, loading it if it is not cached.
func (img *Image) Cell(ctx context.Context, index int) (*cache.Cell, error) {
	if !img.grid.Contains(index) {
		return nil, fmt.Errorf("%w: %d of %d", ErrCellIndex, index, img.grid.NumCells())
	}
	if cell, ok := img.access.Get(index); ok {
		return cell, nil
	}
	dims, min := img.grid.CellBounds(index)
	return img.access.Load(ctx, index, dims, min)
}

// CellAt returns the cell containing voxel position pos.
func (img *Image) CellAt(ctx context.Context, pos []int64) (*cache.Cell, error) {
	index, err := img.grid.CellIndexAt(pos)
	if err != nil {
		return nil, err
	}
	return img.Cell(ctx, index)
}
