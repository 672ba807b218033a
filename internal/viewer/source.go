package viewer

import (
	"math"
)

// MipmapSource is a multi-resolution source whose levels differ only by a
// per-level source-to-global transform. Level 0 is the finest.
type MipmapSource struct {
	transforms []Affine3D
}

func NewMipmapSource(levelTransforms []Affine3D) *MipmapSource {
	return &MipmapSource{transforms: append([]Affine3D(nil), levelTransforms...)}
}

// NewPyramidSource builds a source with numLevels levels, each downsampled by
// 2 along x and y relative to the previous one, placed by base.
func NewPyramidSource(base Affine3D, numLevels int) *MipmapSource {
	transforms := make([]Affine3D, numLevels)
	for l := range transforms {
		f := math.Exp2(float64(l))
		transforms[l] = base.Concatenate(Scale(f, f, 1))
	}
	return &MipmapSource{transforms: transforms}
}

func (s *MipmapSource) NumMipmapLevels() int {
	return len(s.transforms)
}

func (s *MipmapSource) SourceTransform(level int) Affine3D {
	return s.transforms[level]
}

// VoxelScreenSize is the largest screen-space xy extent of a unit step along
// any source axis.
func (s *MipmapSource) VoxelScreenSize(screen Affine3D, timepoint, level int) float64 {
	sourceToScreen := screen.Concatenate(s.transforms[level])

	origin := sourceToScreen.Apply([3]float64{0, 0, 0})
	size := 0.0
	for d := 0; d < 3; d++ {
		var unit [3]float64
		unit[d] = 1
		p := sourceToScreen.Apply(unit)
		dx, dy := p[0]-origin[0], p[1]-origin[1]
		if l := math.Sqrt(dx*dx + dy*dy); l > size {
			size = l
		}
	}
	return size
}
