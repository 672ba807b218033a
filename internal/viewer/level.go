package viewer

import "math"

// footprintThreshold is the smallest on-screen voxel size, in pixels, at
// which a level is still considered fine enough.
const footprintThreshold = 0.99

// Source reports, per resolution level, how large one of its voxels appears
// on screen under a given global-to-screen transform.
type Source interface {
	NumMipmapLevels() int
	VoxelScreenSize(screen Affine3D, timepoint, level int) float64
}

// VisibilityFunc reports whether a source is shown at a timepoint under the
// current display mode.
type VisibilityFunc func(sourceIndex, timepoint int) bool

// AlwaysVisible treats every source as visible.
func AlwaysVisible(int, int) bool { return true }

// BestMipmapLevel picks the coarsest level whose voxels are still about one
// screen pixel large. Invisible sources get the coarsest level.
//
// viewerTransform maps global to viewer coordinates and screenScale maps
// viewer to screen coordinates.
func BestMipmapLevel(viewerTransform, screenScale Affine3D, src Source, sourceIndex, timepoint int, visible VisibilityFunc) int {
	screen := viewerTransform.PreConcatenate(screenScale)

	target := src.NumMipmapLevels() - 1
	if visible != nil && !visible(sourceIndex, timepoint) {
		return target
	}

	for level := target - 1; level >= 0; level-- {
		if src.VoxelScreenSize(screen, timepoint, level) < footprintThreshold {
			break
		}
		target = level
	}

	// The threshold walk can stop one level too coarse when the finer level
	// is much closer to native resolution.
	if target > 0 {
		coarse := src.VoxelScreenSize(screen, timepoint, target)
		fine := src.VoxelScreenSize(screen, timepoint, target-1)
		if math.Abs(coarse-1.0)/2 > math.Abs(fine-1.0) {
			target--
		}
	}
	return target
}
