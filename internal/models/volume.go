package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Background is the label value reported for voxels outside the grid.
const Background int32 = 0

// LabelVolume represents a 3D grid of integer structure labels together with
// the geometry needed to place voxel centres in physical space.
type LabelVolume struct {
	// Labels is the label data as a 1D array with x varying fastest,
	// then y, then z
	Labels []int32

	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Spacing is the physical size of each voxel in mm along each index axis
	Spacing [3]float64

	// Origin is the physical position of voxel (0, 0, 0)
	Origin [3]float64

	// Direction holds the direction cosines of the index axes as a row-major
	// 3x3 matrix. Column c is the physical direction of index axis c.
	Direction [9]float64
}

// IdentityDirection is the direction matrix of an axis-aligned volume.
var IdentityDirection = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NumVoxels returns the number of voxels in the grid.
func (v *LabelVolume) NumVoxels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Index returns the offset of voxel (i, j, k) in Labels.
func (v *LabelVolume) Index(i, j, k int) int {
	return (k*v.Dims[1]+j)*v.Dims[0] + i
}

// Inside reports whether (i, j, k) lies within the grid.
func (v *LabelVolume) Inside(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < v.Dims[0] && j < v.Dims[1] && k < v.Dims[2]
}

// At returns the label of voxel (i, j, k), or Background outside the grid.
func (v *LabelVolume) At(i, j, k int) int32 {
	if !v.Inside(i, j, k) {
		return Background
	}
	return v.Labels[v.Index(i, j, k)]
}

// IndexToWorld maps a continuous index position to physical coordinates:
// origin + direction * (spacing * index).
func (v *LabelVolume) IndexToWorld(i, j, k float64) r3.Vec {
	si := i * v.Spacing[0]
	sj := j * v.Spacing[1]
	sk := k * v.Spacing[2]
	d := &v.Direction
	return r3.Vec{
		X: v.Origin[0] + d[0]*si + d[1]*sj + d[2]*sk,
		Y: v.Origin[1] + d[3]*si + d[4]*sj + d[5]*sk,
		Z: v.Origin[2] + d[6]*si + d[7]*sj + d[8]*sk,
	}
}

// Handedness returns +1 for a right-handed direction matrix and -1 for a
// left-handed (mirroring) one.
func (v *LabelVolume) Handedness() float64 {
	d := &v.Direction
	det := d[0]*(d[4]*d[8]-d[5]*d[7]) -
		d[1]*(d[3]*d[8]-d[5]*d[6]) +
		d[2]*(d[3]*d[7]-d[4]*d[6])
	if det < 0 {
		return -1
	}
	return 1
}

// CountLabel returns how many voxels carry the given label.
func (v *LabelVolume) CountLabel(label int32) int {
	n := 0
	for _, l := range v.Labels {
		if l == label {
			n++
		}
	}
	return n
}
