// Package surface extracts closed triangle meshes of one label from a label
// volume and filters them down to their largest connected piece.
package surface

import (
	"errors"

	"shapedesc/internal/models"
)

// ErrNoStructure is returned when the target label yields no usable surface.
var ErrNoStructure = errors.New("no isosurface for target label")

// MinVertices is the smallest vertex count accepted as a structure.
const MinVertices = 10

type voxel [3]int

type edgeKey struct{ a, b int64 }

// extractor holds the state of one extraction run
type extractor struct {
	vol   *models.LabelVolume
	label int32
	mesh  *models.SurfaceMesh
	verts map[edgeKey]int32

	// flip reverses the winding when the grid maps to world space with a
	// reflection
	flip bool
}

// Extract builds the boundary surface between voxels carrying label and all
// other voxels with discrete marching cubes. The volume is treated as
// surrounded by background, so the surface is always closed. Vertices sit
// halfway along every lattice edge that crosses the boundary, plus one
// centre vertex for each non-planar cell polygon, and triangles face away
// from the structure in physical space. A volume without enough of the label
// returns ErrNoStructure.
func Extract(vol *models.LabelVolume, label int32) (*models.SurfaceMesh, error) {
	lo, hi, ok := labelBounds(vol, label)
	if !ok {
		return nil, ErrNoStructure
	}

	ex := &extractor{
		vol:   vol,
		label: label,
		mesh:  &models.SurfaceMesh{},
		verts: make(map[edgeKey]int32),
		flip:  vol.Handedness() < 0,
	}

	var corners [8]voxel
	for ck := lo[2] - 1; ck <= hi[2]; ck++ {
		for cj := lo[1] - 1; cj <= hi[1]; cj++ {
			for ci := lo[0] - 1; ci <= hi[0]; ci++ {
				mask := 0
				for c := 0; c < 8; c++ {
					off := cornerOffset(c)
					corners[c] = voxel{ci + off[0], cj + off[1], ck + off[2]}
					if ex.isInside(corners[c]) {
						mask |= 1 << c
					}
				}
				for _, poly := range cubeCases[mask] {
					ex.addPolygon(corners, poly)
				}
			}
		}
	}

	if ex.mesh.NumVertices() < MinVertices {
		return nil, ErrNoStructure
	}
	return ex.mesh, nil
}

// labelBounds returns the inclusive index bounding box of the label.
func labelBounds(vol *models.LabelVolume, label int32) (lo, hi voxel, ok bool) {
	lo = voxel{vol.Dims[0], vol.Dims[1], vol.Dims[2]}
	hi = voxel{-1, -1, -1}
	for k := 0; k < vol.Dims[2]; k++ {
		for j := 0; j < vol.Dims[1]; j++ {
			row := vol.Index(0, j, k)
			for i := 0; i < vol.Dims[0]; i++ {
				if vol.Labels[row+i] != label {
					continue
				}
				p := voxel{i, j, k}
				for a := 0; a < 3; a++ {
					if p[a] < lo[a] {
						lo[a] = p[a]
					}
					if p[a] > hi[a] {
						hi[a] = p[a]
					}
				}
			}
		}
	}
	return lo, hi, hi[0] >= 0
}

// isInside treats voxels outside the grid as background, whatever the label.
func (ex *extractor) isInside(p voxel) bool {
	if !ex.vol.Inside(p[0], p[1], p[2]) {
		return false
	}
	return ex.vol.Labels[ex.vol.Index(p[0], p[1], p[2])] == ex.label
}

// addPolygon triangulates one cell polygon. Triangles and planar quads use
// their own corners; longer or skewed cycles are fanned around their centre.
func (ex *extractor) addPolygon(corners [8]voxel, poly []cellEdge) {
	ids := make([]int32, len(poly))
	twice := make([]voxel, len(poly))
	for n, e := range poly {
		a, b := corners[e.a], corners[e.b]
		ids[n] = ex.edgeVertex(a, b)
		twice[n] = voxel{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
	}

	switch {
	case len(ids) == 3:
		ex.addTriangle(ids[0], ids[1], ids[2])
	case len(ids) == 4 && coplanar(twice):
		ex.addTriangle(ids[0], ids[1], ids[2])
		ex.addTriangle(ids[0], ids[2], ids[3])
	default:
		var sum voxel
		for _, p := range twice {
			sum = voxel{sum[0] + p[0], sum[1] + p[1], sum[2] + p[2]}
		}
		n := float64(2 * len(twice))
		c := int32(len(ex.mesh.Vertices))
		ex.mesh.Vertices = append(ex.mesh.Vertices, ex.vol.IndexToWorld(
			float64(sum[0])/n,
			float64(sum[1])/n,
			float64(sum[2])/n,
		))
		for k := range ids {
			ex.addTriangle(c, ids[k], ids[(k+1)%len(ids)])
		}
	}
}

// coplanar reports whether four points given in doubled index coordinates
// lie in one plane.
func coplanar(p []voxel) bool {
	u := voxel{p[1][0] - p[0][0], p[1][1] - p[0][1], p[1][2] - p[0][2]}
	v := voxel{p[2][0] - p[0][0], p[2][1] - p[0][1], p[2][2] - p[0][2]}
	w := voxel{p[3][0] - p[0][0], p[3][1] - p[0][1], p[3][2] - p[0][2]}
	n := voxel{u[1]*v[2] - u[2]*v[1], u[2]*v[0] - u[0]*v[2], u[0]*v[1] - u[1]*v[0]}
	return n[0]*w[0]+n[1]*w[1]+n[2]*w[2] == 0
}

func (ex *extractor) addTriangle(a, b, c int32) {
	if ex.flip {
		b, c = c, b
	}
	ex.mesh.Triangles = append(ex.mesh.Triangles, [3]int32{a, b, c})
}

// edgeVertex returns the shared vertex at the midpoint of the lattice edge a-b.
func (ex *extractor) edgeVertex(a, b voxel) int32 {
	ka, kb := ex.gridID(a), ex.gridID(b)
	if ka > kb {
		ka, kb = kb, ka
	}
	key := edgeKey{ka, kb}
	if idx, ok := ex.verts[key]; ok {
		return idx
	}

	idx := int32(len(ex.mesh.Vertices))
	ex.mesh.Vertices = append(ex.mesh.Vertices, ex.vol.IndexToWorld(
		float64(a[0]+b[0])/2,
		float64(a[1]+b[1])/2,
		float64(a[2]+b[2])/2,
	))
	ex.verts[key] = idx
	return idx
}

// gridID numbers voxels of the grid padded by one background layer.
func (ex *extractor) gridID(p voxel) int64 {
	nx := int64(ex.vol.Dims[0] + 2)
	ny := int64(ex.vol.Dims[1] + 2)
	return (int64(p[2]+1)*ny+int64(p[1]+1))*nx + int64(p[0]+1)
}
