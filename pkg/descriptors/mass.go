package descriptors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"shapedesc/internal/models"
)

// DegenerateGeometryError reports a mesh or point cloud whose descriptors are
// undefined, such as a zero-volume surface or a collinear vertex cloud.
type DegenerateGeometryError struct {
	Reason string
}

func (e *DegenerateGeometryError) Error() string {
	return "degenerate geometry: " + e.Reason
}

func degenerate(format string, args ...any) error {
	return &DegenerateGeometryError{Reason: fmt.Sprintf(format, args...)}
}

// MassProperties holds the integral properties of a closed surface.
type MassProperties struct {
	// Volume is the enclosed volume, always positive
	Volume float64

	// SignedVolume keeps the sign given by the triangle winding. It is
	// negative for inward-facing meshes.
	SignedVolume float64

	SurfaceArea          float64
	NormalizedShapeIndex float64
	SurfaceToVolumeRatio float64
}

// relative volume below which a surface is considered flat
const flatVolumeTolerance = 1e-9

// ComputeMassProperties integrates volume and area over a closed mesh. The
// volume is summed over tetrahedra spanned by each triangle and the vertex
// centroid.
//
// The normalised shape index compares the area with that of the sphere of
// equal volume: sqrt(A / 4πr²). It is 1 for a sphere and grows for less
// compact shapes.
func ComputeMassProperties(mesh *models.SurfaceMesh) (MassProperties, error) {
	if mesh.Empty() {
		return MassProperties{}, degenerate("empty mesh")
	}

	ref := vertexCentroid(mesh.Vertices)
	vols := make([]float64, len(mesh.Triangles))
	areas := make([]float64, len(mesh.Triangles))
	for t, tri := range mesh.Triangles {
		a := mesh.Vertices[tri[0]]
		b := mesh.Vertices[tri[1]]
		c := mesh.Vertices[tri[2]]

		vols[t] = r3.Dot(r3.Sub(a, ref), r3.Cross(r3.Sub(b, ref), r3.Sub(c, ref))) / 6
		areas[t] = r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a))) / 2
	}

	signed := floats.Sum(vols)
	area := floats.Sum(areas)
	volume := math.Abs(signed)
	if area == 0 || volume <= flatVolumeTolerance*math.Pow(area, 1.5) {
		return MassProperties{}, degenerate("enclosed volume %g is negligible for surface area %g", volume, area)
	}

	r := math.Cbrt(3 * volume / (4 * math.Pi))
	return MassProperties{
		Volume:               volume,
		SignedVolume:         signed,
		SurfaceArea:          area,
		NormalizedShapeIndex: math.Sqrt(area / (4 * math.Pi * r * r)),
		SurfaceToVolumeRatio: area / volume,
	}, nil
}

func vertexCentroid(vs []r3.Vec) r3.Vec {
	var c r3.Vec
	for _, v := range vs {
		c = r3.Add(c, v)
	}
	return r3.Scale(1/float64(len(vs)), c)
}
