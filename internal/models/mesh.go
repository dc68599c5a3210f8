package models

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// SurfaceMesh is an indexed triangle mesh. Meshes are treated as immutable
// once built; filters return new meshes instead of editing in place.
type SurfaceMesh struct {
	// Vertices holds the vertex positions in physical coordinates (mm)
	Vertices []r3.Vec

	// Triangles holds index triples into Vertices. For closed surfaces the
	// winding is counter-clockwise when seen from outside.
	Triangles [][3]int32
}

// NumVertices returns the vertex count.
func (m *SurfaceMesh) NumVertices() int { return len(m.Vertices) }

// NumTriangles returns the triangle count.
func (m *SurfaceMesh) NumTriangles() int { return len(m.Triangles) }

// Empty reports whether the mesh has no triangles.
func (m *SurfaceMesh) Empty() bool { return m == nil || len(m.Triangles) == 0 }

// Validate checks that every triangle index refers to an existing vertex.
func (m *SurfaceMesh) Validate() error {
	n := int32(len(m.Vertices))
	for t, tri := range m.Triangles {
		for _, idx := range tri {
			if idx < 0 || idx >= n {
				return fmt.Errorf("triangle %d references vertex %d, mesh has %d vertices", t, idx, n)
			}
		}
	}
	return nil
}
