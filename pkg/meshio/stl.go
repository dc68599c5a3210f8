package meshio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/spatial/r3"

	"shapedesc/internal/models"
)

// Triangle represents a single triangle in an STL file
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// Triangles flattens an indexed mesh into STL triangles with unit facet
// normals.
func Triangles(mesh *models.SurfaceMesh) []Triangle {
	out := make([]Triangle, len(mesh.Triangles))
	for i, tri := range mesh.Triangles {
		a, b, c := mesh.Vertices[tri[0]], mesh.Vertices[tri[1]], mesh.Vertices[tri[2]]
		n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		if l := r3.Norm(n); l > 0 {
			n = r3.Scale(1/l, n)
		}
		out[i] = Triangle{
			Normal:  vec32(n),
			Vertex1: vec32(a),
			Vertex2: vec32(b),
			Vertex3: vec32(c),
		}
	}
	return out
}

func vec32(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

// WriteSTL saves the mesh as a binary STL file: an 80-byte header, the
// triangle count and 50 bytes per triangle.
func WriteSTL(path string, mesh *models.SurfaceMesh) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	header := make([]byte, 80)
	copy(header, "binary STL written by shapedesc")
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	triangles := Triangles(mesh)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("failed to write triangle count: %w", err)
	}

	var attr [2]byte
	for _, t := range triangles {
		if err := binary.Write(w, binary.LittleEndian, &t); err != nil {
			return fmt.Errorf("failed to write triangle: %w", err)
		}
		if _, err := w.Write(attr[:]); err != nil {
			return fmt.Errorf("failed to write triangle: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write STL file: %w", err)
	}
	return file.Close()
}

// ReadSTL reads a binary STL file and welds corners with identical
// coordinates back into shared vertices.
func ReadSTL(path string) (*models.SurfaceMesh, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	if _, err := io.CopyN(io.Discard, r, 80); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read triangle count: %w", err)
	}

	mesh := &models.SurfaceMesh{Triangles: make([][3]int32, 0, count)}
	index := make(map[[3]float32]int32)
	vertex := func(p [3]float32) int32 {
		if idx, ok := index[p]; ok {
			return idx
		}
		idx := int32(len(mesh.Vertices))
		index[p] = idx
		mesh.Vertices = append(mesh.Vertices, r3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])})
		return idx
	}

	var attr [2]byte
	for i := uint32(0); i < count; i++ {
		var t Triangle
		if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
			return nil, fmt.Errorf("failed to read triangle %d: %w", i, err)
		}
		if _, err := io.ReadFull(r, attr[:]); err != nil {
			return nil, fmt.Errorf("failed to read triangle %d: %w", i, err)
		}
		for _, p := range [][3]float32{t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range p {
				if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
					return nil, fmt.Errorf("triangle %d has a non-finite coordinate", i)
				}
			}
		}
		mesh.Triangles = append(mesh.Triangles, [3]int32{
			vertex(t.Vertex1), vertex(t.Vertex2), vertex(t.Vertex3),
		})
	}
	return mesh, nil
}
