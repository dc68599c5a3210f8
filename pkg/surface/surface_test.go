package surface

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"shapedesc/internal/models"
)

// createSphereVolume creates a size^3 volume holding a voxelised sphere of
// the given label
func createSphereVolume(size int, radius float64, label int32) *models.LabelVolume {
	vol := &models.LabelVolume{
		Dims:      [3]int{size, size, size},
		Spacing:   [3]float64{1, 1, 1},
		Direction: models.IdentityDirection,
		Labels:    make([]int32, size*size*size),
	}
	center := float64(size-1) / 2
	for k := 0; k < size; k++ {
		for j := 0; j < size; j++ {
			for i := 0; i < size; i++ {
				dx, dy, dz := float64(i)-center, float64(j)-center, float64(k)-center
				if dx*dx+dy*dy+dz*dz <= radius*radius {
					vol.Labels[vol.Index(i, j, k)] = label
				}
			}
		}
	}
	return vol
}

// createBoxVolume creates a volume with the box [lo, hi] filled with label
func createBoxVolume(dims [3]int, lo, hi [3]int, label int32) *models.LabelVolume {
	vol := &models.LabelVolume{
		Dims:      dims,
		Spacing:   [3]float64{1, 1, 1},
		Direction: models.IdentityDirection,
		Labels:    make([]int32, dims[0]*dims[1]*dims[2]),
	}
	fillBox(vol, lo, hi, label)
	return vol
}

func fillBox(vol *models.LabelVolume, lo, hi [3]int, label int32) {
	for k := lo[2]; k <= hi[2]; k++ {
		for j := lo[1]; j <= hi[1]; j++ {
			for i := lo[0]; i <= hi[0]; i++ {
				vol.Labels[vol.Index(i, j, k)] = label
			}
		}
	}
}

// signedVolume integrates the enclosed volume with the divergence theorem
func signedVolume(mesh *models.SurfaceMesh) float64 {
	var v float64
	for _, tri := range mesh.Triangles {
		a, b, c := mesh.Vertices[tri[0]], mesh.Vertices[tri[1]], mesh.Vertices[tri[2]]
		v += r3.Dot(a, r3.Cross(b, c)) / 6
	}
	return v
}

// assertClosed checks that every directed edge is matched by exactly one
// opposite edge, i.e. the mesh is closed and consistently wound
func assertClosed(t *testing.T, mesh *models.SurfaceMesh) {
	t.Helper()
	edges := make(map[[2]int32]int)
	for _, tri := range mesh.Triangles {
		for e := 0; e < 3; e++ {
			edges[[2]int32{tri[e], tri[(e+1)%3]}]++
		}
	}
	for e, n := range edges {
		if n != 1 || edges[[2]int32{e[1], e[0]}] != 1 {
			t.Fatalf("Edge %v used %d times, reverse %d times", e, n, edges[[2]int32{e[1], e[0]}])
		}
	}
}

// surfaceArea sums the triangle areas of a mesh
func surfaceArea(mesh *models.SurfaceMesh) float64 {
	var area float64
	for _, tri := range mesh.Triangles {
		a, b, c := mesh.Vertices[tri[0]], mesh.Vertices[tri[1]], mesh.Vertices[tri[2]]
		area += r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a))) / 2
	}
	return area
}

// TestExtractSmallStructures verifies the surfaces of a single voxel and a
// 2x2x2 cube
func TestExtractSmallStructures(t *testing.T) {
	// One voxel gives an octahedron with only 6 vertices
	vol := createBoxVolume([3]int{3, 3, 3}, [3]int{1, 1, 1}, [3]int{1, 1, 1}, 5)
	if _, err := Extract(vol, 5); !errors.Is(err, ErrNoStructure) {
		t.Errorf("Single voxel error = %v, want ErrNoStructure", err)
	}

	vol = createBoxVolume([3]int{4, 4, 4}, [3]int{1, 1, 1}, [3]int{2, 2, 2}, 5)
	mesh, err := Extract(vol, 5)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if mesh.NumVertices() != 24 || mesh.NumTriangles() != 44 {
		t.Errorf("Expected 24 vertices and 44 triangles, got %d and %d",
			mesh.NumVertices(), mesh.NumTriangles())
	}
	assertClosed(t, mesh)
	if v := signedVolume(mesh); math.Abs(v-17.0/3) > 1e-9 {
		t.Errorf("Expected enclosed volume 17/3, got %f", v)
	}
}

// TestExtractBox verifies volume and orientation for a box touching the grid
// border, under a mirrored and anisotropic geometry
func TestExtractBox(t *testing.T) {
	// The box touches the grid border on the low side
	vol := createBoxVolume([3]int{5, 5, 5}, [3]int{0, 0, 0}, [3]int{3, 3, 3}, 1)

	mesh, err := Extract(vol, 1)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if err := mesh.Validate(); err != nil {
		t.Fatalf("Invalid mesh: %v", err)
	}
	assertClosed(t, mesh)
	if v := signedVolume(mesh); math.Abs(v-176.0/3) > 1e-9 {
		t.Errorf("Expected enclosed volume 176/3, got %f", v)
	}

	vol.Spacing = [3]float64{0.5, 1, 2}
	vol.Direction = [9]float64{0, 1, 0, 1, 0, 0, 0, 0, -1}
	vol.Origin = [3]float64{100, -40, 12}
	if vol.Handedness() != -1 {
		t.Fatal("Test direction should be left-handed")
	}
	mesh, err = Extract(vol, 1)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if v := signedVolume(mesh); math.Abs(v-176.0/3) > 1e-6 {
		t.Errorf("Expected outward volume 176/3 under mirrored geometry, got %f", v)
	}
}

// TestExtractSphere verifies a sphere surface is closed and faces outward
func TestExtractSphere(t *testing.T) {
	size := 24
	vol := createSphereVolume(size, 8, 1)

	mesh, err := Extract(vol, 1)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	assertClosed(t, mesh)

	center := r3.Vec{X: float64(size-1) / 2, Y: float64(size-1) / 2, Z: float64(size-1) / 2}
	for i, tri := range mesh.Triangles {
		a, b, c := mesh.Vertices[tri[0]], mesh.Vertices[tri[1]], mesh.Vertices[tri[2]]
		normal := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
		mid := r3.Sub(r3.Scale(1.0/3, r3.Add(a, r3.Add(b, c))), center)
		if r3.Dot(normal, mid) <= 0 {
			t.Fatalf("Triangle %d normal points inward", i)
		}
	}

	voxels := float64(vol.CountLabel(1))
	if v := signedVolume(mesh); math.Abs(v-voxels)/voxels > 0.02 {
		t.Errorf("Enclosed volume %f too far from voxel volume %f", v, voxels)
	}
}

// TestExtractMirrorInvariant verifies that mirroring or transposing the
// grid leaves area and volume unchanged
func TestExtractMirrorInvariant(t *testing.T) {
	const n = 20
	transforms := map[string]func(i, j, k int) (int, int, int){
		"identity":  func(i, j, k int) (int, int, int) { return i, j, k },
		"mirror x":  func(i, j, k int) (int, int, int) { return n - 1 - i, j, k },
		"mirror y":  func(i, j, k int) (int, int, int) { return i, n - 1 - j, k },
		"mirror z":  func(i, j, k int) (int, int, int) { return i, j, n - 1 - k },
		"swap x, y": func(i, j, k int) (int, int, int) { return j, i, k },
	}

	measure := func(f func(i, j, k int) (int, int, int)) (float64, float64) {
		vol := createBoxVolume([3]int{n, n, n}, [3]int{0, 0, 0}, [3]int{-1, -1, -1}, 1)
		for k := 1; k < n; k++ {
			for j := 1; j < n; j++ {
				for i := 1; i < n; i++ {
					if i+2*j+3*k <= 30 {
						x, y, z := f(i, j, k)
						vol.Labels[vol.Index(x, y, z)] = 1
					}
				}
			}
		}
		mesh, err := Extract(vol, 1)
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		assertClosed(t, mesh)
		return signedVolume(mesh), surfaceArea(mesh)
	}

	wantV, wantA := measure(transforms["identity"])
	for name, f := range transforms {
		v, a := measure(f)
		if math.Abs(v-wantV) > 1e-9*wantV || math.Abs(a-wantA) > 1e-9*wantA {
			t.Errorf("%s: volume %.9f area %.9f, want %.9f and %.9f", name, v, a, wantV, wantA)
		}
	}
}

// TestExtractSphereShapeIndex verifies voxelised spheres come out close to
// round: sqrt(A / 4 pi r^2) with r the radius of equal volume stays within
// 0.05 of 1
func TestExtractSphereShapeIndex(t *testing.T) {
	for _, radius := range []float64{4, 8, 12} {
		vol := createSphereVolume(int(2*radius)+8, radius, 1)
		mesh, err := Extract(vol, 1)
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		v, a := signedVolume(mesh), surfaceArea(mesh)
		r := math.Cbrt(3 * v / (4 * math.Pi))
		nsi := math.Sqrt(a / (4 * math.Pi * r * r))
		if nsi < 1 || nsi > 1.05 {
			t.Errorf("Radius %v: shape index %f, want within [1, 1.05]", radius, nsi)
		}
	}
}

// TestExtractNoStructure verifies that a missing label is reported as empty
func TestExtractNoStructure(t *testing.T) {
	vol := createBoxVolume([3]int{8, 8, 8}, [3]int{2, 2, 2}, [3]int{4, 4, 4}, 3)

	for _, label := range []int32{1, 7} {
		if _, err := Extract(vol, label); !errors.Is(err, ErrNoStructure) {
			t.Errorf("Extract(label %d) error = %v, want ErrNoStructure", label, err)
		}
	}

	background := createBoxVolume([3]int{8, 8, 8}, [3]int{0, 0, 0}, [3]int{-1, -1, -1}, 1)
	if _, err := Extract(background, 1); !errors.Is(err, ErrNoStructure) {
		t.Errorf("All-background volume error = %v, want ErrNoStructure", err)
	}
}

// TestExtractIgnoresOtherLabels verifies neighbouring labels count as outside
func TestExtractIgnoresOtherLabels(t *testing.T) {
	vol := createBoxVolume([3]int{10, 6, 6}, [3]int{1, 1, 1}, [3]int{4, 4, 4}, 2)
	fillBox(vol, [3]int{5, 1, 1}, [3]int{8, 4, 4}, 9)

	mesh, err := Extract(vol, 2)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if v := signedVolume(mesh); math.Abs(v-176.0/3) > 1e-9 {
		t.Errorf("Expected enclosed volume 176/3, got %f", v)
	}
}

// stripMesh appends a connected strip of n triangles to mesh
func stripMesh(mesh *models.SurfaceMesh, n int, offset float64) {
	base := int32(len(mesh.Vertices))
	for i := 0; i < n+2; i++ {
		mesh.Vertices = append(mesh.Vertices, r3.Vec{X: float64(i / 2), Y: float64(i % 2), Z: offset})
	}
	for i := int32(0); i < int32(n); i++ {
		mesh.Triangles = append(mesh.Triangles, [3]int32{base + i, base + i + 1, base + i + 2})
	}
}

// TestLargestComponent verifies that the piece with most triangles is kept
func TestLargestComponent(t *testing.T) {
	mesh := &models.SurfaceMesh{}
	stripMesh(mesh, 10, 0)
	stripMesh(mesh, 100, 5)

	comps := Components(mesh)
	if len(comps) != 2 {
		t.Fatalf("Expected 2 components, got %d", len(comps))
	}
	if comps[0].Triangles != 10 || comps[1].Triangles != 100 {
		t.Errorf("Unexpected component sizes %+v", comps)
	}

	largest := LargestComponent(mesh)
	if largest.NumTriangles() != 100 || largest.NumVertices() != 102 {
		t.Fatalf("Expected 100 triangles and 102 vertices, got %d and %d",
			largest.NumTriangles(), largest.NumVertices())
	}
	for _, v := range largest.Vertices {
		if v.Z != 5 {
			t.Fatalf("Vertex %v belongs to the smaller component", v)
		}
	}
	if err := largest.Validate(); err != nil {
		t.Fatalf("Invalid filtered mesh: %v", err)
	}

	again := LargestComponent(largest)
	if !reflect.DeepEqual(again, largest) {
		t.Error("LargestComponent is not idempotent")
	}

	// The input mesh is left untouched
	if mesh.NumTriangles() != 110 {
		t.Errorf("Input mesh modified, has %d triangles", mesh.NumTriangles())
	}
}

// TestLargestComponentTie verifies that ties keep the first discovered piece
func TestLargestComponentTie(t *testing.T) {
	mesh := &models.SurfaceMesh{}
	stripMesh(mesh, 20, 1)
	stripMesh(mesh, 20, 2)

	largest := LargestComponent(mesh)
	if largest.NumTriangles() != 20 {
		t.Fatalf("Expected 20 triangles, got %d", largest.NumTriangles())
	}
	if largest.Vertices[0].Z != 1 {
		t.Error("Tie should keep the component discovered first")
	}

	if empty := LargestComponent(&models.SurfaceMesh{}); !empty.Empty() {
		t.Error("Empty input should give an empty mesh")
	}
}

// TestExtractTwoBlobs verifies extraction followed by the component filter
func TestExtractTwoBlobs(t *testing.T) {
	vol := createBoxVolume([3]int{20, 10, 10}, [3]int{1, 1, 1}, [3]int{6, 6, 6}, 1)
	fillBox(vol, [3]int{12, 2, 2}, [3]int{13, 3, 3}, 1)

	mesh, err := Extract(vol, 1)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if n := len(Components(mesh)); n != 2 {
		t.Fatalf("Expected 2 components, got %d", n)
	}

	largest := LargestComponent(mesh)
	assertClosed(t, largest)
	single := createBoxVolume([3]int{20, 10, 10}, [3]int{1, 1, 1}, [3]int{6, 6, 6}, 1)
	want, _ := Extract(single, 1)
	if math.Abs(signedVolume(largest)-signedVolume(want)) > 1e-9 {
		t.Errorf("Largest component volume %f, want %f", signedVolume(largest), signedVolume(want))
	}
}

// BenchmarkExtract measures extraction on a 64^3 sphere
func BenchmarkExtract(b *testing.B) {
	vol := createSphereVolume(64, 24, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Extract(vol, 1); err != nil {
			b.Fatal(err)
		}
	}
}
