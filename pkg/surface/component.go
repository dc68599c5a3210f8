package surface

import (
	"gonum.org/v1/gonum/spatial/r3"

	"shapedesc/internal/models"
)

// Component summarises one connected piece of a mesh. IDs follow the order
// in which the pieces are first reached when walking the triangle list.
type Component struct {
	ID        int
	Triangles int
	Vertices  int
}

// disjointSet is a union-find over vertex indices with path halving.
type disjointSet struct {
	parent []int32
	rank   []uint8
}

func newDisjointSet(n int) *disjointSet {
	ds := &disjointSet{parent: make([]int32, n), rank: make([]uint8, n)}
	for i := range ds.parent {
		ds.parent[i] = int32(i)
	}
	return ds
}

func (ds *disjointSet) find(x int32) int32 {
	for ds.parent[x] != x {
		ds.parent[x] = ds.parent[ds.parent[x]]
		x = ds.parent[x]
	}
	return x
}

func (ds *disjointSet) union(a, b int32) {
	ra, rb := ds.find(a), ds.find(b)
	if ra == rb {
		return
	}
	switch {
	case ds.rank[ra] < ds.rank[rb]:
		ds.parent[ra] = rb
	case ds.rank[ra] > ds.rank[rb]:
		ds.parent[rb] = ra
	default:
		ds.parent[rb] = ra
		ds.rank[ra]++
	}
}

// labelComponents assigns every triangle the id of its connected component.
// Triangles are connected when they share a vertex.
func labelComponents(mesh *models.SurfaceMesh) (triComp []int, comps []Component) {
	ds := newDisjointSet(mesh.NumVertices())
	for _, tri := range mesh.Triangles {
		ds.union(tri[0], tri[1])
		ds.union(tri[0], tri[2])
	}

	rootID := make(map[int32]int)
	triComp = make([]int, len(mesh.Triangles))
	for t, tri := range mesh.Triangles {
		root := ds.find(tri[0])
		id, ok := rootID[root]
		if !ok {
			id = len(comps)
			rootID[root] = id
			comps = append(comps, Component{ID: id})
		}
		triComp[t] = id
		comps[id].Triangles++
	}

	counted := make([]bool, mesh.NumVertices())
	for t, tri := range mesh.Triangles {
		for _, v := range tri {
			if !counted[v] {
				counted[v] = true
				comps[triComp[t]].Vertices++
			}
		}
	}
	return triComp, comps
}

// Components lists the connected components of the mesh in discovery order.
func Components(mesh *models.SurfaceMesh) []Component {
	if mesh.Empty() {
		return nil
	}
	_, comps := labelComponents(mesh)
	return comps
}

// LargestComponent returns a new mesh holding only the component with the
// most triangles. Ties go to the component discovered first. Triangle and
// vertex order are preserved and unreferenced vertices are dropped, so
// applying the filter twice gives the same mesh.
func LargestComponent(mesh *models.SurfaceMesh) *models.SurfaceMesh {
	if mesh.Empty() {
		return &models.SurfaceMesh{}
	}

	triComp, comps := labelComponents(mesh)
	best := 0
	for _, c := range comps[1:] {
		if c.Triangles > comps[best].Triangles {
			best = c.ID
		}
	}

	used := make([]bool, mesh.NumVertices())
	for t, tri := range mesh.Triangles {
		if triComp[t] == best {
			used[tri[0]], used[tri[1]], used[tri[2]] = true, true, true
		}
	}

	remap := make([]int32, mesh.NumVertices())
	out := &models.SurfaceMesh{
		Vertices:  make([]r3.Vec, 0, comps[best].Vertices),
		Triangles: make([][3]int32, 0, comps[best].Triangles),
	}
	for v, ok := range used {
		if ok {
			remap[v] = int32(len(out.Vertices))
			out.Vertices = append(out.Vertices, mesh.Vertices[v])
		}
	}
	for t, tri := range mesh.Triangles {
		if triComp[t] == best {
			out.Triangles = append(out.Triangles, [3]int32{remap[tri[0]], remap[tri[1]], remap[tri[2]]})
		}
	}
	return out
}
