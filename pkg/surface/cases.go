package surface

import "math/bits"

// cellEdge is a cell edge between corners a < b. Corner c of a cell sits at
// offset (c&1, c>>1&1, c>>2&1).
type cellEdge struct{ a, b int8 }

func newCellEdge(p, q int) cellEdge {
	if p > q {
		p, q = q, p
	}
	return cellEdge{int8(p), int8(q)}
}

func cornerOffset(c int) voxel {
	return voxel{c & 1, c >> 1 & 1, c >> 2 & 1}
}

// cellEdges lists the twelve cell edges in corner order
var cellEdges = func() []cellEdge {
	var edges []cellEdge
	for a := 0; a < 8; a++ {
		for b := a + 1; b < 8; b++ {
			if bits.OnesCount(uint(a^b)) == 1 {
				edges = append(edges, newCellEdge(a, b))
			}
		}
	}
	return edges
}()

// cubeCases[mask] holds the boundary polygons of a cell whose inside corners
// are the set bits of mask. Each polygon is a cycle of crossed edges wound
// counterclockwise seen from outside the structure.
var cubeCases = buildCubeCases()

// cellFaces lists the corners of each face counterclockwise seen from
// outside the cell.
func cellFaces() [6][4]int {
	var faces [6][4]int
	for a := 0; a < 3; a++ {
		u, v := (a+1)%3, (a+2)%3
		for s := 0; s < 2; s++ {
			for n, uv := range [4][2]int{{0, 0}, {1, 0}, {1, 1}, {0, 1}} {
				c := s<<a | uv[0]<<u | uv[1]<<v
				if s == 1 {
					faces[2*a+s][n] = c
				} else {
					faces[2*a+s][3-n] = c
				}
			}
		}
	}
	return faces
}

func buildCubeCases() [256][][]cellEdge {
	faces := cellFaces()
	var cases [256][][]cellEdge
	for mask := 1; mask < 255; mask++ {
		cases[mask] = casePolygons(mask, faces)
	}
	return cases
}

// casePolygons links the boundary segments of the six faces into cycles.
// Walking a face counterclockwise, crossings alternate between entering and
// leaving the inside corners, and every entry is joined to the following
// exit. On a face with two diagonal inside corners this keeps the corners
// apart, and since both cells sharing the face see the same segments the
// surface closes across cells.
func casePolygons(mask int, faces [6][4]int) [][]cellEdge {
	inside := func(c int) bool { return mask>>c&1 == 1 }

	next := make(map[cellEdge]cellEdge)
	for _, f := range faces {
		var crossings []cellEdge
		var entering []bool
		for k := 0; k < 4; k++ {
			p, q := f[k], f[(k+1)%4]
			if inside(p) != inside(q) {
				crossings = append(crossings, newCellEdge(p, q))
				entering = append(entering, inside(q))
			}
		}
		for i, e := range crossings {
			if entering[i] {
				next[e] = crossings[(i+1)%len(crossings)]
			}
		}
	}

	var polys [][]cellEdge
	seen := make(map[cellEdge]bool)
	for _, start := range cellEdges {
		if _, ok := next[start]; !ok || seen[start] {
			continue
		}
		var poly []cellEdge
		for e := start; !seen[e]; e = next[e] {
			seen[e] = true
			poly = append(poly, e)
		}
		polys = append(polys, poly)
	}
	return polys
}
