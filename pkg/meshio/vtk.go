// Package meshio reads and writes surface meshes as legacy VTK polydata and
// binary STL.
package meshio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"shapedesc/internal/models"
)

// WriteVTK writes the mesh as a legacy ASCII VTK POLYDATA file.
func WriteVTK(path string, mesh *models.SurfaceMesh, title string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create VTK file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := EncodeVTK(w, mesh, title); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write VTK file: %w", err)
	}
	return f.Close()
}

// EncodeVTK writes the legacy VTK representation of mesh to w.
func EncodeVTK(w io.Writer, mesh *models.SurfaceMesh, title string) error {
	title = strings.ReplaceAll(title, "\n", " ")
	if len(title) > 255 {
		title = title[:255]
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# vtk DataFile Version 4.2\n%s\nASCII\nDATASET POLYDATA\n", title)
	fmt.Fprintf(bw, "POINTS %d double\n", len(mesh.Vertices))
	for _, v := range mesh.Vertices {
		bw.WriteString(strconv.FormatFloat(v.X, 'g', -1, 64))
		bw.WriteByte(' ')
		bw.WriteString(strconv.FormatFloat(v.Y, 'g', -1, 64))
		bw.WriteByte(' ')
		bw.WriteString(strconv.FormatFloat(v.Z, 'g', -1, 64))
		bw.WriteByte('\n')
	}
	fmt.Fprintf(bw, "POLYGONS %d %d\n", len(mesh.Triangles), 4*len(mesh.Triangles))
	for _, tri := range mesh.Triangles {
		fmt.Fprintf(bw, "3 %d %d %d\n", tri[0], tri[1], tri[2])
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write VTK data: %w", err)
	}
	return nil
}

// ReadVTK reads triangles and points from a legacy ASCII VTK POLYDATA file.
// Polygons with more than three corners are split into triangle fans. Both
// the classic cell layout and the OFFSETS/CONNECTIVITY layout of file
// version 5 are accepted; attribute sections are ignored.
func ReadVTK(path string) (*models.SurfaceMesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeVTK(f)
}

// DecodeVTK parses a legacy ASCII VTK POLYDATA stream.
func DecodeVTK(r io.Reader) (*models.SurfaceMesh, error) {
	br := bufio.NewReader(r)

	// Header: version line, title line, format line
	var header [3]string
	for i := range header {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("truncated VTK header: %w", err)
		}
		header[i] = strings.TrimSpace(line)
	}
	if !strings.HasPrefix(header[0], "# vtk DataFile") {
		return nil, fmt.Errorf("not a legacy VTK file")
	}
	if !strings.EqualFold(header[2], "ASCII") {
		return nil, fmt.Errorf("unsupported VTK encoding %q", header[2])
	}

	tok := &tokenizer{sc: bufio.NewScanner(br)}
	tok.sc.Buffer(make([]byte, 64*1024), 1024*1024)
	tok.sc.Split(bufio.ScanWords)

	mesh := &models.SurfaceMesh{}
	for {
		word, ok := tok.next()
		if !ok {
			break
		}
		switch strings.ToUpper(word) {
		case "DATASET":
			kind, _ := tok.next()
			if !strings.EqualFold(kind, "POLYDATA") {
				return nil, fmt.Errorf("unsupported VTK dataset %q", kind)
			}
		case "POINTS":
			n, err := tok.int()
			if err != nil {
				return nil, fmt.Errorf("invalid POINTS count: %w", err)
			}
			tok.next() // data type
			mesh.Vertices = make([]r3.Vec, n)
			for i := 0; i < n; i++ {
				var xyz [3]float64
				for a := range xyz {
					if xyz[a], err = tok.float(); err != nil {
						return nil, fmt.Errorf("invalid point %d: %w", i, err)
					}
				}
				mesh.Vertices[i] = r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}
			}
		case "POLYGONS", "TRIANGLE_STRIPS":
			strips := strings.EqualFold(word, "TRIANGLE_STRIPS")
			cells, err := readCells(tok)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", word, err)
			}
			for _, cell := range cells {
				if strips {
					mesh.Triangles = append(mesh.Triangles, stripTriangles(cell)...)
				} else {
					mesh.Triangles = append(mesh.Triangles, fanTriangles(cell)...)
				}
			}
		case "VERTICES", "LINES":
			if _, err := readCells(tok); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", word, err)
			}
		case "POINT_DATA", "CELL_DATA":
			// attributes follow; geometry is complete
			return finish(mesh)
		}
	}
	return finish(mesh)
}

func finish(mesh *models.SurfaceMesh) (*models.SurfaceMesh, error) {
	if err := mesh.Validate(); err != nil {
		return nil, err
	}
	return mesh, nil
}

// readCells reads a cell section in either layout.
func readCells(tok *tokenizer) ([][]int32, error) {
	n, err := tok.int()
	if err != nil {
		return nil, err
	}
	size, err := tok.int()
	if err != nil {
		return nil, err
	}

	if peek, ok := tok.peek(); ok && strings.EqualFold(peek, "OFFSETS") {
		// Version 5: n is the number of offsets, size the connectivity length
		tok.next()
		tok.next() // offset type
		offsets := make([]int, n)
		for i := range offsets {
			if offsets[i], err = tok.int(); err != nil {
				return nil, err
			}
		}
		if word, _ := tok.next(); !strings.EqualFold(word, "CONNECTIVITY") {
			return nil, fmt.Errorf("expected CONNECTIVITY, got %q", word)
		}
		tok.next() // connectivity type
		conn := make([]int32, size)
		for i := range conn {
			v, err := tok.int()
			if err != nil {
				return nil, err
			}
			conn[i] = int32(v)
		}
		var cells [][]int32
		for i := 0; i+1 < len(offsets); i++ {
			if offsets[i] < 0 || offsets[i+1] > len(conn) || offsets[i] > offsets[i+1] {
				return nil, fmt.Errorf("cell offset %d out of range", i)
			}
			cells = append(cells, conn[offsets[i]:offsets[i+1]])
		}
		return cells, nil
	}

	cells := make([][]int32, 0, n)
	for i := 0; i < n; i++ {
		k, err := tok.int()
		if err != nil {
			return nil, err
		}
		cell := make([]int32, k)
		for j := range cell {
			v, err := tok.int()
			if err != nil {
				return nil, err
			}
			cell[j] = int32(v)
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func fanTriangles(cell []int32) [][3]int32 {
	var tris [][3]int32
	for i := 1; i+1 < len(cell); i++ {
		tris = append(tris, [3]int32{cell[0], cell[i], cell[i+1]})
	}
	return tris
}

func stripTriangles(cell []int32) [][3]int32 {
	var tris [][3]int32
	for i := 0; i+2 < len(cell); i++ {
		if i%2 == 0 {
			tris = append(tris, [3]int32{cell[i], cell[i+1], cell[i+2]})
		} else {
			tris = append(tris, [3]int32{cell[i+1], cell[i], cell[i+2]})
		}
	}
	return tris
}

// tokenizer yields whitespace separated words with one word of lookahead.
type tokenizer struct {
	sc      *bufio.Scanner
	pending string
	has     bool
}

func (t *tokenizer) next() (string, bool) {
	if t.has {
		t.has = false
		return t.pending, true
	}
	if !t.sc.Scan() {
		return "", false
	}
	return t.sc.Text(), true
}

func (t *tokenizer) peek() (string, bool) {
	if !t.has {
		word, ok := t.next()
		if !ok {
			return "", false
		}
		t.pending, t.has = word, true
	}
	return t.pending, true
}

func (t *tokenizer) int() (int, error) {
	word, ok := t.next()
	if !ok {
		return 0, io.ErrUnexpectedEOF
	}
	return strconv.Atoi(word)
}

func (t *tokenizer) float() (float64, error) {
	word, ok := t.next()
	if !ok {
		return 0, io.ErrUnexpectedEOF
	}
	return strconv.ParseFloat(word, 64)
}
