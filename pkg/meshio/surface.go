package meshio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shapedesc/internal/models"
)

// SurfaceSuffix joins the scan id and the format extension in artifact names.
const SurfaceSuffix = "_surface."

// SurfacePath returns the artifact location of a scan's surface, e.g.
// <dir>/<id>_surface.vtk.
func SurfacePath(dir, scanID, format string) string {
	return filepath.Join(dir, scanID+SurfaceSuffix+strings.ToLower(format))
}

// Write stores mesh in the format named by the file extension.
func Write(path string, mesh *models.SurfaceMesh, title string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create surface directory: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".vtk":
		return WriteVTK(path, mesh, title)
	case ".stl":
		return WriteSTL(path, mesh)
	default:
		return fmt.Errorf("unsupported mesh format %q", ext)
	}
}

// Read loads a mesh in the format named by the file extension.
func Read(path string) (*models.SurfaceMesh, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".vtk":
		return ReadVTK(path)
	case ".stl":
		return ReadSTL(path)
	default:
		return nil, fmt.Errorf("unsupported mesh format %q", ext)
	}
}

// DiscoverSurfaces lists the scan ids with a surface artifact of the given
// format in dir, sorted.
func DiscoverSurfaces(dir, format string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error listing surfaces directory: %w", err)
	}
	suffix := SurfaceSuffix + strings.ToLower(format)
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		if id := strings.TrimSuffix(name, suffix); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
