// Package descriptors computes per-scan shape descriptors from a closed
// surface mesh and persists them as one JSON record per scan.
package descriptors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"shapedesc/internal/models"
)

// RecordSuffix is appended to the scan id to name its descriptor record.
const RecordSuffix = "_shape_descriptors.json"

// recordSchema accepts any object whose values are all numbers
const recordSchema = `{
	"type": "object",
	"additionalProperties": {"type": "number"}
}`

var compiledRecordSchema = jsonschema.MustCompileString("record.json", recordSchema)

// Compute derives the full descriptor set of a mesh.
func Compute(mesh *models.SurfaceMesh) (models.ShapeDescriptors, error) {
	mp, err := ComputeMassProperties(mesh)
	if err != nil {
		return models.ShapeDescriptors{}, err
	}
	pca, err := ComputeShapePCA(mesh)
	if err != nil {
		return models.ShapeDescriptors{}, err
	}

	return models.ShapeDescriptors{
		Volume:               mp.Volume,
		SurfaceArea:          mp.SurfaceArea,
		NormalizedShapeIndex: mp.NormalizedShapeIndex,
		SurfaceToVolumeRatio: mp.SurfaceToVolumeRatio,
		MajorAxisLength:      pca.MajorAxisLength,
		MinorAxisLength:      pca.MinorAxisLength,
		LeastAxisLength:      pca.LeastAxisLength,
		Elongation:           pca.Elongation,
		Flatness:             pca.Flatness,
	}, nil
}

// RecordPath returns the record location of a scan.
func RecordPath(dir, scanID string) string {
	return filepath.Join(dir, scanID+RecordSuffix)
}

// ScanIDFromRecord returns the scan id encoded in a record file name.
func ScanIDFromRecord(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, RecordSuffix) || len(name) == len(RecordSuffix) {
		return "", false
	}
	return strings.TrimSuffix(name, RecordSuffix), true
}

// WriteRecord stores the descriptors of one scan. The record is written to a
// temporary file and renamed into place so readers never see partial files.
func WriteRecord(dir, scanID string, d models.ShapeDescriptors) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating descriptors directory: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error encoding descriptors: %w", err)
	}
	data = append(data, '\n')

	path := RecordPath(dir, scanID)
	tmp, err := os.CreateTemp(dir, "."+scanID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("error writing record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("error writing record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("error writing record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("error writing record: %w", err)
	}
	return path, nil
}

// RemoveRecord deletes a scan's record if present.
func RemoveRecord(dir, scanID string) error {
	err := os.Remove(RecordPath(dir, scanID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadRecord loads a record as a name to value map. Records may carry keys
// beyond the standard descriptors; every value must be a number.
func ReadRecord(path string) (map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("error parsing record %s: %w", filepath.Base(path), err)
	}
	if err := compiledRecordSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid record %s: %w", filepath.Base(path), err)
	}

	values := make(map[string]float64)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("error parsing record %s: %w", filepath.Base(path), err)
	}
	return values, nil
}
