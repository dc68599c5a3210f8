// Package volume loads per-scan label volumes from NIfTI files or DICOM
// series and normalises them into the shared LabelVolume representation.
package volume

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shapedesc/internal/models"
)

// LoadError reports a label volume that is missing or unreadable. Scans that
// fail to load are skipped rather than failed.
type LoadError struct {
	ScanID string
	Path   string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("scan %s: %v", e.ScanID, e.Err)
	}
	return fmt.Sprintf("scan %s: load %s: %v", e.ScanID, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Input layouts tried for each scan id, in order
var niftiSuffixes = []string{".nii.gz", ".nii"}

// ResolvePath returns the input for a scan: <id>.nii.gz, <id>.nii or a
// directory <id>/ of DICOM slices.
func ResolvePath(labelsDir, scanID string) (string, error) {
	for _, suffix := range niftiSuffixes {
		p := filepath.Join(labelsDir, scanID+suffix)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	p := filepath.Join(labelsDir, scanID)
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return p, nil
	}
	return "", fmt.Errorf("no label volume for scan in %s: %w", labelsDir, os.ErrNotExist)
}

// Load reads and normalises the label volume of one scan. Every failure is
// returned as a *LoadError.
func Load(labelsDir, scanID string) (*models.LabelVolume, error) {
	path, err := ResolvePath(labelsDir, scanID)
	if err != nil {
		return nil, &LoadError{ScanID: scanID, Err: err}
	}

	var vol *models.LabelVolume
	if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
		vol, err = ReadDICOMSeries(path)
	} else {
		vol, err = ReadNIfTI(path)
	}
	if err != nil {
		return nil, &LoadError{ScanID: scanID, Path: path, Err: err}
	}

	vol, err = Normalize(vol)
	if err != nil {
		return nil, &LoadError{ScanID: scanID, Path: path, Err: err}
	}
	return vol, nil
}

// Normalize checks a freshly read volume and returns a copy in canonical
// 3-D form: missing trailing dimensions become single slices with unit
// spacing and an identity direction column, and an all-zero direction
// matrix is replaced by the identity.
func Normalize(vol *models.LabelVolume) (*models.LabelVolume, error) {
	if vol == nil {
		return nil, errors.New("nil volume")
	}
	out := *vol
	out.Labels = vol.Labels

	for a := 0; a < 3; a++ {
		if out.Dims[a] == 0 {
			out.Dims[a] = 1
			out.Spacing[a] = 1
			for r := 0; r < 3; r++ {
				out.Direction[r*3+a] = 0
			}
			out.Direction[a*3+a] = 1
		}
		if out.Dims[a] < 0 {
			return nil, fmt.Errorf("invalid dimension %d along axis %d", out.Dims[a], a)
		}
	}
	if len(out.Labels) != out.NumVoxels() {
		return nil, fmt.Errorf("volume has %d labels for %dx%dx%d voxels",
			len(out.Labels), out.Dims[0], out.Dims[1], out.Dims[2])
	}

	allZero := true
	for _, d := range out.Direction {
		if d != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		out.Direction = models.IdentityDirection
	}

	for a := 0; a < 3; a++ {
		if !(out.Spacing[a] > 0) || math.IsInf(out.Spacing[a], 0) {
			return nil, fmt.Errorf("invalid spacing %v along axis %d", out.Spacing[a], a)
		}
		var norm float64
		for r := 0; r < 3; r++ {
			norm += out.Direction[r*3+a] * out.Direction[r*3+a]
		}
		if math.Abs(norm-1) > 1e-3 {
			return nil, fmt.Errorf("direction column %d is not a unit vector", a)
		}
	}
	d := &out.Direction
	det := d[0]*(d[4]*d[8]-d[5]*d[7]) - d[1]*(d[3]*d[8]-d[5]*d[6]) + d[2]*(d[3]*d[7]-d[4]*d[6])
	if math.Abs(det) < 1e-6 {
		return nil, errors.New("direction matrix is singular")
	}
	return &out, nil
}

// ReadScanList reads scan ids from a text file, one per line. Blank lines and
// lines starting with # are ignored; duplicates keep their first position.
func ReadScanList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error reading scan list: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !seen[line] {
			seen[line] = true
			ids = append(ids, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("error reading scan list: %w", err)
	}
	return ids, nil
}

// DiscoverScanIDs lists the scan ids with an input in labelsDir, sorted.
func DiscoverScanIDs(labelsDir string) ([]string, error) {
	entries, err := os.ReadDir(labelsDir)
	if err != nil {
		return nil, fmt.Errorf("error listing labels directory: %w", err)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			seen[name] = true
			continue
		}
		for _, suffix := range niftiSuffixes {
			if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
				seen[strings.TrimSuffix(name, suffix)] = true
				break
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
