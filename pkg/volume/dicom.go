package volume

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"shapedesc/internal/models"
)

// dicomSlice is one parsed single-frame image of a label series.
type dicomSlice struct {
	path        string
	position    [3]float64
	orientation [6]float64
	spacing     [2]float64 // row spacing, column spacing
	rows, cols  int
	labels      []int32
	depth       float64 // position projected on the slice normal
}

// ReadDICOMSeries reads a directory of single-frame DICOM slices holding one
// label map. Slices are ordered along the slice normal and the geometry comes
// from ImagePositionPatient, ImageOrientationPatient and PixelSpacing, which
// are already in LPS.
func ReadDICOMSeries(dir string) (*models.LabelVolume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var slices []*dicomSlice
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := readDICOMSlice(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("error reading slice %s: %w", e.Name(), err)
		}
		slices = append(slices, s)
	}
	if len(slices) == 0 {
		return nil, errors.New("no DICOM slices found")
	}

	first := slices[0]
	normal := cross3(
		[3]float64{first.orientation[0], first.orientation[1], first.orientation[2]},
		[3]float64{first.orientation[3], first.orientation[4], first.orientation[5]},
	)
	for _, s := range slices {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, fmt.Errorf("slice %s is %dx%d, series is %dx%d",
				filepath.Base(s.path), s.cols, s.rows, first.cols, first.rows)
		}
		s.depth = s.position[0]*normal[0] + s.position[1]*normal[1] + s.position[2]*normal[2]
	}
	sort.SliceStable(slices, func(i, j int) bool { return slices[i].depth < slices[j].depth })

	sliceSpacing := 1.0
	if len(slices) > 1 {
		sliceSpacing = slices[1].depth - slices[0].depth
		if math.Abs(sliceSpacing) < 1e-6 {
			return nil, errors.New("slices share the same position")
		}
	}

	first = slices[0]
	vol := &models.LabelVolume{
		Dims:    [3]int{first.cols, first.rows, len(slices)},
		Spacing: [3]float64{first.spacing[1], first.spacing[0], sliceSpacing},
		Origin:  first.position,
	}
	for r := 0; r < 3; r++ {
		vol.Direction[r*3+0] = first.orientation[r]
		vol.Direction[r*3+1] = first.orientation[3+r]
		vol.Direction[r*3+2] = normal[r]
	}

	vol.Labels = make([]int32, 0, vol.NumVoxels())
	for _, s := range slices {
		vol.Labels = append(vol.Labels, s.labels...)
	}
	return vol, nil
}

func readDICOMSlice(path string) (*dicomSlice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, err
	}

	s := &dicomSlice{path: path}
	if s.rows, err = intElement(ds, tag.Rows); err != nil {
		return nil, err
	}
	if s.cols, err = intElement(ds, tag.Columns); err != nil {
		return nil, err
	}

	pos, err := floatElements(ds, tag.ImagePositionPatient, 3)
	if err != nil {
		return nil, err
	}
	copy(s.position[:], pos)

	orient, err := floatElements(ds, tag.ImageOrientationPatient, 6)
	if err != nil {
		return nil, err
	}
	copy(s.orientation[:], orient)

	spacing, err := floatElements(ds, tag.PixelSpacing, 2)
	if err != nil {
		return nil, err
	}
	copy(s.spacing[:], spacing)

	signed := false
	if rep, err := intElement(ds, tag.PixelRepresentation); err == nil {
		signed = rep == 1
	}

	pixelElem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("missing pixel data: %w", err)
	}
	info, ok := pixelElem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) != 1 {
		return nil, errors.New("expected exactly one pixel data frame")
	}
	fr := info.Frames[0]
	if fr.Encapsulated || fr.NativeData == nil {
		return nil, errors.New("compressed label slices are not supported")
	}

	n := s.rows * s.cols
	s.labels = make([]int32, n)
	switch nf := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		if len(nf.RawData) < n {
			return nil, errors.New("pixel data truncated")
		}
		for i := 0; i < n; i++ {
			if signed {
				s.labels[i] = int32(int8(nf.RawData[i]))
			} else {
				s.labels[i] = int32(nf.RawData[i])
			}
		}
	case *frame.NativeFrame[uint16]:
		if len(nf.RawData) < n {
			return nil, errors.New("pixel data truncated")
		}
		for i := 0; i < n; i++ {
			if signed {
				s.labels[i] = int32(int16(nf.RawData[i]))
			} else {
				s.labels[i] = int32(nf.RawData[i])
			}
		}
	case *frame.NativeFrame[uint32]:
		if len(nf.RawData) < n {
			return nil, errors.New("pixel data truncated")
		}
		for i := 0; i < n; i++ {
			s.labels[i] = int32(nf.RawData[i])
		}
	default:
		return nil, fmt.Errorf("unsupported pixel frame type %T", fr.NativeData)
	}
	return s, nil
}

func intElement(ds dicom.Dataset, t tag.Tag) (int, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("missing %s: %w", t, err)
	}
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], nil
		}
	case []string:
		if len(v) > 0 {
			return strconv.Atoi(strings.TrimSpace(v[0]))
		}
	}
	return 0, fmt.Errorf("element %s has no integer value", t)
}

func floatElements(ds dicom.Dataset, t tag.Tag, want int) ([]float64, error) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("missing %s: %w", t, err)
	}
	var values []float64
	switch v := elem.Value.GetValue().(type) {
	case []string:
		for _, s := range v {
			// Some writers pack multi-valued strings into one entry
			for _, part := range strings.Split(s, "\\") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				f, err := strconv.ParseFloat(part, 64)
				if err != nil {
					return nil, fmt.Errorf("element %s: %w", t, err)
				}
				values = append(values, f)
			}
		}
	case []float64:
		values = v
	}
	if len(values) != want {
		return nil, fmt.Errorf("element %s has %d values, want %d", t, len(values), want)
	}
	return values, nil
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
