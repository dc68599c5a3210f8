package volume

import (
	"errors"
	"fmt"
	"math"

	"github.com/henghuang/nifti"

	"shapedesc/internal/models"
)

// parseNIfTIImage loads header and voxels, turning panics raised by the nifti
// package on malformed input into errors.
func parseNIfTIImage(path string) (img nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	img.LoadImage(path, true)

	return
}

// parseNIfTIHeader loads only the header, with the same panic handling.
func parseNIfTIHeader(path string) (hdr nifti.Nifti1Header, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	hdr.LoadHeader(path)

	return
}

// ReadNIfTI reads a NIfTI-1 label image (.nii or .nii.gz). Geometry is
// returned in LPS physical space. Two-dimensional images become a grid with
// a single slice.
func ReadNIfTI(path string) (*models.LabelVolume, error) {
	hdr, err := parseNIfTIHeader(path)
	if err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	ndim := int(hdr.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid dimension count %d", ndim)
	}
	for a := 3; a < ndim; a++ {
		if hdr.Dim[a+1] > 1 {
			return nil, fmt.Errorf("label image has %d dimensions, only 2-D and 3-D are supported", ndim)
		}
	}

	img, err := parseNIfTIImage(path)
	if err != nil {
		return nil, fmt.Errorf("error reading image: %w", err)
	}

	imgDims := img.GetDims()
	var dims [3]int
	for a := 0; a < 3; a++ {
		dims[a] = 1
		if a < ndim && int(imgDims[a]) > 1 {
			dims[a] = int(imgDims[a])
		}
	}
	if dims[0]*dims[1]*dims[2] == 0 {
		return nil, errors.New("empty image")
	}

	vol := &models.LabelVolume{Dims: dims, Labels: make([]int32, dims[0]*dims[1]*dims[2])}
	for k := 0; k < dims[2]; k++ {
		for j := 0; j < dims[1]; j++ {
			for i := 0; i < dims[0]; i++ {
				v := float64(img.GetAt(uint32(i), uint32(j), uint32(k), 0))
				if math.IsNaN(v) || v > math.MaxInt32 || v < math.MinInt32 {
					return nil, fmt.Errorf("voxel (%d, %d, %d) has value %v, not a valid label", i, j, k, v)
				}
				vol.Labels[vol.Index(i, j, k)] = int32(math.Round(v))
			}
		}
	}

	niftiGeometry(transformFromHeader(&hdr), vol)
	return vol, nil
}

// niftiTransform holds the header fields that place the grid in world space
type niftiTransform struct {
	sformCode, qformCode int
	srow                 [3][4]float64
	quatern              [3]float64
	qoffset              [3]float64
	pixdim               [4]float64
}

func transformFromHeader(hdr *nifti.Nifti1Header) niftiTransform {
	t := niftiTransform{
		sformCode: int(hdr.SformCode),
		qformCode: int(hdr.QformCode),
		quatern:   [3]float64{float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD)},
		qoffset:   [3]float64{float64(hdr.QoffsetX), float64(hdr.QoffsetY), float64(hdr.QoffsetZ)},
	}
	for c := 0; c < 4; c++ {
		t.srow[0][c] = float64(hdr.SrowX[c])
		t.srow[1][c] = float64(hdr.SrowY[c])
		t.srow[2][c] = float64(hdr.SrowZ[c])
		t.pixdim[c] = float64(hdr.Pixdim[c])
	}
	return t
}

// niftiGeometry fills spacing, origin and direction from the sform when set,
// otherwise from the qform. NIfTI world space is RAS; the volume is returned
// in LPS by flipping the first two world axes.
func niftiGeometry(t niftiTransform, vol *models.LabelVolume) {
	var affine [3][4]float64
	if t.sformCode > 0 {
		affine = t.srow
	} else {
		// Method 1 (no qform either) uses the identity rotation with pixdim
		var b, c, d float64
		var off [3]float64
		if t.qformCode > 0 {
			b, c, d = t.quatern[0], t.quatern[1], t.quatern[2]
			off = t.qoffset
		}
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			// 180 degree rotation: renormalise b, c, d
			s := 1 / math.Sqrt(b*b+c*c+d*d)
			b, c, d = b*s, c*s, d*s
			a = 0
		} else {
			a = math.Sqrt(a)
		}
		rot := [3][3]float64{
			{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
			{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
			{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
		}
		qfac := 1.0
		if t.pixdim[0] < 0 {
			qfac = -1
		}
		var spacing [3]float64
		for i := 0; i < 3; i++ {
			spacing[i] = math.Abs(t.pixdim[i+1])
			if spacing[i] == 0 {
				spacing[i] = 1
			}
		}
		spacing[2] *= qfac
		for r := 0; r < 3; r++ {
			for col := 0; col < 3; col++ {
				affine[r][col] = rot[r][col] * spacing[col]
			}
			affine[r][3] = off[r]
		}
	}

	// RAS to LPS
	for c := 0; c < 4; c++ {
		affine[0][c] = -affine[0][c]
		affine[1][c] = -affine[1][c]
	}

	for col := 0; col < 3; col++ {
		norm := math.Sqrt(affine[0][col]*affine[0][col] +
			affine[1][col]*affine[1][col] + affine[2][col]*affine[2][col])
		if norm == 0 {
			vol.Spacing[col] = 1
			vol.Direction[col*3+col] = 1
			continue
		}
		vol.Spacing[col] = norm
		for r := 0; r < 3; r++ {
			vol.Direction[r*3+col] = affine[r][col] / norm
		}
	}
	for r := 0; r < 3; r++ {
		vol.Origin[r] = affine[r][3]
	}
}
