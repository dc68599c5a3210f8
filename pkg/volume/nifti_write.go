package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"shapedesc/internal/models"
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352
)

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt32   = 8
	dtFloat32 = 16
)

// niftiHeader is the on-disk layout of the 348-byte NIfTI-1 header.
type niftiHeader struct {
	SizeofHdr    int32
	DataType     [10]byte
	DbName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XyztUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

// WriteNIfTI writes the volume as a single-file NIfTI-1 image with int32
// voxels and an sform carrying the full geometry. Paths ending in .gz are
// gzip-compressed.
func WriteNIfTI(path string, vol *models.LabelVolume) error {
	if len(vol.Labels) != vol.NumVoxels() {
		return fmt.Errorf("volume has %d labels for %d voxels", len(vol.Labels), vol.NumVoxels())
	}

	hdr := niftiHeader{
		Datatype:  dtInt32,
		Bitpix:    32,
		SformCode: 1,
		XyztUnits: 2, // mm
	}
	hdr.Dim = [8]int16{3, int16(vol.Dims[0]), int16(vol.Dims[1]), int16(vol.Dims[2]), 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, float32(vol.Spacing[0]), float32(vol.Spacing[1]), float32(vol.Spacing[2]), 1, 1, 1, 1}

	// LPS to RAS
	flip := [3]float64{-1, -1, 1}
	rows := [3]*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(flip[r] * vol.Direction[r*3+c] * vol.Spacing[c])
		}
		rows[r][3] = float32(flip[r] * vol.Origin[r])
	}

	return writeNIfTIFile(path, &hdr, vol.Labels)
}

// writeNIfTIFile fills the fixed header fields and writes hdr followed by
// the little-endian voxels.
func writeNIfTIFile(path string, hdr *niftiHeader, voxels any) error {
	hdr.SizeofHdr = niftiHeaderSize
	hdr.Regular = 'r'
	hdr.VoxOffset = niftiVoxOffset
	if hdr.SclSlope == 0 {
		hdr.SclSlope = 1
	}
	copy(hdr.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}
	buf.Write([]byte{0, 0, 0, 0}) // no extensions
	if err := binary.Write(&buf, binary.LittleEndian, voxels); err != nil {
		return fmt.Errorf("error encoding voxels: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw := gzip.NewWriter(f)
		if _, err := zw.Write(buf.Bytes()); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	} else if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Close()
}
