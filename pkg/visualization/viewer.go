// Package visualization renders quality-control slices of label volumes.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"shapedesc/internal/models"
)

var (
	backgroundColor = color.RGBA{0, 0, 0, 255}
	otherLabelColor = color.RGBA{96, 96, 96, 255}
	targetColor     = color.RGBA{255, 64, 64, 255}
)

// Viewer cuts axis-aligned slices out of a label volume. Voxels carrying
// the target label are drawn in red, other labels in gray.
type Viewer struct {
	// vol is the volume being viewed
	vol *models.LabelVolume

	// label is the structure highlighted in every slice
	label int32
}

// NewViewer creates a viewer highlighting label.
func NewViewer(vol *models.LabelVolume, label int32) *Viewer {
	return &Viewer{vol: vol, label: label}
}

func (v *Viewer) colorAt(i, j, k int) color.RGBA {
	switch l := v.vol.At(i, j, k); {
	case l == v.label:
		return targetColor
	case l != models.Background:
		return otherLabelColor
	default:
		return backgroundColor
	}
}

// ExtractSlice extracts a 2D slice at the given voxel index along axis x, y or z.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	nx, ny, nz := v.vol.Dims[0], v.vol.Dims[1], v.vol.Dims[2]

	var img *image.RGBA
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, nx)
		}
		img = image.NewRGBA(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				img.SetRGBA(z, y, v.colorAt(position, y, z))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, ny)
		}
		img = image.NewRGBA(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetRGBA(x, z, v.colorAt(x, position, z))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, nz)
		}
		img = image.NewRGBA(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetRGBA(x, y, v.colorAt(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// LabelCenter returns the voxel index nearest the centroid of the target
// label, or the volume center when the label is absent.
func (v *Viewer) LabelCenter() [3]int {
	var sum [3]int
	n := 0
	nx, ny, nz := v.vol.Dims[0], v.vol.Dims[1], v.vol.Dims[2]
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				if v.vol.At(i, j, k) == v.label {
					sum[0] += i
					sum[1] += j
					sum[2] += k
					n++
				}
			}
		}
	}
	if n == 0 {
		return [3]int{nx / 2, ny / 2, nz / 2}
	}
	return [3]int{(sum[0] + n/2) / n, (sum[1] + n/2) / n, (sum[2] + n/2) / n}
}

// minPreviewSize is the shortest side in pixels of a saved slice
const minPreviewSize = 128

// Upscale enlarges img by the smallest integer factor that gives its shorter
// side at least minPreviewSize pixels, repeating pixels so label borders
// stay sharp.
func Upscale(img image.Image) *image.RGBA {
	b := img.Bounds()
	short := b.Dx()
	if b.Dy() < short {
		short = b.Dy()
	}
	factor := 1
	if short > 0 && short < minPreviewSize {
		factor = (minPreviewSize + short - 1) / short
	}

	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	for y := 0; y < out.Bounds().Dy(); y++ {
		for x := 0; x < out.Bounds().Dx(); x++ {
			out.Set(x, y, img.At(b.Min.X+x/factor, b.Min.Y+y/factor))
		}
	}
	return out
}

// Annotate draws a caption in the top-left corner of img, white on a black
// outline so it reads over any label color.
func Annotate(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	x, y := 4, 4+face.Metrics().Ascent.Ceil()

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			if dx != 0 || dy != 0 {
				drawer.Dot = fixed.P(x+dx, y+dy)
				drawer.DrawString(text)
			}
		}
	}

	drawer.Src = image.NewUniform(color.White)
	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(text)
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveOrthogonalSlices writes the three slices through the label center as
// <prefix>_x.png, <prefix>_y.png and <prefix>_z.png and returns their paths.
// Each slice is enlarged for viewing and captioned with prefix, axis and
// position.
func (v *Viewer) SaveOrthogonalSlices(outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	center := v.LabelCenter()
	var paths []string
	for i, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, center[i])
		if err != nil {
			return paths, err
		}

		preview := Upscale(img)
		Annotate(preview, fmt.Sprintf("%s %s=%d", prefix, axis, center[i]))

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := v.SaveSlice(preview, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}

	return paths, nil
}
