package models

// DescriptorKeys lists the descriptor names in declaration order. Every
// persisted record carries exactly these keys.
var DescriptorKeys = []string{
	"volume",
	"surface_area",
	"normalized_shape_index",
	"surface_to_volume_ratio",
	"major_axis_length",
	"minor_axis_length",
	"least_axis_length",
	"elongation",
	"flatness",
}

// ShapeDescriptors holds the per-scan shape measurements.
type ShapeDescriptors struct {
	// Mass properties of the closed surface
	Volume               float64 `json:"volume"`
	SurfaceArea          float64 `json:"surface_area"`
	NormalizedShapeIndex float64 `json:"normalized_shape_index"`
	SurfaceToVolumeRatio float64 `json:"surface_to_volume_ratio"`

	// Principal axis measurements of the vertex point cloud
	MajorAxisLength float64 `json:"major_axis_length"`
	MinorAxisLength float64 `json:"minor_axis_length"`
	LeastAxisLength float64 `json:"least_axis_length"`
	Elongation      float64 `json:"elongation"`
	Flatness        float64 `json:"flatness"`
}

// Values returns the descriptor values in DescriptorKeys order.
func (d ShapeDescriptors) Values() []float64 {
	return []float64{
		d.Volume,
		d.SurfaceArea,
		d.NormalizedShapeIndex,
		d.SurfaceToVolumeRatio,
		d.MajorAxisLength,
		d.MinorAxisLength,
		d.LeastAxisLength,
		d.Elongation,
		d.Flatness,
	}
}

// Map returns the descriptors keyed by name.
func (d ShapeDescriptors) Map() map[string]float64 {
	values := d.Values()
	m := make(map[string]float64, len(values))
	for i, key := range DescriptorKeys {
		m[key] = values[i]
	}
	return m
}
