package batch

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"gonum.org/v1/gonum/spatial/r3"

	"shapedesc/internal/models"
	"shapedesc/pkg/aggregate"
	"shapedesc/pkg/config"
	"shapedesc/pkg/descriptors"
	"shapedesc/pkg/meshio"
	"shapedesc/pkg/surface"
	"shapedesc/pkg/volume"
)

// newVolume creates an empty axis-aligned volume
func newVolume(n int) *models.LabelVolume {
	return &models.LabelVolume{
		Dims:      [3]int{n, n, n},
		Spacing:   [3]float64{1, 1, 1},
		Direction: models.IdentityDirection,
		Labels:    make([]int32, n*n*n),
	}
}

func fillBox(vol *models.LabelVolume, lo, hi [3]int, label int32) {
	for k := lo[2]; k <= hi[2]; k++ {
		for j := lo[1]; j <= hi[1]; j++ {
			for i := lo[0]; i <= hi[0]; i++ {
				vol.Labels[vol.Index(i, j, k)] = label
			}
		}
	}
}

func fillSphere(vol *models.LabelVolume, radius float64, label int32) {
	c := float64(vol.Dims[0]-1) / 2
	for k := 0; k < vol.Dims[2]; k++ {
		for j := 0; j < vol.Dims[1]; j++ {
			for i := 0; i < vol.Dims[0]; i++ {
				dx, dy, dz := float64(i)-c, float64(j)-c, float64(k)-c
				if dx*dx+dy*dy+dz*dz <= radius*radius {
					vol.Labels[vol.Index(i, j, k)] = label
				}
			}
		}
	}
}

// bigBlob is the 50 voxel box of scan C
func bigBlob(vol *models.LabelVolume) {
	fillBox(vol, [3]int{1, 1, 1}, [3]int{5, 5, 2}, 1)
}

// smallBlob is the 5 voxel row of scan C, three voxels clear of bigBlob
func smallBlob(vol *models.LabelVolume) {
	fillBox(vol, [3]int{8, 9, 6}, [3]int{12, 9, 6}, 1)
}

// sphereShapeTolerance bounds how far the shape index of a voxelised sphere
// may exceed 1
const sphereShapeTolerance = 0.05

// saveScan stores a volume as <dir>/<id>.nii.gz
func saveScan(dir, id string, vol *models.LabelVolume) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return volume.WriteNIfTI(filepath.Join(dir, id+".nii.gz"), vol)
}

func writeScan(t testing.TB, dir, id string, vol *models.LabelVolume) {
	t.Helper()
	if err := saveScan(dir, id, vol); err != nil {
		t.Fatalf("Failed to write scan %s: %v", id, err)
	}
}

// createScanSet writes the three scans used by the end-to-end tests:
// A holds a sphere, B holds only another label and C holds a 50 voxel
// blob plus a 5 voxel blob
func createScanSet(t testing.TB, labelsDir string) {
	t.Helper()

	a := newVolume(16)
	fillSphere(a, 4, 1)
	writeScan(t, labelsDir, "A", a)

	b := newVolume(12)
	fillBox(b, [3]int{2, 2, 2}, [3]int{6, 6, 6}, 2)
	writeScan(t, labelsDir, "B", b)

	c := newVolume(14)
	bigBlob(c)
	smallBlob(c)
	writeScan(t, labelsDir, "C", c)
}

func newParams(root string) *Params {
	return &Params{
		LabelsDir:      filepath.Join(root, "labels"),
		SurfacesDir:    filepath.Join(root, "surfaces"),
		DescriptorsDir: filepath.Join(root, "descriptors"),
		QCDir:          filepath.Join(root, "qc"),
		TargetLabel:    1,
		MeshFormat:     config.MeshFormatVTK,
	}
}

// expectedDescriptors computes the descriptors of a volume outside the batch
func expectedDescriptors(t *testing.T, vol *models.LabelVolume) models.ShapeDescriptors {
	t.Helper()
	dir := t.TempDir()
	writeScan(t, dir, "ref", vol)
	loaded, err := volume.Load(dir, "ref")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	mesh, err := surface.Extract(loaded, 1)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	d, err := descriptors.Compute(surface.LargestComponent(mesh))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	return d
}

// TestRunBatch verifies the end-to-end batch: A completes, B is skipped and
// absent from the table, C reflects only its largest blob
func TestRunBatch(t *testing.T) {
	root := t.TempDir()
	params := newParams(root)
	createScanSet(t, params.LabelsDir)

	// A stale record for B must not survive the run
	if _, err := descriptors.WriteRecord(params.DescriptorsDir, "B", models.ShapeDescriptors{Volume: 1}); err != nil {
		t.Fatalf("WriteRecord failed: %v", err)
	}

	runner := NewRunner(params)
	table, report, err := runner.RunBatch([]string{"C", "A", "B", "A"}, 2)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	var ids []string
	for _, row := range table.Rows {
		ids = append(ids, row.ScanID)
	}
	if want := []string{"A", "C"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("Table rows = %v, want %v", ids, want)
	}

	if len(report.Scans) != 3 {
		t.Fatalf("Expected 3 scans in the report, got %d", len(report.Scans))
	}
	if report.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", report.Workers)
	}
	wantStates := map[string]models.ScanState{"A": models.Completed, "B": models.Skipped, "C": models.Completed}
	for id, want := range wantStates {
		res, ok := report.Result(id)
		if !ok || res.State != want {
			t.Errorf("Scan %s: state %v, want %v", id, res.State, want)
		}
	}
	if res, _ := report.Result("B"); !strings.Contains(res.Reason, surface.ErrNoStructure.Error()) {
		t.Errorf("Unexpected reason for B: %q", res.Reason)
	}

	nsi, ok := table.Lookup("A", "normalized_shape_index")
	if !ok || nsi < 1 || nsi > 1+sphereShapeTolerance {
		t.Errorf("Scan A normalized_shape_index = %v, want within %v of 1", nsi, sphereShapeTolerance)
	}

	// C must match the 50 voxel blob on its own
	ref := newVolume(14)
	bigBlob(ref)
	want := expectedDescriptors(t, ref)
	wantValues := want.Values()
	for i, key := range models.DescriptorKeys {
		got, ok := table.Lookup("C", key)
		if !ok {
			t.Fatalf("Missing %s for scan C", key)
		}
		if math.Abs(got-wantValues[i]) > 1e-9*math.Max(1, math.Abs(wantValues[i])) {
			t.Errorf("Scan C %s = %v, want %v", key, got, wantValues[i])
		}
	}
	if v, _ := table.Lookup("C", "volume"); v > 50 {
		t.Errorf("Scan C volume %v includes the small blob", v)
	}

	for _, id := range []string{"A", "C"} {
		if _, err := os.Stat(meshio.SurfacePath(params.SurfacesDir, id, "vtk")); err != nil {
			t.Errorf("Missing surface for %s: %v", id, err)
		}
	}
	if _, err := os.Stat(meshio.SurfacePath(params.SurfacesDir, "B", "vtk")); !os.IsNotExist(err) {
		t.Error("Skipped scan B should have no surface")
	}
	if _, err := os.Stat(descriptors.RecordPath(params.DescriptorsDir, "B")); !os.IsNotExist(err) {
		t.Error("Stale record for B should have been removed")
	}
}

// TestRunBatchWorkerCounts verifies results do not depend on the pool size
func TestRunBatchWorkerCounts(t *testing.T) {
	var tables []*aggregate.Table
	for _, workers := range []int{1, 3, 0} {
		params := newParams(t.TempDir())
		createScanSet(t, params.LabelsDir)

		table, report, err := NewRunner(params).RunBatch([]string{"A", "B", "C"}, workers)
		if err != nil {
			t.Fatalf("RunBatch with %d workers failed: %v", workers, err)
		}
		if report.Workers < 1 || report.Workers > 3 {
			t.Errorf("Unexpected pool size %d for %d requested workers", report.Workers, workers)
		}
		tables = append(tables, table)
	}
	for i := 1; i < len(tables); i++ {
		if !reflect.DeepEqual(tables[0], tables[i]) {
			t.Errorf("Table %d differs from the single worker table", i)
		}
	}
}

// TestRunBatchMissingScan verifies a scan without a volume is skipped
func TestRunBatchMissingScan(t *testing.T) {
	params := newParams(t.TempDir())
	createScanSet(t, params.LabelsDir)

	table, report, err := NewRunner(params).RunBatch([]string{"A", "ghost"}, 2)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if len(table.Rows) != 1 {
		t.Errorf("Expected 1 row, got %d", len(table.Rows))
	}
	res, ok := report.Result("ghost")
	if !ok || res.State != models.Skipped {
		t.Errorf("Missing scan should be skipped, got %+v", res)
	}
	if !reflect.DeepEqual(report.ByState(models.Skipped), []string{"ghost"}) {
		t.Errorf("ByState(Skipped) = %v", report.ByState(models.Skipped))
	}
}

// TestRunBatchEmpty verifies an empty batch yields an empty table
func TestRunBatchEmpty(t *testing.T) {
	params := newParams(t.TempDir())
	table, report, err := NewRunner(params).RunBatch(nil, 4)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if len(table.Rows) != 0 || len(report.Scans) != 0 {
		t.Errorf("Expected empty results, got %d rows and %d scans", len(table.Rows), len(report.Scans))
	}
	if report.Workers != 1 {
		t.Errorf("Expected 1 worker for an empty batch, got %d", report.Workers)
	}
}

// TestRunBatchSchemaMismatch verifies a foreign record breaks aggregation
// but the report is still returned
func TestRunBatchSchemaMismatch(t *testing.T) {
	params := newParams(t.TempDir())
	createScanSet(t, params.LabelsDir)
	if err := os.MkdirAll(params.DescriptorsDir, 0755); err != nil {
		t.Fatal(err)
	}
	partial := []byte(`{"volume": 1, "surface_area": 2}`)
	if err := os.WriteFile(descriptors.RecordPath(params.DescriptorsDir, "Z"), partial, 0644); err != nil {
		t.Fatal(err)
	}

	table, report, err := NewRunner(params).RunBatch([]string{"A"}, 1)
	var mismatch *aggregate.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("RunBatch error = %v, want *SchemaMismatchError", err)
	}
	if table != nil {
		t.Error("No table should be returned on schema mismatch")
	}
	if report == nil || report.Count(models.Completed) != 1 {
		t.Errorf("Expected a report with one completed scan, got %+v", report)
	}
}

// TestRunBatchTransitions verifies every scan moves from queued through
// processing to exactly one terminal state
func TestRunBatchTransitions(t *testing.T) {
	params := newParams(t.TempDir())
	createScanSet(t, params.LabelsDir)

	var mu sync.Mutex
	seen := make(map[string][]models.ScanState)
	runner := NewRunner(params)
	runner.SetTransitionFunc(func(id string, from, to models.ScanState) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen[id]) == 0 {
			seen[id] = append(seen[id], from)
		}
		seen[id] = append(seen[id], to)
	})

	if _, _, err := runner.RunBatch([]string{"A", "B", "C"}, 2); err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	want := map[string][]models.ScanState{
		"A": {models.Queued, models.Processing, models.Completed},
		"B": {models.Queued, models.Processing, models.Skipped},
		"C": {models.Queued, models.Processing, models.Completed},
	}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("Transitions = %v, want %v", seen, want)
	}
}

// TestRunBatchRecoversPanics verifies a panic fails only its own scan
func TestRunBatchRecoversPanics(t *testing.T) {
	params := newParams(t.TempDir())
	createScanSet(t, params.LabelsDir)

	runner := NewRunner(params)
	runner.SetTransitionFunc(func(id string, from, to models.ScanState) {
		if id == "C" && to == models.Processing {
			panic("boom")
		}
	})

	table, report, err := runner.RunBatch([]string{"A", "C"}, 2)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	res, _ := report.Result("C")
	if res.State != models.Failed || !strings.Contains(res.Reason, "boom") {
		t.Errorf("Expected C to fail with the panic, got %+v", res)
	}
	if len(table.Rows) != 1 || table.Rows[0].ScanID != "A" {
		t.Errorf("Expected only A in the table, got %+v", table.Rows)
	}
}

// cubeMesh returns an outward wound cube with the given side
func cubeMesh(side float64) *models.SurfaceMesh {
	mesh := &models.SurfaceMesh{
		Triangles: [][3]int32{
			{0, 2, 1}, {0, 3, 2}, // z = 0
			{4, 5, 6}, {4, 6, 7}, // z = side
			{0, 1, 5}, {0, 5, 4}, // y = 0
			{3, 7, 6}, {3, 6, 2}, // y = side
			{0, 4, 7}, {0, 7, 3}, // x = 0
			{1, 2, 6}, {1, 6, 5}, // x = side
		},
	}
	for _, c := range [][3]float64{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}, {0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}} {
		mesh.Vertices = append(mesh.Vertices, r3.Vec{X: c[0] * side, Y: c[1] * side, Z: c[2] * side})
	}
	return mesh
}

// flatMesh returns a two sided square enclosing no volume
func flatMesh() *models.SurfaceMesh {
	return &models.SurfaceMesh{
		Vertices:  []r3.Vec{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: 1, Y: 1}},
		Triangles: [][3]int32{{0, 1, 2}, {0, 2, 1}, {1, 3, 2}, {1, 2, 3}},
	}
}

// TestRunBatchDescribeOnly verifies descriptors are recomputed from stored
// meshes, with degenerate meshes failing and missing meshes skipped
func TestRunBatchDescribeOnly(t *testing.T) {
	for _, format := range []string{config.MeshFormatVTK, config.MeshFormatSTL} {
		params := newParams(t.TempDir())
		params.DescribeOnly = true
		params.MeshFormat = format

		if err := meshio.Write(meshio.SurfacePath(params.SurfacesDir, "cube", format), cubeMesh(2), "cube"); err != nil {
			t.Fatalf("Failed to write cube: %v", err)
		}
		if err := meshio.Write(meshio.SurfacePath(params.SurfacesDir, "flat", format), flatMesh(), "flat"); err != nil {
			t.Fatalf("Failed to write flat mesh: %v", err)
		}

		table, report, err := NewRunner(params).RunBatch([]string{"cube", "flat", "none"}, 2)
		if err != nil {
			t.Fatalf("%s: RunBatch failed: %v", format, err)
		}

		got := map[string]models.ScanState{}
		for _, s := range report.Scans {
			got[s.ScanID] = s.State
		}
		want := map[string]models.ScanState{"cube": models.Completed, "flat": models.Failed, "none": models.Skipped}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: states = %v, want %v", format, got, want)
		}
		if v, ok := table.Lookup("cube", "volume"); !ok || math.Abs(v-8) > 1e-6 {
			t.Errorf("%s: cube volume = %v, want 8", format, v)
		}
		if res, _ := report.Result("flat"); !strings.Contains(res.Reason, "degenerate") {
			t.Errorf("%s: unexpected reason for flat mesh: %q", format, res.Reason)
		}
	}
}

// TestRunBatchQCSlices verifies the optional QC slices are written
func TestRunBatchQCSlices(t *testing.T) {
	params := newParams(t.TempDir())
	params.SaveQCSlices = true
	params.MeshFormat = config.MeshFormatSTL
	createScanSet(t, params.LabelsDir)

	if _, _, err := NewRunner(params).RunBatch([]string{"A"}, 1); err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	entries, err := os.ReadDir(params.QCDir)
	if err != nil {
		t.Fatalf("Failed to list QC dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if want := []string{"A_x.png", "A_y.png", "A_z.png"}; !reflect.DeepEqual(names, want) {
		t.Errorf("QC files = %v, want %v", names, want)
	}
	if _, err := os.Stat(meshio.SurfacePath(params.SurfacesDir, "A", "stl")); err != nil {
		t.Errorf("Missing STL surface: %v", err)
	}
}

// TestMetrics verifies counters follow the report
func TestMetrics(t *testing.T) {
	params := newParams(t.TempDir())
	createScanSet(t, params.LabelsDir)

	runner := NewRunner(params)
	if _, _, err := runner.RunBatch([]string{"A", "B", "C"}, 2); err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	m := runner.Metrics()
	for state, want := range map[string]float64{"completed": 2, "skipped": 1, "failed": 0} {
		if got := testutil.ToFloat64(m.scansTotal.WithLabelValues(state)); got != want {
			t.Errorf("scans_total{state=%q} = %v, want %v", state, got, want)
		}
	}
	if got := testutil.ToFloat64(m.workers); got != 2 {
		t.Errorf("workers = %v, want 2", got)
	}

	path := filepath.Join(t.TempDir(), MetricsFile)
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read metrics: %v", err)
	}
	if !strings.Contains(string(data), `shapedesc_scans_total{state="skipped"} 1`) {
		t.Errorf("Metrics file lacks the skipped counter:\n%s", data)
	}
}

// TestReport verifies the JSON report and console summary
func TestReport(t *testing.T) {
	params := newParams(t.TempDir())
	createScanSet(t, params.LabelsDir)

	_, report, err := NewRunner(params).RunBatch([]string{"B", "A"}, 2)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	summary := report.Summary()
	for _, want := range []string{"Processed 2 scans", "completed: 1", "skipped: 1", "B: "} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary lacks %q:\n%s", want, summary)
		}
	}

	path := filepath.Join(t.TempDir(), ReportFile)
	if err := report.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read report: %v", err)
	}
	var decoded struct {
		Workers int `json:"workers"`
		Scans   []struct {
			ScanID string `json:"scan_id"`
			State  string `json:"state"`
		} `json:"scans"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if len(decoded.Scans) != 2 || decoded.Scans[0].ScanID != "A" || decoded.Scans[1].State != "skipped" {
		t.Errorf("Unexpected report content %+v", decoded)
	}
}

// BenchmarkRunBatch measures a three scan batch
func BenchmarkRunBatch(b *testing.B) {
	labels := filepath.Join(b.TempDir(), "labels")
	createScanSet(b, labels)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		params := newParams(b.TempDir())
		params.LabelsDir = labels
		if _, _, err := NewRunner(params).RunBatch([]string{"A", "B", "C"}, 2); err != nil {
			b.Fatalf("RunBatch failed: %v", err)
		}
	}
}
