package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"shapedesc/internal/models"
	"shapedesc/pkg/aggregate"
	"shapedesc/pkg/descriptors"
	"shapedesc/pkg/meshio"
	"shapedesc/pkg/surface"
	"shapedesc/pkg/visualization"
	"shapedesc/pkg/volume"
)

// Params holds the batch parameters.
// They select where scans are read from, what is extracted and where every
// artifact of a run ends up.
type Params struct {
	// LabelsDir holds the per-scan label volumes: <id>.nii.gz, <id>.nii or a
	// directory <id>/ of DICOM slices.
	LabelsDir string

	// SurfacesDir receives one <id>_surface.<format> mesh per completed scan.
	// In describe-only mode the meshes are read from here instead.
	SurfacesDir string

	// DescriptorsDir receives one <id>_shape_descriptors.json record per
	// completed scan. The combined table is built from this directory.
	DescriptorsDir string

	// QCDir receives the orthogonal mask slices when SaveQCSlices is set.
	QCDir string

	// TargetLabel is the label value of the structure to describe.
	TargetLabel int32

	// MeshFormat is the surface artifact format, "vtk" or "stl".
	MeshFormat string

	// DescribeOnly skips extraction and recomputes descriptors from the
	// meshes already present in SurfacesDir.
	DescribeOnly bool

	// SaveQCSlices writes three PNG slices through the structure per scan.
	SaveQCSlices bool

	// ShowProgress prints a completion percentage while the batch runs.
	ShowProgress bool
}

// TransitionFunc observes a scan changing state. It is called from worker
// goroutines and must be safe for concurrent use.
type TransitionFunc func(scanID string, from, to models.ScanState)

// Runner processes batches of scans. Every scan moves through
// Queued -> Processing -> Completed, Skipped or Failed:
//  1. Its stale descriptor record, if any, is removed
//  2. The label volume is loaded and normalised
//  3. The target label surface is extracted and reduced to its largest
//     connected component, then written as a mesh artifact
//  4. Mass properties and PCA descriptors are computed and written as the
//     scan's record
//
// Once every worker has finished, the records are combined into one table.
type Runner struct {
	// params stores the batch configuration
	params *Params

	// logger receives one entry per scan state change
	logger *slog.Logger

	// metrics collects per-run counters and timings
	metrics *Metrics

	// onTransition is an optional observer of state changes
	onTransition TransitionFunc
}

// NewRunner creates a runner with the provided parameters, logging to the
// default slog logger.
func NewRunner(params *Params) *Runner {
	return &Runner{
		params:  params,
		logger:  slog.Default(),
		metrics: NewMetrics(),
	}
}

// SetLogger replaces the runner's logger.
func (r *Runner) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// SetTransitionFunc installs an observer of scan state changes.
func (r *Runner) SetTransitionFunc(fn TransitionFunc) {
	r.onTransition = fn
}

// Metrics returns the metrics of the runner.
func (r *Runner) Metrics() *Metrics {
	return r.metrics
}

// PoolSize returns the number of workers used for n scans: requested when
// positive, otherwise half the CPUs, never fewer than one and never more
// than there are scans.
func PoolSize(requested, n int) int {
	workers := requested
	if workers <= 0 {
		workers = runtime.NumCPU() / 2
	}
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// RunBatch processes every distinct scan id with a pool of workers, then
// aggregates the descriptor records into one table. Per-scan problems never
// fail the batch; they are reported in the returned Report. The error is
// only set when the table cannot be built, in which case the report is
// still returned.
func (r *Runner) RunBatch(scanIDs []string, workers int) (*aggregate.Table, *Report, error) {
	started := time.Now()
	queue := NewWorkQueue(scanIDs)
	workers = PoolSize(workers, queue.Len())
	r.metrics.SetWorkers(workers)

	for _, id := range queue.IDs() {
		r.logger.Debug("scan queued", slog.String("scan", id))
	}
	r.logger.Info("batch started",
		slog.Int("scans", queue.Len()),
		slog.Int("workers", workers),
		slog.Int("label", int(r.params.TargetLabel)),
		slog.Bool("describe_only", r.params.DescribeOnly))

	// Each worker owns its result slice; they are only merged after Wait
	perWorker := make([][]models.ScanResult, workers)
	var completed atomic.Int64
	total := queue.Len()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Go(func() {
			for {
				id, ok := queue.Pop()
				if !ok {
					return
				}
				res := r.processScan(id)
				perWorker[w] = append(perWorker[w], res)
				r.metrics.Observe(res)

				done := completed.Add(1)
				if r.params.ShowProgress {
					fmt.Printf("\rProcessing scans: %.1f%% complete", float64(done)/float64(total)*100)
				}
			}
		})
	}
	wg.Wait()
	if r.params.ShowProgress && total > 0 {
		fmt.Println()
	}

	var results []models.ScanResult
	for _, rs := range perWorker {
		results = append(results, rs...)
	}
	report := newReport(results, workers, r.params.TargetLabel, started)
	r.logger.Info("batch finished",
		slog.Int("completed", report.Count(models.Completed)),
		slog.Int("skipped", report.Count(models.Skipped)),
		slog.Int("failed", report.Count(models.Failed)),
		slog.Duration("elapsed", report.Elapsed()))

	table, err := aggregate.Aggregate(r.params.DescriptorsDir)
	if err != nil {
		return nil, report, fmt.Errorf("failed to aggregate descriptors: %w", err)
	}
	return table, report, nil
}

func (r *Runner) transition(scanID string, from, to models.ScanState) {
	if r.onTransition != nil {
		r.onTransition(scanID, from, to)
	}
}

// processScan runs the pipeline for one scan and always returns a result in
// a terminal state. A panic anywhere in the pipeline fails only this scan.
func (r *Runner) processScan(scanID string) (res models.ScanResult) {
	start := time.Now()
	logger := r.logger.With(slog.String("scan", scanID))

	res = models.ScanResult{ScanID: scanID, State: models.Processing}
	defer func() {
		if panicErr := recover(); panicErr != nil {
			res.State = models.Failed
			res.Reason = fmt.Sprintf("panic: %v", panicErr)
		}
		res.Duration = time.Since(start)
		r.transition(scanID, models.Processing, res.State)

		attrs := []any{slog.String("state", res.State.String()), slog.Duration("duration", res.Duration)}
		switch res.State {
		case models.Completed:
			logger.Info("scan completed", append(attrs, slog.Int("triangles", res.Triangles))...)
		case models.Skipped:
			logger.Warn("scan skipped", append(attrs, slog.String("reason", res.Reason))...)
		default:
			logger.Error("scan failed", append(attrs, slog.String("reason", res.Reason))...)
		}
	}()

	r.transition(scanID, models.Queued, models.Processing)
	logger.Debug("scan processing")

	err := r.runPipeline(scanID, &res, logger)
	res.State, res.Reason = classify(err)
	return res
}

// classify maps a pipeline error to the terminal state of the scan.
func classify(err error) (models.ScanState, string) {
	if err == nil {
		return models.Completed, ""
	}
	var loadErr *volume.LoadError
	if errors.As(err, &loadErr) || errors.Is(err, surface.ErrNoStructure) {
		return models.Skipped, err.Error()
	}
	return models.Failed, err.Error()
}

func (r *Runner) runPipeline(scanID string, res *models.ScanResult, logger *slog.Logger) error {
	if err := descriptors.RemoveRecord(r.params.DescriptorsDir, scanID); err != nil {
		return fmt.Errorf("failed to remove stale record: %w", err)
	}

	var mesh *models.SurfaceMesh
	var err error
	if r.params.DescribeOnly {
		mesh, err = r.readSurface(scanID)
	} else {
		mesh, err = r.extractSurface(scanID, logger)
	}
	if err != nil {
		return err
	}
	res.Vertices = mesh.NumVertices()
	res.Triangles = mesh.NumTriangles()

	d, err := descriptors.Compute(mesh)
	if err != nil {
		return err
	}
	path, err := descriptors.WriteRecord(r.params.DescriptorsDir, scanID, d)
	if err != nil {
		return err
	}
	logger.Debug("record written", slog.String("path", path))
	return nil
}

// extractSurface loads the scan's volume, extracts the largest component of
// the target label and stores it as the scan's mesh artifact.
func (r *Runner) extractSurface(scanID string, logger *slog.Logger) (*models.SurfaceMesh, error) {
	vol, err := volume.Load(r.params.LabelsDir, scanID)
	if err != nil {
		return nil, err
	}

	if r.params.SaveQCSlices {
		viewer := visualization.NewViewer(vol, r.params.TargetLabel)
		if _, err := viewer.SaveOrthogonalSlices(r.params.QCDir, scanID); err != nil {
			logger.Warn("failed to save QC slices", slog.String("error", err.Error()))
		}
	}

	mesh, err := surface.Extract(vol, r.params.TargetLabel)
	if err != nil {
		return nil, err
	}
	full := mesh.NumTriangles()
	mesh = surface.LargestComponent(mesh)
	logger.Debug("surface extracted",
		slog.Int("triangles", full),
		slog.Int("kept_triangles", mesh.NumTriangles()))

	path := meshio.SurfacePath(r.params.SurfacesDir, scanID, r.params.MeshFormat)
	title := fmt.Sprintf("%s label %d", scanID, r.params.TargetLabel)
	if err := meshio.Write(path, mesh, title); err != nil {
		return nil, fmt.Errorf("failed to write surface: %w", err)
	}
	return mesh, nil
}

// readSurface loads an existing mesh artifact. A missing or unreadable
// artifact skips the scan like a missing volume does.
func (r *Runner) readSurface(scanID string) (*models.SurfaceMesh, error) {
	path := meshio.SurfacePath(r.params.SurfacesDir, scanID, r.params.MeshFormat)
	if _, err := os.Stat(path); err != nil {
		return nil, &volume.LoadError{ScanID: scanID, Path: path, Err: err}
	}
	mesh, err := meshio.Read(path)
	if err != nil {
		return nil, &volume.LoadError{ScanID: scanID, Path: path, Err: err}
	}
	return mesh, nil
}
