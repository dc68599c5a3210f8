package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"shapedesc/internal/models"
)

// ReportFile is the JSON report written after every run.
const ReportFile = "batch_report.json"

// Report lists how every scan of a run ended.
type Report struct {
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	Workers     int       `json:"workers"`
	TargetLabel int32     `json:"target_label"`

	// Scans holds one result per distinct scan id, sorted by id
	Scans []models.ScanResult `json:"scans"`
}

func newReport(results []models.ScanResult, workers int, label int32, started time.Time) *Report {
	sort.Slice(results, func(i, j int) bool { return results[i].ScanID < results[j].ScanID })
	return &Report{
		Started:     started,
		Finished:    time.Now(),
		Workers:     workers,
		TargetLabel: label,
		Scans:       results,
	}
}

// Result returns the outcome of one scan.
func (r *Report) Result(scanID string) (models.ScanResult, bool) {
	i := sort.Search(len(r.Scans), func(i int) bool { return r.Scans[i].ScanID >= scanID })
	if i == len(r.Scans) || r.Scans[i].ScanID != scanID {
		return models.ScanResult{}, false
	}
	return r.Scans[i], true
}

// ByState returns the ids of the scans that ended in state.
func (r *Report) ByState(state models.ScanState) []string {
	var ids []string
	for _, s := range r.Scans {
		if s.State == state {
			ids = append(ids, s.ScanID)
		}
	}
	return ids
}

// Count returns how many scans ended in state.
func (r *Report) Count(state models.ScanState) int {
	return len(r.ByState(state))
}

// Elapsed is the wall time of the run.
func (r *Report) Elapsed() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Summary renders the report for the console.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed %s scans with %d workers in %s\n",
		humanize.Comma(int64(len(r.Scans))), r.Workers, r.Elapsed().Round(time.Millisecond))

	var triangles int64
	for _, s := range r.Scans {
		if s.State == models.Completed {
			triangles += int64(s.Triangles)
		}
	}
	fmt.Fprintf(&b, "  completed: %d (%s surface triangles)\n", r.Count(models.Completed), humanize.Comma(triangles))
	for _, state := range []models.ScanState{models.Skipped, models.Failed} {
		fmt.Fprintf(&b, "  %s: %d\n", state, r.Count(state))
		for _, s := range r.Scans {
			if s.State == state {
				fmt.Fprintf(&b, "    %s: %s\n", s.ScanID, s.Reason)
			}
		}
	}
	return b.String()
}

// WriteJSON saves the report.
func (r *Report) WriteJSON(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}
