package models

import "time"

// ScanState is the lifecycle state of one scan inside a batch run.
type ScanState int

const (
	Queued ScanState = iota
	Processing
	Completed
	Skipped
	Failed
)

func (s ScanState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s ScanState) Terminal() bool {
	return s == Completed || s == Skipped || s == Failed
}

// MarshalText encodes the state by name.
func (s ScanState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ScanResult records how one scan ended.
type ScanResult struct {
	ScanID   string        `json:"scan_id"`
	State    ScanState     `json:"state"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns"`

	// Vertices and Triangles describe the kept surface component
	Vertices  int `json:"vertices,omitempty"`
	Triangles int `json:"triangles,omitempty"`
}
