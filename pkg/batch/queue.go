// Package batch runs the per-scan surface and descriptor pipeline over many
// scans with a fixed pool of workers.
package batch

import "sync/atomic"

// WorkQueue is the shared list of scans waiting for a worker. It is filled
// once when created and never refilled; Pop is safe for concurrent use.
type WorkQueue struct {
	ids  []string
	next atomic.Int64
}

// NewWorkQueue builds a queue from scan ids, dropping duplicates but keeping
// the order in which ids were first given.
func NewWorkQueue(scanIDs []string) *WorkQueue {
	seen := make(map[string]bool, len(scanIDs))
	ids := make([]string, 0, len(scanIDs))
	for _, id := range scanIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return &WorkQueue{ids: ids}
}

// Pop removes the next scan id. ok is false once the queue is drained.
func (q *WorkQueue) Pop() (id string, ok bool) {
	i := q.next.Add(1) - 1
	if i >= int64(len(q.ids)) {
		return "", false
	}
	return q.ids[i], true
}

// Len returns the number of distinct scans the queue was created with.
func (q *WorkQueue) Len() int {
	return len(q.ids)
}

// Remaining returns the number of scans not yet popped.
func (q *WorkQueue) Remaining() int {
	n := int64(len(q.ids)) - q.next.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// IDs returns the queued scan ids in queue order.
func (q *WorkQueue) IDs() []string {
	return append([]string(nil), q.ids...)
}
