package engine

import (
	"sync"

	"github.com/tanq16/hydra/internal/metrics"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	minChunkSize = 1024 * 1024
	maxChunkSize = 16 * 1024 * 1024
	minConns     = 1
	maxConns     = 16

	defaultChunkSize   = 1024 * 1024
	defaultConnections = 8
)

// Task is one registered transfer. Identity and probe results are fixed
// at creation; lifecycle status and the adaptive parameters are guarded
// by the task mutex because the public API reads them while the worker
// mutates them.
type Task struct {
	ID             string
	URL            string
	Filepath       string
	Filename       string
	TotalSize      int64
	SupportsRanges bool

	mu          sync.Mutex
	status      Status
	chunkSize   int64
	connections int
	errMessage  string
	tracker     *metrics.Tracker
}

func newTask(id, url, filepath, filename string, totalSize int64, supportsRanges bool) *Task {
	return &Task{
		ID:             id,
		URL:            url,
		Filepath:       filepath,
		Filename:       filename,
		TotalSize:      totalSize,
		SupportsRanges: supportsRanges,
		status:         StatusQueued,
		chunkSize:      defaultChunkSize,
		connections:    defaultConnections,
		tracker:        metrics.NewTracker(totalSize),
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Task) ChunkSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunkSize
}

// setChunkSize clamps to the 1-16 MiB bounds.
func (t *Task) setChunkSize(size int64) {
	t.mu.Lock()
	t.chunkSize = min(max(size, minChunkSize), maxChunkSize)
	t.mu.Unlock()
}

func (t *Task) Connections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connections
}

// setConnections clamps to the 1-16 bounds.
func (t *Task) setConnections(n int) {
	t.mu.Lock()
	t.connections = min(max(n, minConns), maxConns)
	t.mu.Unlock()
}

func (t *Task) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errMessage
}

func (t *Task) setError(msg string) {
	t.mu.Lock()
	t.errMessage = msg
	t.mu.Unlock()
}

// Metrics returns the task's tracker. The worker is the only writer.
func (t *Task) Metrics() *metrics.Tracker {
	return t.tracker
}
