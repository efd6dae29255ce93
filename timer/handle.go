package timer

import (
	"sync"

	"github.com/goliatone/go-process/flow"
)

// Status reports the state of a scheduled job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func isTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Handle tracks one scheduled job.
type Handle struct {
	job     flow.Job
	entryID int
	done    chan struct{}

	mu     sync.RWMutex
	status Status
	err    error
}

func newHandle(job flow.Job) *Handle {
	return &Handle{job: job, status: StatusScheduled, done: make(chan struct{})}
}

// Job returns the scheduled job.
func (h *Handle) Job() flow.Job { return h.job }

func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Done is closed once the job reached a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) setStatus(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

func (h *Handle) setTerminal(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isTerminal(h.status) {
		return
	}
	h.status = status
	h.err = err
	close(h.done)
}
