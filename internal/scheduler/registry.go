package scheduler

import (
	"sync"

	"github.com/google/uuid"
)

// RunningJobRegistry tracks which jobs currently have a run in flight. It is
// owned by a single Scheduler instance and enforces at-most-one in-flight run
// per job across both scheduled picks and on-demand triggers.
type RunningJobRegistry struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func NewRunningJobRegistry() *RunningJobRegistry {
	return &RunningJobRegistry{running: make(map[uuid.UUID]struct{})}
}

// TryAcquire marks the job as in flight. It returns false if a run is
// already in flight for the job.
func (r *RunningJobRegistry) TryAcquire(jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, inFlight := r.running[jobID]; inFlight {
		return false
	}
	r.running[jobID] = struct{}{}
	return true
}

// Release clears the in-flight mark for the job.
func (r *RunningJobRegistry) Release(jobID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
}

// Running reports whether the job has a run in flight.
func (r *RunningJobRegistry) Running(jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, inFlight := r.running[jobID]
	return inFlight
}

// Len returns the number of jobs currently in flight.
func (r *RunningJobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
