package job

import (
	"sort"
	"sync"
	"time"

	"github.com/substratehq/substrate"
	"github.com/substratehq/substrate/id"
)

// Registry is the in-memory job store. Safe for concurrent access. The lock
// is held only for O(1) bookkeeping (insert, remove, state transition) and
// never while a task executes or cleanup runs. Reads return copies so
// callers can inspect a job without racing the owning worker.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry returns a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Insert adds a newly submitted job in Queued state.
func (r *Registry) Insert(j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := j.ID.String()
	if _, exists := r.jobs[key]; exists {
		return substrate.ErrJobAlreadyExists
	}
	cp := *j
	r.jobs[key] = &cp
	return nil
}

// Get returns a copy of the job.
func (r *Registry) Get(jobID id.JobID) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[jobID.String()]
	if !ok {
		return Job{}, substrate.ErrJobNotFound
	}
	return *j, nil
}

// MarkRunning transitions a job from Queued to Running and records the
// owning worker. Returns the updated snapshot and true if this call made
// the transition; false if the job is missing, no longer Queued, or a
// cancel was requested while it waited.
func (r *Registry) MarkRunning(jobID id.JobID, workerID id.WorkerID) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID.String()]
	if !ok || j.State != StateQueued || j.CancelRequested {
		return Job{}, false
	}

	now := time.Now().UTC()
	j.State = StateRunning
	j.StartedAt = &now
	j.WorkerID = workerID
	return *j, true
}

// Finish attempts the terminal transition to the given state, recording the
// sanitized reason and (for Succeeded) the task result. Exactly one caller
// wins the transition; every other caller gets false and the job is left
// untouched. A false return with a valid snapshot means the job was already
// terminal.
func (r *Registry) Finish(jobID id.JobID, to State, reason string, result Result) (Job, bool) {
	if !to.IsTerminal() {
		return Job{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID.String()]
	if !ok || j.State.IsTerminal() {
		return Job{}, false
	}

	now := time.Now().UTC()
	j.State = to
	j.Reason = reason
	j.CompletedAt = &now
	if to == StateSucceeded {
		j.Result = result
		j.Percent = 100
	}
	return *j, true
}

// Cancel marks the job cancelled. For a Queued or Running job it sets the
// cancellation flag and performs the terminal transition in one step,
// returning the previous state, the updated snapshot, and true. It returns
// false if the job is missing, already terminal, or already flagged — so a
// second Cancel on the same job always reports false.
func (r *Registry) Cancel(jobID id.JobID, reason string) (State, Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID.String()]
	if !ok || j.State.IsTerminal() || j.CancelRequested {
		return "", Job{}, false
	}

	prev := j.State
	now := time.Now().UTC()
	j.CancelRequested = true
	j.State = StateCancelled
	j.Reason = reason
	j.CompletedAt = &now
	return prev, *j, true
}

// SetProgress updates the job's progress snapshot. Percent regressions are
// ignored so the recorded sequence stays non-decreasing. No-op once the job
// is terminal.
func (r *Registry) SetProgress(jobID id.JobID, percent float64, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID.String()]
	if !ok || j.State.IsTerminal() {
		return
	}
	if percent > j.Percent {
		j.Percent = percent
	}
	if message != "" {
		j.Message = message
	}
}

// Count returns the total number of tracked jobs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// CountByState returns the number of jobs in the given state.
func (r *Registry) CountByState(state State) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, j := range r.jobs {
		if j.State == state {
			n++
		}
	}
	return n
}

// ListByState returns copies of jobs in the given state ordered by
// submission time. A limit of zero means no limit.
func (r *Registry) ListByState(state State, limit int) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if j.State == state {
			result = append(result, *j)
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].SubmittedAt.Before(result[k].SubmittedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// EvictTerminalBefore removes terminal jobs whose completion is older than
// the cutoff and returns their IDs so callers can release per-job resources
// (stream topics, artifact bookkeeping).
func (r *Registry) EvictTerminalBefore(cutoff time.Time) []id.JobID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []id.JobID
	for key, j := range r.jobs {
		if !j.State.IsTerminal() {
			continue
		}
		if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			evicted = append(evicted, j.ID)
			delete(r.jobs, key)
		}
	}
	return evicted
}
