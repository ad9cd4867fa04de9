package render

import (
	"sync"
)

// Registry is the concurrent mapping from job identity to in-flight job.
// It is one of the two mutable shared structures in the service (the other
// being the beatmap cache); all access goes through its lock and no caller
// holds it across a suspension point.
type Registry struct {
	mu   sync.RWMutex
	jobs map[Key]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[Key]*Job)}
}

// AdmitOrAttach atomically attaches req to the in-flight job for key, or
// admits the job produced by factory when none is running. Exactly one
// factory invocation occurs per key while a job is in-flight, even under
// races. A terminal job awaiting retirement counts as absent: it can no
// longer accept requesters, so a fresh job replaces it under the same key
// (Remove only deletes the entry it was given, so retirement of the old job
// cannot evict the replacement). When key is absent and limit is positive,
// admission is rejected as overloaded once limit jobs are in flight;
// attaching and replacement are always allowed at the ceiling.
func (r *Registry) AdmitOrAttach(key Key, req Requester, limit int, factory func() *Job) (*Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[key]; ok {
		if j.AttachIfActive(req) {
			return j, false, nil
		}
		j2 := factory()
		r.jobs[key] = j2
		return j2, true, nil
	}
	if limit > 0 && len(r.jobs) >= limit {
		return nil, false, Ef(KindOverloaded, "registry.admit", "%d jobs in flight", len(r.jobs))
	}
	j := factory()
	r.jobs[key] = j
	return j, true, nil
}

// Get returns the in-flight job for key, if any.
func (r *Registry) Get(key Key) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[key]
	return j, ok
}

// Len returns the number of in-flight jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Remove deletes a terminal job and returns its final snapshot. Removing a
// non-terminal job is a state machine violation.
func (r *Registry) Remove(j *Job) (Snapshot, error) {
	snap := j.Snapshot()
	if !snap.State.Terminal() {
		return Snapshot{}, Ef(KindInvalidTransition, "registry.remove", "job %s still %s", j.ID, snap.State)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.jobs[j.Key]; ok && cur == j {
		delete(r.jobs, j.Key)
	}
	return snap, nil
}

// Snapshots returns a consistent point-in-time view of all in-flight jobs,
// ordered oldest first.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && out[k].SubmittedAt.Before(out[k-1].SubmittedAt); k-- {
			out[k], out[k-1] = out[k-1], out[k]
		}
	}
	return out
}

// All returns every in-flight job. Used during shutdown to cancel and drain.
func (r *Registry) All() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// FindByUser returns the user's in-flight jobs (for cancellation commands).
func (r *Registry) FindByUser(user string) []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Job
	for _, j := range r.jobs {
		if j.Key.User == user {
			out = append(out, j)
		}
	}
	return out
}
