// Package live holds the process-local, possibly-stale view of running jobs:
// job snapshots, per-owner usage and cooperative cancellation signals.
//
// Every read from a Registry is a fast read. Callers that need the
// authoritative value go to the store.
package live

import (
	"sync"

	"github.com/amura2406/songshake/internal/model"
)

// Registry is constructed once per process and shared by handlers and
// workers. Each map has its own mutex and no method holds two of them.
type Registry struct {
	jobsMu sync.Mutex
	jobs   map[string]*model.Job

	usageMu sync.Mutex
	usage   map[string]model.Usage

	signalsMu sync.Mutex
	signals   map[string]chan struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		jobs:    make(map[string]*model.Job),
		usage:   make(map[string]model.Usage),
		signals: make(map[string]chan struct{}),
	}
}

// Put stores a copy of job as the live snapshot, replacing any previous one.
func (r *Registry) Put(job *model.Job) {
	snapshot := job.Clone()

	r.jobsMu.Lock()
	r.jobs[job.ID] = snapshot
	r.jobsMu.Unlock()
}

// Get returns a copy of the live snapshot.
func (r *Registry) Get(jobID string) (*model.Job, bool) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Update applies fn to the live snapshot under the lock and returns a copy
// of the result together with the usage delta fn introduced. ok is false
// when the job has no live entry; fn is not called then.
func (r *Registry) Update(jobID string, fn func(job *model.Job)) (snapshot *model.Job, delta model.Usage, ok bool) {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, model.Usage{}, false
	}

	prev := job.AIUsage
	fn(job)
	return job.Clone(), job.AIUsage.Sub(prev), true
}

// Remove drops the live snapshot once its worker has finalized.
func (r *Registry) Remove(jobID string) {
	r.jobsMu.Lock()
	delete(r.jobs, jobID)
	r.jobsMu.Unlock()
}

// AddUsage merges delta into the owner's live usage and returns the result.
func (r *Registry) AddUsage(owner string, delta model.Usage) model.Usage {
	r.usageMu.Lock()
	defer r.usageMu.Unlock()

	total := r.usage[owner].Add(delta)
	r.usage[owner] = total
	return total
}

// OwnerUsage returns the best-known live usage for owner.
func (r *Registry) OwnerUsage(owner string) (model.Usage, bool) {
	r.usageMu.Lock()
	defer r.usageMu.Unlock()

	u, ok := r.usage[owner]
	return u, ok
}

// SeedOwnerUsage sets the owner's live usage to baseline, read from the
// store, unless the owner already has an entry. It reports whether the
// baseline was stored.
func (r *Registry) SeedOwnerUsage(owner string, baseline model.Usage) bool {
	r.usageMu.Lock()
	defer r.usageMu.Unlock()

	if _, ok := r.usage[owner]; ok {
		return false
	}
	r.usage[owner] = baseline
	return true
}

// Arm returns the cancellation signal for jobID, creating it if needed.
// The channel is closed by Cancel.
func (r *Registry) Arm(jobID string) <-chan struct{} {
	r.signalsMu.Lock()
	defer r.signalsMu.Unlock()

	ch, ok := r.signals[jobID]
	if !ok {
		ch = make(chan struct{})
		r.signals[jobID] = ch
	}
	return ch
}

// Cancel closes the signal for jobID. It reports false when no signal is
// armed, meaning no worker in this process owns the job.
func (r *Registry) Cancel(jobID string) bool {
	r.signalsMu.Lock()
	defer r.signalsMu.Unlock()

	ch, ok := r.signals[jobID]
	if !ok {
		return false
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	return true
}

// Disarm removes the signal once the job is terminal.
func (r *Registry) Disarm(jobID string) {
	r.signalsMu.Lock()
	delete(r.signals, jobID)
	r.signalsMu.Unlock()
}
