// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package registry owns the set of live jobs.
//
// All mutable job state lives behind one mutex, in the style of a
// single global semaphore guarding a small object tree; critical
// sections are short (insert, counter update, terminal transition)
// and nothing under the lock does I/O.  The dispatcher holds the only
// write handle on a running job; HTTP handlers get value snapshots.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/osrm-batch-routing/broadcast"
	"github.com/diffeo/osrm-batch-routing/dispatch"
	"github.com/diffeo/osrm-batch-routing/projection"
	"github.com/diffeo/osrm-batch-routing/results"
	"github.com/diffeo/osrm-batch-routing/routing"
	"github.com/diffeo/osrm-batch-routing/upload"
)

// DefaultMaxJobs caps retained job records when the registry is not
// configured with a limit.
const DefaultMaxJobs = 100

// Runner is what the registry schedules for each created job.  The
// dispatch package provides the real one; tests substitute stubs.
type Runner interface {
	Run(job dispatch.Job)
}

// Registry owns job records, their cancellation signals, and the
// broadcaster they publish through.
type Registry struct {
	uploads     *upload.Store
	catalog     *projection.Catalog
	runner      Runner
	broadcaster *broadcast.Broadcaster
	clock       clock.Clock
	log         *logrus.Logger

	// maxJobs caps retained records; the housekeeping pass evicts
	// the oldest terminal jobs beyond it.
	maxJobs int

	// jobTimeout, if positive, cancels jobs that run longer.
	jobTimeout time.Duration

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
}

// Options configures a Registry.
type Options struct {
	Uploads     *upload.Store
	Catalog     *projection.Catalog
	Runner      Runner
	Broadcaster *broadcast.Broadcaster

	// MaxJobs caps retained job records; zero means
	// DefaultMaxJobs.
	MaxJobs int

	// JobTimeout, if positive, fails jobs still running after this
	// long.
	JobTimeout time.Duration

	// Clock is the time source; tests substitute a mock.  If nil,
	// wall-clock time.
	Clock clock.Clock

	Log *logrus.Logger
}

// New creates a registry.
func New(opts Options) *Registry {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	maxJobs := opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		uploads:     opts.Uploads,
		catalog:     opts.Catalog,
		runner:      opts.Runner,
		broadcaster: opts.Broadcaster,
		clock:       clk,
		log:         log,
		maxJobs:     maxJobs,
		jobTimeout:  opts.JobTimeout,
		jobs:        make(map[string]*Job),
	}
}

// Create validates a submission, allocates a job record, and
// schedules its dispatcher.  The identifier is returned immediately;
// the dispatcher runs in its own goroutine.
func (r *Registry) Create(cfg routing.Configuration) (string, error) {
	desc, err := r.validate(cfg)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		registry:  r,
		id:        uuid.NewV4().String(),
		status:    routing.Pending,
		cfg:       cfg,
		createdAt: r.clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	job.progress.Total = desc.RowCount

	r.mu.Lock()
	r.jobs[job.id] = job
	r.order = append(r.order, job.id)
	r.evictLocked()
	r.mu.Unlock()

	if r.jobTimeout > 0 {
		job.timeoutTimer = r.clock.AfterFunc(r.jobTimeout, job.timeout)
	}

	r.log.WithFields(logrus.Fields{
		"jobId": job.id,
		"rows":  desc.RowCount,
	}).Info("job created")
	go r.runner.Run(job)
	return job.id, nil
}

// validate checks a submission against the upload and the catalog.
func (r *Registry) validate(cfg routing.Configuration) (*upload.Descriptor, error) {
	verr := &routing.ValidationError{}
	if cfg.FileID == "" {
		verr.Add("fileId", "missing file identifier")
	}
	if cfg.Projection == "" {
		verr.Add("projection", "missing reference system code")
	}
	if !verr.Empty() {
		return nil, *verr
	}

	desc, err := r.uploads.Get(cfg.FileID)
	if err != nil {
		return nil, err
	}
	if _, ok := r.catalog.Get(cfg.Projection); !ok {
		return nil, routing.ErrNoSuchProjection{Code: cfg.Projection}
	}

	fields := []struct {
		name  string
		value string
	}{
		{"originFields.x", cfg.OriginFields.X},
		{"originFields.y", cfg.OriginFields.Y},
		{"destinationFields.x", cfg.DestinationFields.X},
		{"destinationFields.y", cfg.DestinationFields.Y},
	}
	for _, f := range fields {
		if f.value == "" {
			verr.Add(f.name, "missing column name")
		} else if !desc.HasColumn(f.value) {
			verr.Add(f.name, "column "+f.value+" not in upload")
		}
	}
	if cfg.Geometry.Simplify && !cfg.Geometry.StraightLine && cfg.Geometry.SimplifyTolerance < 0 {
		verr.Add("geometry.simplifyTolerance", "must be non-negative")
	}
	if !verr.Empty() {
		return nil, *verr
	}
	return desc, nil
}

// Get returns a snapshot of one job.
func (r *Registry) Get(id string) (routing.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return routing.Job{}, routing.ErrNoSuchJob{ID: id}
	}
	return job.snapshotLocked(), nil
}

// Retained returns the in-memory successful outcomes kept for a
// small completed job, or nil.
func (r *Registry) Retained(id string) ([]routing.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, routing.ErrNoSuchJob{ID: id}
	}
	return job.retained, nil
}

// Cancel sets a job's cancellation signal.  It returns true iff the
// signal was freshly set; cancelling a terminal or already cancelled
// job changes nothing.
func (r *Registry) Cancel(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, routing.ErrNoSuchJob{ID: id}
	}
	return job.cancelLocked(routing.CancelledByUser), nil
}

// CancelAll cancels every non-terminal job.  Used on graceful
// shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		job.cancelLocked(routing.CancelledByUser)
	}
}

// Cleanup removes a terminal job's files and purges its record.  The
// original upload is not touched; its housekeeper owns it.  Returns
// true iff the job existed and was purged.
func (r *Registry) Cleanup(id string, resultsDir string) (bool, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if ok && !job.status.Terminal() {
		r.mu.Unlock()
		return false, routing.ErrJobNotTerminal
	}
	if ok {
		delete(r.jobs, id)
		r.removeFromOrderLocked(id)
	}
	r.mu.Unlock()

	if !ok {
		// Files may outlive the record (eviction); removing them is
		// still meaningful, but report the record as gone
		results.Remove(resultsDir, id)
		return false, nil
	}
	results.Remove(resultsDir, id)
	r.log.WithField("jobId", id).Info("job cleaned up")
	return true, nil
}

// Summarize returns the number of jobs per status.  The metrics loop
// polls this.
func (r *Registry) Summarize() map[routing.Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[routing.Status]int)
	for _, job := range r.jobs {
		counts[job.status]++
	}
	return counts
}

// Housekeep evicts the oldest terminal jobs beyond the retained cap.
// Create also runs this; the periodic loop exists so long-idle
// processes still converge.
func (r *Registry) Housekeep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
}

// HousekeepLoop runs Housekeep periodically until the context is
// cancelled.
func (r *Registry) HousekeepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Housekeep()
		}
	}
}

// evictLocked removes the oldest terminal records beyond maxJobs.
// Non-terminal jobs are never evicted, even when that leaves the
// registry over its cap.
func (r *Registry) evictLocked() {
	excess := len(r.jobs) - r.maxJobs
	if excess <= 0 {
		return
	}
	for _, id := range append([]string(nil), r.order...) {
		if excess <= 0 {
			break
		}
		job := r.jobs[id]
		if job == nil || !job.status.Terminal() {
			continue
		}
		delete(r.jobs, id)
		r.removeFromOrderLocked(id)
		excess--
		r.log.WithField("jobId", id).Debug("evicted terminal job record")
	}
}

func (r *Registry) removeFromOrderLocked(id string) {
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
