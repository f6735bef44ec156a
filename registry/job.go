// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package registry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/diffeo/osrm-batch-routing/routing"
)

// Job is one live job record.  All fields are guarded by the owning
// registry's mutex; the exported methods implement the dispatcher's
// write handle.
type Job struct {
	registry *Registry

	id        string
	status    routing.Status
	progress  routing.Progress
	cfg       routing.Configuration
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	errMsg    string

	resultPath   string
	metadataPath string
	retained     []routing.Outcome

	// cancelMsg, once set, overrides the terminal message the
	// dispatcher reports on its cancellation path; the timeout
	// shares the cancel signal with user cancellation.
	cancelMsg    string
	ctx          context.Context
	cancel       context.CancelFunc
	timeoutTimer *clock.Timer
}

// ID returns the job identifier.
func (j *Job) ID() string {
	return j.id
}

// Configuration returns the job's immutable submission.
func (j *Job) Configuration() routing.Configuration {
	return j.cfg
}

// Context carries the job's cancellation signal.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Start transitions the job from pending to processing.
func (j *Job) Start() {
	r := j.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.status != routing.Pending {
		return
	}
	j.status = routing.Processing
	j.startedAt = r.clock.Now()
}

// RecordOutcome advances the counters for one terminal row.  Once the
// job is terminal the counters are frozen; late outcomes from a
// draining window are dropped.
func (j *Job) RecordOutcome(ok bool) {
	r := j.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.progress.Processed++
	if ok {
		j.progress.Successful++
	} else {
		j.progress.Failed++
	}
}

// PublishProgress pushes the current counters to subscribers.  At
// most one event per processed window reaches clients, plus a final
// one on the terminal transition.
func (j *Job) PublishProgress() {
	r := j.registry
	r.mu.Lock()
	if j.status.Terminal() {
		r.mu.Unlock()
		return
	}
	event := routing.Event{
		JobID:    j.id,
		Kind:     routing.EventProgress,
		Status:   j.status,
		Progress: j.progress,
	}
	r.mu.Unlock()
	r.broadcaster.Publish(j.id, event)
}

// Complete transitions the job to completed and publishes the
// terminal event.
func (j *Job) Complete(resultPath, metadataPath string, retained []routing.Outcome) {
	r := j.registry
	r.mu.Lock()
	if j.status.Terminal() {
		r.mu.Unlock()
		return
	}
	j.status = routing.Completed
	j.endedAt = r.clock.Now()
	j.resultPath = resultPath
	j.metadataPath = metadataPath
	j.retained = retained
	j.stopTimersLocked()
	event := routing.Event{
		JobID:    j.id,
		Kind:     routing.EventCompleted,
		Status:   j.status,
		Progress: j.progress,
	}
	r.mu.Unlock()
	r.broadcaster.Publish(j.id, event)
}

// Fail transitions the job to failed and publishes the terminal
// event.  If the job was cancelled, the recorded message is the
// cancellation's, not the dispatcher's.
func (j *Job) Fail(message string) {
	r := j.registry
	r.mu.Lock()
	if j.status.Terminal() {
		r.mu.Unlock()
		return
	}
	if j.cancelMsg != "" {
		message = j.cancelMsg
	}
	j.status = routing.Failed
	j.endedAt = r.clock.Now()
	j.errMsg = message
	j.stopTimersLocked()
	event := routing.Event{
		JobID:    j.id,
		Kind:     routing.EventFailed,
		Status:   j.status,
		Progress: j.progress,
		Error:    message,
	}
	r.mu.Unlock()
	r.broadcaster.Publish(j.id, event)
}

// cancelLocked sets the cancellation signal.  Runs under the registry
// mutex.  Returns true iff the signal was freshly set.
func (j *Job) cancelLocked(message string) bool {
	if j.status.Terminal() || j.cancelMsg != "" {
		return false
	}
	j.cancelMsg = message
	j.cancel()
	return true
}

// timeout is the job-timeout timer callback.
func (j *Job) timeout() {
	r := j.registry
	r.mu.Lock()
	fresh := j.cancelLocked(routing.TimedOut)
	r.mu.Unlock()
	if fresh {
		r.log.WithField("jobId", j.id).Warn("job timed out")
	}
}

func (j *Job) stopTimersLocked() {
	if j.timeoutTimer != nil {
		j.timeoutTimer.Stop()
		j.timeoutTimer = nil
	}
	// Release the context's resources; the dispatcher has already
	// observed its terminal state
	j.cancel()
}

// snapshotLocked copies the job's externally visible state.  Runs
// under the registry mutex.
func (j *Job) snapshotLocked() routing.Job {
	snap := routing.Job{
		ID:            j.id,
		Status:        j.status,
		Progress:      j.progress,
		Configuration: j.cfg,
		Error:         j.errMsg,
		ResultPath:    j.resultPath,
		MetadataPath:  j.metadataPath,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		snap.StartedAt = &t
	}
	if !j.endedAt.IsZero() {
		t := j.endedAt
		snap.CompletedAt = &t
	}
	return snap
}
