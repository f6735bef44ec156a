// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package dispatch drives one batch routing job from its input table
// to its terminal state.
//
// The dispatcher consumes the job's row iterator in windows of
// BatchSize rows; inside each window the surviving route requests fan
// out through the OSRM client in sub-windows of Concurrency inflight
// calls.  Results are re-merged in row order, post-processed, and
// streamed to the result sink one feature at a time, so memory use is
// bounded by the window sizes no matter how large the input or the
// output grows.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diffeo/osrm-batch-routing/geometry"
	"github.com/diffeo/osrm-batch-routing/osrm"
	"github.com/diffeo/osrm-batch-routing/projection"
	"github.com/diffeo/osrm-batch-routing/results"
	"github.com/diffeo/osrm-batch-routing/routing"
	"github.com/diffeo/osrm-batch-routing/tabular"
	"github.com/diffeo/osrm-batch-routing/upload"
)

// Job is the dispatcher's write handle on one live job.  The registry
// implements it; the dispatcher is the only writer for the duration
// of its run.
type Job interface {
	// ID returns the job identifier.
	ID() string

	// Configuration returns the job's immutable submission.
	Configuration() routing.Configuration

	// Context carries the job's cancellation signal.
	Context() context.Context

	// Start transitions the job to processing and records its
	// start time.
	Start()

	// RecordOutcome advances the counters for one terminal row:
	// processed, plus successful or failed.
	RecordOutcome(ok bool)

	// PublishProgress pushes one progress event to the job's
	// subscribers.
	PublishProgress()

	// Complete transitions the job to completed.  Retained holds
	// the successful outcomes when the job was small enough to
	// keep them in memory, or nil.
	Complete(resultPath, metadataPath string, retained []routing.Outcome)

	// Fail transitions the job to failed with a terminal message.
	Fail(message string)
}

// Defaults for the window sizes.
const (
	DefaultBatchSize = 100

	// DefaultRetainLimit bounds how many rows a job may have and
	// still keep its successful outcomes in memory for the export
	// fallback.
	DefaultRetainLimit = 10000
)

// Dispatcher runs jobs.  One Dispatcher serves every job in the
// process; each Run call owns exactly one job and runs in its own
// goroutine.
type Dispatcher struct {
	Uploads     *upload.Store
	Transformer *projection.Transformer
	Catalog     *projection.Catalog
	Client      *osrm.Client

	// ResultsDir is where feature collections are written.
	ResultsDir string

	// BatchSize is the B-window: how many rows are decoded and held
	// at once.  If zero, DefaultBatchSize.
	BatchSize int

	// Concurrency is the K-window: how many route requests fly in
	// parallel.  Values above BatchSize are clamped to it.
	Concurrency int

	// RetainLimit caps in-memory outcome retention; zero means
	// DefaultRetainLimit, negative disables retention.
	RetainLimit int

	Log *logrus.Logger
}

func (d *Dispatcher) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return DefaultBatchSize
}

func (d *Dispatcher) concurrency() int {
	k := d.Concurrency
	if k <= 0 {
		k = osrm.DefaultConcurrency
	}
	if b := d.batchSize(); k > b {
		k = b
	}
	return k
}

func (d *Dispatcher) retainLimit() int {
	if d.RetainLimit == 0 {
		return DefaultRetainLimit
	}
	if d.RetainLimit < 0 {
		return 0
	}
	return d.RetainLimit
}

// run tracks one Run call's working state.
type run struct {
	d       *Dispatcher
	job     Job
	cfg     routing.Configuration
	ref     projection.Descriptor
	opts    tabular.Options
	writer  *results.Writer
	log     *logrus.Entry
	started time.Time

	summary  results.Summary
	retained []routing.Outcome
	retain   bool
}

// Run drives the job to a terminal state.  It never returns an error:
// every failure mode ends in the job's own terminal transition.
func (d *Dispatcher) Run(job Job) {
	r := &run{
		d:   d,
		job: job,
		cfg: job.Configuration(),
		log: d.Log.WithField("jobId", job.ID()),
	}
	job.Start()
	r.started = time.Now()

	if err := r.execute(); err != nil {
		if err == errCancelled {
			r.log.Info("job cancelled")
			job.Fail(routing.CancelledByUser)
		} else {
			r.log.WithError(err).Error("job failed")
			job.Fail(err.Error())
		}
		return
	}

	r.log.WithFields(logrus.Fields{
		"successful": r.summary.Successful,
		"failed":     r.summary.Failed,
	}).Info("job completed")
	job.Complete(
		results.ResultPath(d.ResultsDir, job.ID()),
		results.MetadataPath(d.ResultsDir, job.ID()),
		r.retained,
	)
}

// errCancelled marks the cancellation exit path internally; the
// terminal message is owned by the registry.
var errCancelled = errors.New("cancelled")

// execute is the dispatch loop proper.  Returning a non-nil error is
// a job-fatal condition.
func (r *run) execute() error {
	ref, ok := r.d.Catalog.Get(r.cfg.Projection)
	if !ok {
		return routing.ErrNoSuchProjection{Code: r.cfg.Projection}
	}
	r.ref = ref

	it, desc, err := r.d.Uploads.Open(r.cfg.FileID)
	if err != nil {
		return fmt.Errorf("cannot open upload: %w", err)
	}
	defer it.Close()
	r.opts = desc.Options()
	r.summary.Total = desc.RowCount
	r.retain = desc.RowCount <= r.d.retainLimit()

	writer, err := results.Open(r.d.ResultsDir, r.job.ID())
	if err != nil {
		return fmt.Errorf("cannot open result file: %w", err)
	}
	r.writer = writer

	ctx := r.job.Context()
	window := make([]tabular.Row, 0, r.d.batchSize())
	for {
		// Observe the cancel signal before every window, including
		// the first: a cancel delivered while the job was still
		// pending, or against an already exhausted iterator, must
		// still end in failed
		if ctx.Err() != nil {
			r.writer.Abort()
			return errCancelled
		}
		window = window[:0]
		for len(window) < r.d.batchSize() && it.Next() {
			if ctx.Err() != nil {
				r.writer.Abort()
				return errCancelled
			}
			window = append(window, it.Row())
		}
		if len(window) == 0 {
			break
		}
		if err := r.processWindow(ctx, window); err != nil {
			r.writer.Abort()
			return err
		}
		r.job.PublishProgress()
	}
	if err := it.Err(); err != nil {
		r.writer.Abort()
		return fmt.Errorf("error reading upload: %w", err)
	}

	timing := results.Timing{
		StartedAt:   r.started.UTC(),
		CompletedAt: time.Now().UTC(),
	}
	timing.DurationMs = timing.CompletedAt.Sub(timing.StartedAt).Milliseconds()
	if err := r.writer.Close(r.summary, timing, r.cfg); err != nil {
		return fmt.Errorf("cannot finalise result file: %w", err)
	}
	return nil
}

// processWindow drives one B-window of rows to terminal outcomes.
func (r *run) processWindow(ctx context.Context, window []tabular.Row) error {
	outcomes := make([]routing.Outcome, len(window))

	// Decode and transform every row first; rows that fail here
	// never reach the daemon
	var reqs []osrm.Request
	var reqRows []int
	for i, row := range window {
		outcomes[i] = routing.Outcome{RowIndex: row.Index, Fields: row.Fields}
		if row.Err != nil {
			outcomes[i].Err = routing.ReasonMalformedRow
			continue
		}
		req, reason, err := r.buildRequest(row)
		if err != nil {
			// A definition that does not compile would fail every
			// row the same way; abort instead of grinding through
			return err
		}
		if reason != "" {
			outcomes[i].Err = reason
			continue
		}
		reqs = append(reqs, req)
		reqRows = append(reqRows, i)
	}

	// Fan the surviving requests out in K-windows; results come
	// back in submission order, so row order is preserved
	if len(reqs) > 0 {
		batch := r.d.Client.CalculateBatch(ctx, reqs, r.d.concurrency())
		if ctx.Err() != nil {
			return errCancelled
		}
		for j, result := range batch {
			i := reqRows[j]
			if result.OK() {
				outcomes[i].Distance = result.Distance
				outcomes[i].Duration = result.Duration
				outcomes[i].Line = result.Line
			} else {
				outcomes[i].Err = result.Err
			}
		}
	}

	for _, outcome := range outcomes {
		if outcome.OK() {
			outcome.Line = geometry.Transform(outcome.Line, r.cfg.Geometry)
			if err := r.writer.Write(results.Feature(outcome)); err != nil {
				return fmt.Errorf("cannot write feature: %w", err)
			}
			r.summary.Successful++
			r.summary.TotalDistance += outcome.Distance
			r.summary.TotalDuration += outcome.Duration
			if r.retain {
				r.retained = append(r.retained, outcome)
			}
		} else {
			r.summary.Failed++
		}
		r.job.RecordOutcome(outcome.OK())
	}
	return nil
}

// buildRequest parses and transforms one row's coordinate fields.  A
// non-empty reason is a row-level failure; a non-nil error is fatal
// for the whole job (the reference system itself does not compile).
func (r *run) buildRequest(row tabular.Row) (osrm.Request, string, error) {
	ox, err := tabular.ParseCoordinate(row.Fields[r.cfg.OriginFields.X], r.opts)
	if err != nil {
		return osrm.Request{}, routing.ReasonInvalidCoordinates, nil
	}
	oy, err := tabular.ParseCoordinate(row.Fields[r.cfg.OriginFields.Y], r.opts)
	if err != nil {
		return osrm.Request{}, routing.ReasonInvalidCoordinates, nil
	}
	dx, err := tabular.ParseCoordinate(row.Fields[r.cfg.DestinationFields.X], r.opts)
	if err != nil {
		return osrm.Request{}, routing.ReasonInvalidCoordinates, nil
	}
	dy, err := tabular.ParseCoordinate(row.Fields[r.cfg.DestinationFields.Y], r.opts)
	if err != nil {
		return osrm.Request{}, routing.ReasonInvalidCoordinates, nil
	}

	req := osrm.Request{}
	req.OriginLon, req.OriginLat, err = r.d.Transformer.ToWGS84(ox, oy, r.ref)
	if err == nil {
		req.DestinationLon, req.DestinationLat, err = r.d.Transformer.ToWGS84(dx, dy, r.ref)
	}
	if err != nil {
		if bad, isBad := err.(projection.ErrBadDefinition); isBad {
			return osrm.Request{}, "", bad
		}
		return osrm.Request{}, routing.ReasonOutOfRange, nil
	}
	return req, "", nil
}
