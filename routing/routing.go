// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package routing defines the shared data model for the batch routing
// engine.
//
// Objects here are small value types passed between the registry, the
// dispatcher, and the HTTP boundary.  Mutable job state is owned
// exclusively by the registry package; everything exported from here
// is either immutable after creation (Configuration, Descriptor-like
// records) or a point-in-time snapshot (Job, Progress).
package routing

import (
	"time"

	"github.com/paulmach/orb"
)

// Status describes where a job is in its lifecycle.  Statuses advance
// monotonically toward a terminal state; Failed covers both fatal
// errors and user cancellation.
type Status int

const (
	// Pending jobs have been created but their dispatcher has not
	// started consuming rows yet.
	Pending Status = iota

	// Processing jobs have a running dispatcher.
	Processing

	// Completed jobs drove every row to a terminal outcome and
	// wrote their result and metadata files.
	Completed

	// Failed jobs hit a fatal error or were cancelled.  Failed is
	// terminal; the job's Error field says why.
	Failed
)

var statusNames = map[Status]string{
	Pending:    "pending",
	Processing: "processing",
	Completed:  "completed",
	Failed:     "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether a job in this status can never change
// status again.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// MarshalText renders a status as its lower-case wire name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a lower-case wire name into a status.
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return ErrBadStatus
}

// Progress holds the monotonically increasing per-job counters.
// Processed is always Successful+Failed, and never exceeds Total.
type Progress struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// GeometryPolicy says what to do with each successful route's
// polyline before it is written out.  StraightLine and Simplify are
// mutually exclusive; if both are set, StraightLine wins.
type GeometryPolicy struct {
	// ExportGeometry enables geometry output at all.  When false,
	// features are written with a null geometry and only carry
	// properties.
	ExportGeometry bool `json:"exportGeometry"`

	// StraightLine replaces the routed polyline with the two-point
	// segment between its endpoints.
	StraightLine bool `json:"straightLine"`

	// Simplify runs Douglas-Peucker reduction over the polyline.
	Simplify bool `json:"simplify"`

	// SimplifyTolerance is the Douglas-Peucker perpendicular
	// distance threshold, in degrees.  A tolerance of zero keeps
	// the line unchanged.
	SimplifyTolerance float64 `json:"simplifyTolerance,omitempty"`
}

// FieldPair names the two columns holding a coordinate pair.
type FieldPair struct {
	X string `json:"x"`
	Y string `json:"y"`
}

// Configuration is one job submission.  It is immutable once the job
// has been created; the registry keeps its own copy.
type Configuration struct {
	// FileID identifies the previously ingested upload to read
	// rows from.
	FileID string `json:"fileId"`

	// Projection is the reference system code (e.g. "EPSG:2154")
	// the upload's coordinates are expressed in.
	Projection string `json:"projection"`

	// OriginFields and DestinationFields name the upload columns
	// holding the origin and destination coordinates.
	OriginFields      FieldPair `json:"originFields"`
	DestinationFields FieldPair `json:"destinationFields"`

	// Geometry selects the per-route polyline policy.
	Geometry GeometryPolicy `json:"geometry"`

	// OutputFormat optionally tags the requested result format.
	// Only "geojson" is produced; the tag is recorded in the job
	// metadata as submitted.
	OutputFormat string `json:"outputFormat,omitempty"`
}

// Job is a point-in-time snapshot of one job's state, as returned by
// the registry.  Mutating a snapshot has no effect on the live job.
type Job struct {
	ID            string        `json:"jobId"`
	Status        Status        `json:"status"`
	Progress      Progress      `json:"progress"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	Configuration Configuration `json:"configuration"`
	Error         string        `json:"error,omitempty"`
	ResultPath    string        `json:"-"`
	MetadataPath  string        `json:"-"`
}

// Failure reason codes for per-row outcomes.  These are recovered
// locally: they increment the failed counter and never surface as a
// job-level error.
const (
	// ReasonInvalidCoordinates flags a row whose coordinate fields
	// are missing or not numeric.
	ReasonInvalidCoordinates = "invalid_coordinates"

	// ReasonOutOfRange flags a row whose transformed coordinates
	// fall outside the WGS84 envelope or are not finite.
	ReasonOutOfRange = "out_of_range"

	// ReasonInvalidRequest means the daemon rejected the
	// coordinates themselves.
	ReasonInvalidRequest = "invalid_request"

	// ReasonNoRoute means the daemon answered but could not find a
	// route between the points.
	ReasonNoRoute = "no_route"

	// ReasonUnreachable means the daemon could not be contacted at
	// all.
	ReasonUnreachable = "unreachable"

	// ReasonTimeout means the per-request deadline elapsed.
	ReasonTimeout = "timeout"

	// ReasonCancelled means the job's cancellation signal aborted
	// the request.
	ReasonCancelled = "cancelled"

	// ReasonMalformedResponse means the daemon answered with a
	// payload the client could not interpret.
	ReasonMalformedResponse = "malformed_response"

	// ReasonMalformedRow flags a row the iterator could not parse
	// at all.
	ReasonMalformedRow = "malformed_row"
)

// CancelledByUser is the terminal error message of a job cancelled
// through the API.
const CancelledByUser = "cancelled by user"

// TimedOut is the terminal error message of a job cancelled by the
// configured job timeout.
const TimedOut = "job timed out"

// Outcome is the terminal result of one input row: either a routed
// line with its distance and duration, or a failure reason.  The
// original row fields ride along so they can be round-tripped into
// the output feature's properties.
type Outcome struct {
	RowIndex int               `json:"rowIndex"`
	Fields   map[string]string `json:"fields,omitempty"`

	// Distance is metres and Duration seconds; both are zero when
	// Err is set.
	Distance float64        `json:"distance,omitempty"`
	Duration float64        `json:"duration,omitempty"`
	Line     orb.LineString `json:"-"`

	// Err holds one of the Reason* codes, or is empty on success.
	Err string `json:"error,omitempty"`
}

// OK reports whether this outcome is a success.
func (o Outcome) OK() bool {
	return o.Err == ""
}

// EventKind discriminates broadcast events.
type EventKind string

const (
	// EventProgress is published at most once per processed
	// B-window.
	EventProgress EventKind = "progress"

	// EventCompleted and EventFailed are published exactly once, on
	// the terminal transition.
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one broadcast message about a job.
type Event struct {
	JobID    string    `json:"jobId"`
	Kind     EventKind `json:"kind"`
	Status   Status    `json:"status"`
	Progress Progress  `json:"progress"`
	Error    string    `json:"error,omitempty"`
}
