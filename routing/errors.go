// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package routing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrBadStatus is returned when unmarshalling an unrecognized job
// status name.
var ErrBadStatus = errors.New("unrecognized job status")

// errPrecondition is a client precondition failure: the resource
// exists but is not in a state where the request makes sense.  These
// map to 400, not 404.
type errPrecondition struct {
	msg string
}

func (err errPrecondition) Error() string {
	return err.msg
}

// HTTPStatus returns a fixed 400 Bad Request error code.
func (err errPrecondition) HTTPStatus() int {
	return http.StatusBadRequest
}

// ErrJobNotFinished is returned from result and export lookups on a
// job that has not reached the completed state.
var ErrJobNotFinished error = errPrecondition{"Job not completed yet"}

// ErrJobNotTerminal is returned from cleanup on a job that is still
// pending or processing.
var ErrJobNotTerminal error = errPrecondition{"Job is still running"}

// ErrResultsGone is returned when a completed job's result file has
// been removed and no in-memory outcomes remain to serve.
var ErrResultsGone error = errPrecondition{"Result file no longer available"}

// ErrNoSuchJob is returned by registry lookups for an unknown or
// already evicted job identifier.
type ErrNoSuchJob struct {
	ID string
}

func (err ErrNoSuchJob) Error() string {
	return fmt.Sprintf("No such job %q", err.ID)
}

// HTTPStatus returns a fixed 404 Not Found error code.
func (err ErrNoSuchJob) HTTPStatus() int {
	return http.StatusNotFound
}

// ErrNoSuchUpload is returned when a file identifier does not match
// any ingested upload.
type ErrNoSuchUpload struct {
	ID string
}

func (err ErrNoSuchUpload) Error() string {
	return fmt.Sprintf("No such upload %q", err.ID)
}

// HTTPStatus returns a fixed 404 Not Found error code.
func (err ErrNoSuchUpload) HTTPStatus() int {
	return http.StatusNotFound
}

// ErrNoSuchProjection is returned when a reference system code is not
// in the catalog.
type ErrNoSuchProjection struct {
	Code string
}

func (err ErrNoSuchProjection) Error() string {
	return fmt.Sprintf("No such reference system %q", err.Code)
}

// HTTPStatus returns a fixed 404 Not Found error code.
func (err ErrNoSuchProjection) HTTPStatus() int {
	return http.StatusNotFound
}

// ValidationError collects field-level problems with a submission.
// It renders as a 400 with one message per offending field.
type ValidationError struct {
	Fields []FieldError
}

// FieldError is one field-level validation problem.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (err ValidationError) Error() string {
	msgs := make([]string, len(err.Fields))
	for i, f := range err.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "invalid request: " + strings.Join(msgs, "; ")
}

// HTTPStatus returns a fixed 400 Bad Request error code.
func (err ValidationError) HTTPStatus() int {
	return http.StatusBadRequest
}

// Add appends one field problem and returns the error for chaining.
func (err *ValidationError) Add(field, message string) *ValidationError {
	err.Fields = append(err.Fields, FieldError{Field: field, Message: message})
	return err
}

// Empty reports whether no problems have been recorded.
func (err *ValidationError) Empty() bool {
	return len(err.Fields) == 0
}
