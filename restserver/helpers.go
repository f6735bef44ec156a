// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

// This file contains the response envelope and error plumbing shared
// by every handler.

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/diffeo/osrm-batch-routing/routing"
)

// envelope is the uniform JSON response shape.
type envelope struct {
	Success bool                 `json:"success"`
	Data    interface{}          `json:"data,omitempty"`
	Error   string               `json:"error,omitempty"`
	Fields  []routing.FieldError `json:"fields,omitempty"`
}

// errorStatus describes errors that correspond to specific HTTP
// status codes.
type errorStatus interface {
	HTTPStatus() int
}

// writeSuccess sends a 200 envelope with a data payload.
func writeSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeError maps an error to its status code and sends a failure
// envelope.  Errors with no declared status are internal.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if es, ok := err.(errorStatus); ok {
		status = es.HTTPStatus()
	}
	env := envelope{Success: false, Error: err.Error()}
	if verr, ok := err.(routing.ValidationError); ok {
		env.Fields = verr.Fields
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// An encode failure at this point has already committed the
	// status line; nothing useful remains to be done
	_ = json.NewEncoder(w).Encode(body)
}

// recoverPanic turns a handler panic into a 500 envelope instead of a
// dropped connection, and logs the stack.
func (api *API) recoverPanic(w http.ResponseWriter) {
	if recovered := recover(); recovered != nil {
		var stack [8192]byte
		n := runtime.Stack(stack[:], false)
		api.Log.WithField("panic", recovered).Error(string(stack[:n]))
		writeJSON(w, http.StatusInternalServerError, envelope{
			Success: false,
			Error:   "internal server error",
		})
	}
}
