// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package restserver is the HTTP and WebSocket boundary of the batch
// routing engine.  Handlers are thin translators between the wire
// contracts and registry operations; nothing in here owns job state.
package restserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/diffeo/osrm-batch-routing/broadcast"
	"github.com/diffeo/osrm-batch-routing/projection"
	"github.com/diffeo/osrm-batch-routing/registry"
	"github.com/diffeo/osrm-batch-routing/upload"
)

// API holds the boundary's dependencies.
type API struct {
	Registry    *registry.Registry
	Uploads     *upload.Store
	Catalog     *projection.Catalog
	Broadcaster *broadcast.Broadcaster
	Log         *logrus.Logger

	// ResultsDir locates result and metadata files for download.
	ResultsDir string

	// ImmediateCleanup removes a job's files right after its
	// export has been served.
	ImmediateCleanup bool

	// StartedAt feeds the health endpoint's uptime.
	StartedAt time.Time
}

// NewRouter creates the HTTP handler serving the full API.  For more
// control over the router, call PopulateRouter on your own mux.
func NewRouter(api *API) http.Handler {
	r := mux.NewRouter()
	PopulateRouter(r, api)
	return r
}

// PopulateRouter adds all API routes to an existing
// github.com/gorilla/mux router object.
func PopulateRouter(r *mux.Router, api *API) {
	r.HandleFunc("/api/upload", api.wrap(api.Upload)).Methods("POST")
	r.HandleFunc("/api/upload/{fileId}/sample", api.wrap(api.Sample)).Methods("GET")
	r.HandleFunc("/api/projections", api.wrap(api.Projections)).Methods("GET")
	r.HandleFunc("/api/routing/batch", api.wrap(api.SubmitBatch)).Methods("POST")
	r.HandleFunc("/api/routing/status/{jobId}", api.wrap(api.Status)).Methods("GET")
	r.HandleFunc("/api/routing/results/{jobId}", api.wrap(api.Results)).Methods("GET")
	r.HandleFunc("/api/routing/export/{jobId}", api.wrap(api.Export)).Methods("GET")
	r.HandleFunc("/api/routing/metadata/{jobId}", api.wrap(api.Metadata)).Methods("GET")
	r.HandleFunc("/api/routing/job/{jobId}", api.wrap(api.CancelJob)).Methods("DELETE")
	r.HandleFunc("/api/routing/job/{jobId}/cleanup", api.wrap(api.CleanupJob)).Methods("DELETE")
	r.HandleFunc("/api/health", api.wrap(api.Health)).Methods("GET")
	r.HandleFunc("/ws", api.WebSocket)
}

// wrap adds panic recovery around one handler.
func (api *API) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer api.recoverPanic(w)
		h(w, r)
	}
}
