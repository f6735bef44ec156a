// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"

	"github.com/diffeo/osrm-batch-routing/results"
	"github.com/diffeo/osrm-batch-routing/routing"
)

// Sample size limits for the sample endpoint.
const (
	defaultSampleLimit = 5
	maxSampleLimit     = 100
)

// Upload ingests one multipart table and returns its descriptor.
func (api *API) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, routing.ValidationError{Fields: []routing.FieldError{
			{Field: "file", Message: "missing multipart file part"},
		}})
		return
	}
	defer file.Close()

	desc, err := api.Uploads.Ingest(file, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	api.Log.WithFields(map[string]interface{}{
		"fileId": desc.FileID,
		"rows":   desc.RowCount,
	}).Info("upload ingested")
	writeSuccess(w, desc)
}

// Sample returns the first rows of an upload.
func (api *API) Sample(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["fileId"]
	limit := defaultSampleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, routing.ValidationError{Fields: []routing.FieldError{
				{Field: "limit", Message: "must be a positive integer"},
			}})
			return
		}
		limit = n
	}
	if limit > maxSampleLimit {
		limit = maxSampleLimit
	}

	headers, sample, total, err := api.Uploads.Sample(fileID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"headers":   headers,
		"sample":    sample,
		"totalRows": total,
	})
}

// Projections lists the reference system catalog, optionally
// filtered.
func (api *API) Projections(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	search := r.URL.Query().Get("search")
	writeSuccess(w, api.Catalog.List(region, search))
}

// SubmitBatch creates a job from a routing configuration.
func (api *API) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var cfg routing.Configuration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, routing.ValidationError{Fields: []routing.FieldError{
			{Field: "body", Message: "malformed request body: " + err.Error()},
		}})
		return
	}
	jobID, err := api.Registry.Create(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]string{"jobId": jobID})
}

// Status returns a job snapshot.
func (api *API) Status(w http.ResponseWriter, r *http.Request) {
	job, err := api.Registry.Get(mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, job)
}

// Results returns a completed job's materialised outcomes.
func (api *API) Results(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := api.Registry.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.Status != routing.Completed {
		writeError(w, routing.ErrJobNotFinished)
		return
	}

	meta, err := results.ReadMetadata(api.ResultsDir, jobID)
	if err != nil {
		writeError(w, routing.ErrResultsGone)
		return
	}

	data := map[string]interface{}{
		"jobId":   jobID,
		"status":  job.Status,
		"summary": meta.Summary,
		"timing":  meta.Timing,
	}
	raw, err := os.ReadFile(results.ResultPath(api.ResultsDir, jobID))
	if err == nil {
		collection, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		data["features"] = collection.Features
	} else if retained, rerr := api.Registry.Retained(jobID); rerr == nil && retained != nil {
		data["features"] = retainedFeatures(retained)
	} else {
		writeError(w, routing.ErrResultsGone)
		return
	}
	writeSuccess(w, data)
}

// Export streams a completed job's feature collection from disk.  If
// the file is gone but the job was small enough to retain outcomes in
// memory, the collection is materialised on the fly instead.
func (api *API) Export(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := api.Registry.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.Status != routing.Completed {
		writeError(w, routing.ErrJobNotFinished)
		return
	}

	path := results.ResultPath(api.ResultsDir, jobID)
	f, err := os.Open(path)
	if err != nil {
		api.exportRetained(w, jobID)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("routing_results_%s.geojson", jobID)))
	// Stream straight from disk; the file is never materialised in
	// memory
	if _, err := io.Copy(w, f); err != nil {
		api.Log.WithError(err).WithField("jobId", jobID).Warn("export interrupted")
		return
	}

	if api.ImmediateCleanup {
		_, _ = api.Registry.Cleanup(jobID, api.ResultsDir)
	}
}

// exportRetained is the fallback path when the result file has been
// removed: rebuild the collection from the in-memory outcomes.
func (api *API) exportRetained(w http.ResponseWriter, jobID string) {
	retained, err := api.Registry.Retained(jobID)
	if err != nil || retained == nil {
		writeError(w, routing.ErrResultsGone)
		return
	}
	collection := geojson.NewFeatureCollection()
	collection.Features = retainedFeatures(retained)
	raw, err := collection.MarshalJSON()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("routing_results_%s.geojson", jobID)))
	_, _ = w.Write(raw)
}

func retainedFeatures(retained []routing.Outcome) []*geojson.Feature {
	features := make([]*geojson.Feature, len(retained))
	for i, outcome := range retained {
		features[i] = results.Feature(outcome)
	}
	return features
}

// Metadata returns the sibling metadata document.
func (api *API) Metadata(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := api.Registry.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.Status != routing.Completed {
		writeError(w, routing.ErrJobNotFinished)
		return
	}
	meta, err := results.ReadMetadata(api.ResultsDir, jobID)
	if err != nil {
		writeError(w, routing.ErrResultsGone)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// CancelJob sets a job's cancellation signal.
func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	cancelled, err := api.Registry.Cancel(mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]bool{"cancelled": cancelled})
}

// CleanupJob purges a terminal job's files and record.
func (api *API) CleanupJob(w http.ResponseWriter, r *http.Request) {
	purged, err := api.Registry.Cleanup(mux.Vars(r)["jobId"], api.ResultsDir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, map[string]bool{"purged": purged})
}

// Health reports liveness.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	counts := api.Registry.Summarize()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(api.StartedAt).Seconds()),
		"jobs": map[string]int{
			"pending":    counts[routing.Pending],
			"processing": counts[routing.Processing],
			"completed":  counts[routing.Completed],
			"failed":     counts[routing.Failed],
		},
	})
}
