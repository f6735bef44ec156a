// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package results streams a job's feature collection to disk and
// writes its sibling metadata document.
//
// The collection file is written incrementally: header, one encoded
// feature per successful row, footer.  At no point does more than one
// feature live in memory, which is what keeps multi-gigabyte outputs
// safe.  A file only ever carries a valid footer if Close succeeded;
// aborted or failed jobs leave no file behind.
package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/diffeo/osrm-batch-routing/routing"
)

// File naming under the results directory.
const (
	resultPattern   = "routing_results_%s.geojson"
	metadataPattern = "routing_metadata_%s.json"
)

// ResultPath returns the feature collection path for a job.
func ResultPath(dir, jobID string) string {
	return filepath.Join(dir, fmt.Sprintf(resultPattern, jobID))
}

// MetadataPath returns the metadata document path for a job.
func MetadataPath(dir, jobID string) string {
	return filepath.Join(dir, fmt.Sprintf(metadataPattern, jobID))
}

// Summary aggregates a finished job's outcomes.
type Summary struct {
	Total         int     `json:"total"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	TotalDistance float64 `json:"totalDistance"`
	TotalDuration float64 `json:"totalDuration"`
}

// Timing records a job's wall-clock bounds.
type Timing struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
}

// Metadata is the sibling document written on Close.
type Metadata struct {
	JobID         string                `json:"jobId"`
	Summary       Summary               `json:"summary"`
	GeneratedAt   time.Time             `json:"generatedAt"`
	Configuration routing.Configuration `json:"configuration"`
	Timing        Timing                `json:"timing"`
	ResultFile    string                `json:"resultFile"`
	MetadataFile  string                `json:"metadataFile"`
}

// Writer streams one job's feature collection.  It is used by a
// single dispatcher goroutine; it is not safe for concurrent use.
type Writer struct {
	jobID    string
	dir      string
	file     *os.File
	buf      *bufio.Writer
	features int
	closed   bool
}

// Open creates the result file for a job and writes the collection
// header.  The file lives at a path derived from the job identifier,
// so concurrent jobs never contend.
func Open(dir, jobID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := ResultPath(dir, jobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	w := &Writer{jobID: jobID, dir: dir, file: f, buf: bufio.NewWriterSize(f, 64*1024)}
	if _, err := w.buf.WriteString(`{"type":"FeatureCollection","features":[`); err != nil {
		w.discard()
		return nil, err
	}
	return w, nil
}

// Path returns the result file's location.
func (w *Writer) Path() string {
	return ResultPath(w.dir, w.jobID)
}

// Write appends one feature to the collection.
func (w *Writer) Write(f *geojson.Feature) error {
	raw, err := f.MarshalJSON()
	if err != nil {
		return err
	}
	if w.features > 0 {
		if _, err := w.buf.WriteString(",\n"); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(raw); err != nil {
		return err
	}
	w.features++
	return nil
}

// Close writes the collection footer and atomically writes the
// sibling metadata document.  After a successful Close both files
// exist and agree.
func (w *Writer) Close(summary Summary, timing Timing, cfg routing.Configuration) error {
	if w.closed {
		return nil
	}
	w.closed = true

	if _, err := w.buf.WriteString("]}"); err != nil {
		w.remove()
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.remove()
		return err
	}
	if err := w.file.Close(); err != nil {
		w.remove()
		return err
	}

	meta := Metadata{
		JobID:         w.jobID,
		Summary:       summary,
		GeneratedAt:   time.Now().UTC(),
		Configuration: cfg,
		Timing:        timing,
		ResultFile:    filepath.Base(ResultPath(w.dir, w.jobID)),
		MetadataFile:  filepath.Base(MetadataPath(w.dir, w.jobID)),
	}
	if err := writeMetadata(MetadataPath(w.dir, w.jobID), meta); err != nil {
		w.remove()
		return err
	}
	return nil
}

// Abort closes and deletes the partial result file.  It is called on
// job failure and cancellation; a partial file must never be left
// with a valid footer.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.discard()
}

func (w *Writer) discard() {
	w.buf.Flush()
	w.file.Close()
	w.remove()
}

func (w *Writer) remove() {
	os.Remove(ResultPath(w.dir, w.jobID))
}

// writeMetadata writes the document to a temporary file and renames
// it into place, so readers never observe a half-written metadata
// file.
func writeMetadata(path string, meta Metadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Feature builds the output feature for one successful outcome.  The
// original row fields are carried through as properties, joined by
// the measured distance and duration in both raw and humanised units.
func Feature(outcome routing.Outcome) *geojson.Feature {
	var f *geojson.Feature
	if outcome.Line == nil {
		f = &geojson.Feature{Type: "Feature", Properties: geojson.Properties{}}
	} else {
		f = geojson.NewFeature(outcome.Line)
	}
	for name, value := range outcome.Fields {
		f.Properties[name] = value
	}
	f.Properties["distance"] = outcome.Distance
	f.Properties["duration"] = outcome.Duration
	f.Properties["distance_km"] = math.Round(outcome.Distance/10) / 100
	f.Properties["duration_minutes"] = math.Round(outcome.Duration/60*100) / 100
	f.Properties["rowIndex"] = outcome.RowIndex
	return f
}

// ReadMetadata loads a job's metadata document.
func ReadMetadata(dir, jobID string) (Metadata, error) {
	var meta Metadata
	raw, err := os.ReadFile(MetadataPath(dir, jobID))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(raw, &meta)
	return meta, err
}
