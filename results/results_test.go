// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package results

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"

	"github.com/diffeo/osrm-batch-routing/routing"
)

func sampleOutcome(row int) routing.Outcome {
	return routing.Outcome{
		RowIndex: row,
		Fields:   map[string]string{"ox": "2.35", "name": "paris"},
		Distance: 1234.5,
		Duration: 617.0,
		Line:     orb.LineString{{2.35, 48.85}, {2.29, 48.87}},
	}
}

func sampleTiming() Timing {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return Timing{
		StartedAt:   started,
		CompletedAt: started.Add(90 * time.Second),
		DurationMs:  90000,
	}
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "job1")
	if !assert.NoError(t, err) {
		return
	}

	for i := 0; i < 3; i++ {
		assert.NoError(t, w.Write(Feature(sampleOutcome(i))))
	}
	summary := Summary{Total: 3, Successful: 3, TotalDistance: 3703.5, TotalDuration: 1851}
	if !assert.NoError(t, w.Close(summary, sampleTiming(), routing.Configuration{FileID: "f1"})) {
		return
	}

	raw, err := os.ReadFile(ResultPath(dir, "job1"))
	if !assert.NoError(t, err) {
		return
	}
	collection, err := geojson.UnmarshalFeatureCollection(raw)
	if assert.NoError(t, err) && assert.Len(t, collection.Features, 3) {
		for i, f := range collection.Features {
			assert.Equal(t, float64(i), f.Properties["rowIndex"])
			assert.Equal(t, "paris", f.Properties["name"])
			line, ok := f.Geometry.(orb.LineString)
			if assert.True(t, ok) {
				assert.Len(t, line, 2)
			}
		}
	}

	meta, err := ReadMetadata(dir, "job1")
	if assert.NoError(t, err) {
		assert.Equal(t, "job1", meta.JobID)
		assert.Equal(t, summary, meta.Summary)
		assert.Equal(t, int64(90000), meta.Timing.DurationMs)
		assert.Equal(t, "f1", meta.Configuration.FileID)
		assert.Equal(t, "routing_results_job1.geojson", meta.ResultFile)
		assert.Equal(t, "routing_metadata_job1.json", meta.MetadataFile)
	}
}

func TestWriterEmptyCollection(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "empty")
	if !assert.NoError(t, err) {
		return
	}
	if !assert.NoError(t, w.Close(Summary{}, sampleTiming(), routing.Configuration{})) {
		return
	}

	raw, err := os.ReadFile(ResultPath(dir, "empty"))
	if assert.NoError(t, err) {
		collection, err := geojson.UnmarshalFeatureCollection(raw)
		if assert.NoError(t, err) {
			assert.Empty(t, collection.Features)
		}
	}
}

func TestWriterAbortRemovesFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "doomed")
	if !assert.NoError(t, err) {
		return
	}
	assert.NoError(t, w.Write(Feature(sampleOutcome(0))))
	w.Abort()

	_, err = os.Stat(ResultPath(dir, "doomed"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(MetadataPath(dir, "doomed"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriterDistinctPaths(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "job-a")
	if !assert.NoError(t, err) {
		return
	}
	b, err := Open(dir, "job-b")
	if !assert.NoError(t, err) {
		return
	}
	assert.NotEqual(t, a.Path(), b.Path())
	a.Abort()
	b.Abort()
}

func TestFeatureProperties(t *testing.T) {
	f := Feature(sampleOutcome(7))
	assert.Equal(t, 1234.5, f.Properties["distance"])
	assert.Equal(t, 617.0, f.Properties["duration"])
	// distance_km = round(distance/10)/100
	assert.Equal(t, 1.23, f.Properties["distance_km"])
	// duration_minutes = round(duration/60*100)/100
	assert.Equal(t, 10.28, f.Properties["duration_minutes"])
	assert.Equal(t, 7, f.Properties["rowIndex"])
	assert.Equal(t, "2.35", f.Properties["ox"])
}

func TestFeatureNullGeometry(t *testing.T) {
	outcome := sampleOutcome(0)
	outcome.Line = nil
	raw, err := Feature(outcome).MarshalJSON()
	if assert.NoError(t, err) {
		var decoded map[string]interface{}
		if assert.NoError(t, json.Unmarshal(raw, &decoded)) {
			geom, present := decoded["geometry"]
			assert.True(t, present)
			assert.Nil(t, geom)
		}
	}
}

func TestSweeperMaxKept(t *testing.T) {
	dir := t.TempDir()
	base := time.Now()
	for i, job := range []string{"old", "mid", "new"} {
		w, err := Open(dir, job)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, w.Close(Summary{}, sampleTiming(), routing.Configuration{}))
		mod := base.Add(time.Duration(i-3) * time.Hour)
		assert.NoError(t, os.Chtimes(ResultPath(dir, job), mod, mod))
	}

	s := &Sweeper{Dir: dir, MaxKept: 2}
	s.Sweep(base)

	_, err := os.Stat(ResultPath(dir, "old"))
	assert.True(t, os.IsNotExist(err), "oldest file should be swept")
	_, err = os.Stat(MetadataPath(dir, "old"))
	assert.True(t, os.IsNotExist(err), "metadata goes with its result file")
	_, err = os.Stat(ResultPath(dir, "new"))
	assert.NoError(t, err)
}

func TestSweeperMaxAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for _, job := range []string{"stale", "fresh"} {
		w, err := Open(dir, job)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, w.Close(Summary{}, sampleTiming(), routing.Configuration{}))
	}
	old := now.Add(-48 * time.Hour)
	assert.NoError(t, os.Chtimes(ResultPath(dir, "stale"), old, old))

	s := &Sweeper{Dir: dir, MaxAge: 24 * time.Hour}
	s.Sweep(now)

	_, err := os.Stat(ResultPath(dir, "stale"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(ResultPath(dir, "fresh"))
	assert.NoError(t, err)
}
