// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package results

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Sweeper deletes old result and metadata files.  It enforces two
// policies on the results directory: at most MaxKept result files are
// retained, oldest evicted first, and files older than MaxAge are
// removed regardless of count.  Either policy can be disabled by
// leaving it zero.
type Sweeper struct {
	// Dir is the results directory to sweep.
	Dir string

	// MaxKept caps how many result files are retained.
	MaxKept int

	// MaxAge removes files whose modification time is older.
	MaxAge time.Duration

	// Interval is how often the loop sweeps.  If zero, one hour.
	Interval time.Duration

	// Clock is the time source; tests substitute a mock.  If nil,
	// wall-clock time.
	Clock clock.Clock

	// Log receives a line per removed file.
	Log *logrus.Logger
}

// Run sweeps periodically until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(clk.Now())
		}
	}
}

// Sweep applies both retention policies once.
func (s *Sweeper) Sweep(now time.Time) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return
	}

	type resultFile struct {
		jobID   string
		modTime time.Time
	}
	var files []resultFile
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "routing_results_") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		jobID := strings.TrimSuffix(strings.TrimPrefix(name, "routing_results_"), filepath.Ext(name))
		files = append(files, resultFile{jobID: jobID, modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	remove := make(map[string]struct{})
	if s.MaxAge > 0 {
		for _, f := range files {
			if now.Sub(f.modTime) > s.MaxAge {
				remove[f.jobID] = struct{}{}
			}
		}
	}
	if s.MaxKept > 0 && len(files)-len(remove) > s.MaxKept {
		for _, f := range files {
			if len(files)-len(remove) <= s.MaxKept {
				break
			}
			remove[f.jobID] = struct{}{}
		}
	}

	for jobID := range remove {
		Remove(s.Dir, jobID)
		if s.Log != nil {
			s.Log.WithField("jobId", jobID).Info("swept expired result files")
		}
	}
}

// Remove deletes a job's result and metadata files.  Missing files
// are not an error.
func Remove(dir, jobID string) {
	os.Remove(ResultPath(dir, jobID))
	os.Remove(MetadataPath(dir, jobID))
}
