// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package config holds the daemon's runtime configuration.  Values
// come from command-line flags bound to environment variables, and
// from an optional YAML file.  The daemon loads the file after the
// flags have been parsed, so a key present in the file overrides the
// flag, the environment variable and the default alike; flags and
// environment variables take effect only for keys the file leaves out.
package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the effective daemon configuration.
type Config struct {
	// Bind is the [ip]:port the HTTP server listens on.
	Bind string `yaml:"bind"`

	// OSRMURL is the routing daemon's base URL.
	OSRMURL string `yaml:"osrm_url"`

	// Directories for persisted state.
	ResultsDir string `yaml:"results_dir"`
	UploadDir  string `yaml:"upload_dir"`
	LogDir     string `yaml:"log_dir"`

	// BatchSize is the B-window: rows decoded and held per
	// dispatch window.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrent is the K-window: route requests in flight per
	// job.
	MaxConcurrent int `yaml:"osrm_max_concurrent"`

	// RequestDelay is an optional politeness delay before each
	// daemon request.
	RequestDelay time.Duration `yaml:"osrm_request_delay"`

	// MaxJobsKept caps retained job records.
	MaxJobsKept int `yaml:"max_jobs_kept"`

	// MaxResultsKept caps retained result files on disk.
	MaxResultsKept int `yaml:"max_results_kept"`

	// JobTimeout, if positive, fails jobs running longer.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// FileCleanupInterval paces the result-file sweeper, and
	// doubles as the maximum age of a retained result file.
	FileCleanupInterval time.Duration `yaml:"file_cleanup_interval"`

	// ImmediateCleanup deletes a job's files as soon as its export
	// has been served.
	ImmediateCleanup bool `yaml:"immediate_cleanup"`

	// MaxUploadBytes caps accepted upload size.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Bind:                ":3000",
		OSRMURL:             "http://localhost:5000",
		ResultsDir:          "./results",
		UploadDir:           "./uploads",
		LogDir:              "./logs",
		BatchSize:           100,
		MaxConcurrent:       50,
		RequestDelay:        0,
		MaxJobsKept:         100,
		MaxResultsKept:      100,
		JobTimeout:          0,
		FileCleanupInterval: 24 * time.Hour,
		ImmediateCleanup:    false,
		MaxUploadBytes:      50 << 20,
	}
}

// LoadYAML overlays a YAML file onto c.  Missing file keys keep their
// current values.
func (c *Config) LoadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, c)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.OSRMURL == "" {
		return errors.New("OSRM_URL must be set")
	}
	if c.BatchSize < 1 {
		return errors.New("BATCH_SIZE must be at least 1")
	}
	if c.MaxConcurrent < 1 {
		return errors.New("OSRM_MAX_CONCURRENT must be at least 1")
	}
	if c.MaxConcurrent > c.BatchSize {
		// K above B buys nothing; clamp rather than reject
		c.MaxConcurrent = c.BatchSize
	}
	if c.ResultsDir == "" || c.UploadDir == "" {
		return errors.New("RESULTS_DIR and UPLOAD_DIR must be set")
	}
	return nil
}
