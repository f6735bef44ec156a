// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":3000", cfg.Bind)
	assert.Equal(t, "http://localhost:5000", cfg.OSRMURL)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 50, cfg.MaxConcurrent)
	assert.Equal(t, time.Duration(0), cfg.RequestDelay)
	assert.Equal(t, 100, cfg.MaxJobsKept)
	assert.Equal(t, int64(50<<20), cfg.MaxUploadBytes)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
osrm_url: http://router:5000
batch_size: 200
osrm_max_concurrent: 80
immediate_cleanup: true
`), 0o644)
	if !assert.NoError(t, err) {
		return
	}

	cfg := Default()
	if assert.NoError(t, cfg.LoadYAML(path)) {
		assert.Equal(t, "http://router:5000", cfg.OSRMURL)
		assert.Equal(t, 200, cfg.BatchSize)
		assert.Equal(t, 80, cfg.MaxConcurrent)
		assert.True(t, cfg.ImmediateCleanup)
		// Untouched keys keep their defaults
		assert.Equal(t, ":3000", cfg.Bind)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.OSRMURL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxConcurrent = 0
	assert.Error(t, cfg.Validate())

	// K above B clamps rather than failing
	cfg = Default()
	cfg.BatchSize = 10
	cfg.MaxConcurrent = 50
	if assert.NoError(t, cfg.Validate()) {
		assert.Equal(t, 10, cfg.MaxConcurrent)
	}

	cfg = Default()
	cfg.ResultsDir = ""
	assert.Error(t, cfg.Validate())
}
