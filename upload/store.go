// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package upload ingests tabular files and serves them back to the
// routing engine as row iterators with header metadata.
//
// Raw bytes live under the upload directory keyed by file
// identifier.  Each upload also gets a JSON sidecar with its detected
// descriptor, so a restarted process can keep serving samples and
// running jobs against previously ingested files.
package upload

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/diffeo/osrm-batch-routing/routing"
	"github.com/diffeo/osrm-batch-routing/tabular"
)

// DefaultMaxBytes caps upload size when the store is not configured
// with a limit.
const DefaultMaxBytes = 50 << 20

// Descriptor is the immutable record of one ingested upload.
type Descriptor struct {
	FileID       string   `json:"fileId"`
	OriginalName string   `json:"originalName"`
	Size         int64    `json:"size"`
	Encoding     string   `json:"encoding"`
	Separator    string   `json:"separator"`
	DecimalMark  string   `json:"decimalMark"`
	Columns      []string `json:"columns"`
	RowCount     int      `json:"rowCount"`
}

// Options converts the descriptor's detected parse settings into
// iterator options.
func (d *Descriptor) Options() tabular.Options {
	opts := tabular.Options{Encoding: d.Encoding, Separator: ',', DecimalMark: '.'}
	if d.Separator != "" {
		opts.Separator = []rune(d.Separator)[0]
	}
	if d.DecimalMark != "" {
		opts.DecimalMark = []rune(d.DecimalMark)[0]
	}
	return opts
}

// HasColumn reports whether the upload's header carries the named
// column.
func (d *Descriptor) HasColumn(name string) bool {
	for _, col := range d.Columns {
		if col == name {
			return true
		}
	}
	return false
}

// ErrTooLarge is returned from Ingest when an upload exceeds the
// configured cap.
type ErrTooLarge struct {
	Limit int64
}

func (err ErrTooLarge) Error() string {
	return fmt.Sprintf("upload exceeds the %d byte limit", err.Limit)
}

// HTTPStatus returns a fixed 413 Request Entity Too Large error code.
func (err ErrTooLarge) HTTPStatus() int {
	return http.StatusRequestEntityTooLarge
}

// Store owns the upload directory and the descriptor set.  It is safe
// for concurrent use.
type Store struct {
	dir      string
	maxBytes int64

	mu          sync.Mutex
	descriptors map[string]*Descriptor
}

// NewStore opens (and creates if needed) an upload directory and
// loads any descriptor sidecars already present.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	s := &Store{dir: dir, maxBytes: maxBytes, descriptors: make(map[string]*Descriptor)}
	if err := s.loadSidecars(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSidecars() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".descriptor.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var d Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		if _, err := os.Stat(s.dataPath(&d)); err != nil {
			// Sidecar without data; ignore it
			continue
		}
		s.descriptors[d.FileID] = &d
	}
	return nil
}

// unsafeName strips characters we refuse to put in a filename.
var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeName(name string) string {
	name = filepath.Base(name)
	name = unsafeName.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}

func (s *Store) dataPath(d *Descriptor) string {
	return filepath.Join(s.dir, d.FileID+"_"+d.OriginalName)
}

func (s *Store) sidecarPath(fileID string) string {
	return filepath.Join(s.dir, fileID+".descriptor.json")
}

// Ingest saves one uploaded table, detects its parse options, and
// registers its descriptor.  The reader is consumed to EOF or to the
// size cap, whichever comes first; exceeding the cap removes the
// partial file and fails.
func (s *Store) Ingest(r io.Reader, originalName string) (*Descriptor, error) {
	d := &Descriptor{
		FileID:       uuid.NewV4().String(),
		OriginalName: sanitizeName(originalName),
	}
	path := s.dataPath(d)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	// Copy one byte past the cap so overflow is detectable
	written, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if written > s.maxBytes {
		os.Remove(path)
		return nil, ErrTooLarge{Limit: s.maxBytes}
	}
	d.Size = written

	if err := s.describe(d); err != nil {
		os.Remove(path)
		return nil, err
	}

	raw, err := json.MarshalIndent(d, "", "  ")
	if err == nil {
		err = os.WriteFile(s.sidecarPath(d.FileID), raw, 0o644)
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	s.mu.Lock()
	s.descriptors[d.FileID] = d
	s.mu.Unlock()
	return d, nil
}

// describe fills in the sniffed options, columns, and row count.
func (s *Store) describe(d *Descriptor) error {
	f, err := os.Open(s.dataPath(d))
	if err != nil {
		return err
	}
	opts, columns, err := tabular.Sniff(f)
	f.Close()
	if err != nil {
		return err
	}
	d.Encoding = opts.Encoding
	d.Separator = string(opts.Separator)
	d.DecimalMark = string(opts.DecimalMark)
	d.Columns = columns

	f, err = os.Open(s.dataPath(d))
	if err != nil {
		return err
	}
	d.RowCount, err = tabular.CountRows(f)
	f.Close()
	return err
}

// Get returns the descriptor for a file identifier.
func (s *Store) Get(fileID string) (*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[fileID]
	if !ok {
		return nil, routing.ErrNoSuchUpload{ID: fileID}
	}
	return d, nil
}

// Open creates a fresh iterator over one upload's rows.  Every caller
// gets its own iterator; iterators are once-only.
func (s *Store) Open(fileID string) (*tabular.Iterator, *Descriptor, error) {
	d, err := s.Get(fileID)
	if err != nil {
		return nil, nil, err
	}
	it, err := tabular.Open(s.dataPath(d), d.Options())
	if err != nil {
		return nil, nil, err
	}
	return it, d, nil
}

// Sample returns the upload's header and its first limit rows.
func (s *Store) Sample(fileID string, limit int) ([]string, []map[string]string, int, error) {
	it, d, err := s.Open(fileID)
	if err != nil {
		return nil, nil, 0, err
	}
	defer it.Close()

	var rows []map[string]string
	for len(rows) < limit && it.Next() {
		row := it.Row()
		if row.Err != nil {
			continue
		}
		rows = append(rows, row.Fields)
	}
	if err := it.Err(); err != nil {
		return nil, nil, 0, err
	}
	return d.Columns, rows, d.RowCount, nil
}
