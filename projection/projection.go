// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package projection converts planar coordinates in a named reference
// system to WGS84 geographic longitude/latitude.
//
// Transforms are compiled from proj-style definition strings and
// cached by reference system code, so the per-row cost of a batch job
// is one map lookup and one inverse projection.  Results outside the
// WGS84 envelope, or containing non-finite components, are rejected.
package projection

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-spatial/proj/core"
	_ "github.com/go-spatial/proj/operations"
	"github.com/go-spatial/proj/support"
)

// Descriptor is one catalog entry: a named coordinate reference
// system and its proj definition.  Descriptors are immutable and
// loaded once at startup.
type Descriptor struct {
	// Code is the well-known identifier, e.g. "EPSG:2154".
	Code string `json:"code" mapstructure:"code"`

	// Name is the human-readable name.
	Name string `json:"name" mapstructure:"name"`

	// Region says where the system applies, e.g. "France".
	Region string `json:"region" mapstructure:"region"`

	// Datum names the geodetic datum, e.g. "RGF93".
	Datum string `json:"datum" mapstructure:"datum"`

	// Proj4 is the proj-style definition string.
	Proj4 string `json:"proj4" mapstructure:"proj4"`
}

// ErrOutOfRange is the failure of a transform whose output is not a
// finite coordinate inside the WGS84 envelope.
type ErrOutOfRange struct {
	Lon, Lat float64
}

func (err ErrOutOfRange) Error() string {
	return fmt.Sprintf("transformed coordinate (%v, %v) outside WGS84 range", err.Lon, err.Lat)
}

// ErrBadDefinition wraps a proj definition that failed to compile.
type ErrBadDefinition struct {
	Code string
	Err  error
}

func (err ErrBadDefinition) Error() string {
	return fmt.Sprintf("cannot compile reference system %q: %v", err.Code, err.Err)
}

// Transformer converts coordinates to WGS84.  The zero value is not
// usable; call NewTransformer.
type Transformer struct {
	cache *lru
}

// cacheSize bounds the number of compiled transforms kept alive.
const cacheSize = 32

// NewTransformer creates a transformer with an empty compiled-
// transform cache.
func NewTransformer() *Transformer {
	return &Transformer{cache: newLRU(cacheSize)}
}

// compiled is one reference system's ready-to-use inverse projection.
type compiled struct {
	code string

	// geographic is set for longlat definitions, whose "transform"
	// is the identity (the input already is longitude/latitude).
	geographic bool

	op core.IConvertLPToXY
}

func (c *compiled) Name() string {
	return c.code
}

// ToWGS84 transforms one (x, y) pair expressed in ref's system into
// (lon, lat).  The input is not mutated.  Inputs already in a
// geographic system still traverse the same validation path, so every
// row sees a uniform pipeline.
func (t *Transformer) ToWGS84(x, y float64, ref Descriptor) (lon, lat float64, err error) {
	item, err := t.cache.Get(ref.Code, func(string) (named, error) {
		return compile(ref)
	})
	if err != nil {
		return 0, 0, err
	}
	c := item.(*compiled)

	if c.geographic {
		lon, lat = x, y
	} else {
		lp, err := c.op.Inverse(&core.CoordXY{X: x, Y: y})
		if err != nil {
			return 0, 0, err
		}
		lon = lp.Lam * 180 / math.Pi
		lat = lp.Phi * 180 / math.Pi
	}

	if !inWGS84Range(lon, lat) {
		return 0, 0, ErrOutOfRange{Lon: lon, Lat: lat}
	}
	return lon, lat, nil
}

// compile parses one descriptor's proj definition into a compiled
// transform.
func compile(ref Descriptor) (*compiled, error) {
	if isGeographic(ref.Proj4) {
		return &compiled{code: ref.Code, geographic: true}, nil
	}

	ps, err := support.NewProjString(ref.Proj4)
	if err != nil {
		return nil, ErrBadDefinition{Code: ref.Code, Err: err}
	}
	_, opx, err := core.NewSystem(ps)
	if err != nil {
		return nil, ErrBadDefinition{Code: ref.Code, Err: err}
	}
	op, ok := opx.(core.IConvertLPToXY)
	if !ok {
		return nil, ErrBadDefinition{Code: ref.Code, Err: fmt.Errorf("operation does not convert coordinates")}
	}
	return &compiled{code: ref.Code, op: op}, nil
}

// isGeographic reports whether a proj definition describes plain
// longitude/latitude rather than a projection.
func isGeographic(def string) bool {
	return strings.Contains(def, "+proj=longlat") || strings.Contains(def, "+proj=latlong")
}

// inWGS84Range accepts finite coordinates inside the global envelope,
// boundary included.
func inWGS84Range(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsInf(lon, 0) || math.IsNaN(lat) || math.IsInf(lat, 0) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}
