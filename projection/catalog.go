// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package projection

import (
	_ "embed"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog is the static set of known reference systems, keyed by
// code.  It is read-only after construction.
type Catalog struct {
	byCode map[string]Descriptor
	order  []string
}

// LoadCatalog builds the catalog from the embedded descriptor list.
func LoadCatalog() (*Catalog, error) {
	return parseCatalog(catalogYAML)
}

// parseCatalog decodes YAML descriptor maps.  Entries come in as
// generic maps and go through mapstructure so extra keys in the data
// file are tolerated.
func parseCatalog(raw []byte) (*Catalog, error) {
	var entries []map[string]interface{}
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	c := &Catalog{byCode: make(map[string]Descriptor, len(entries))}
	for _, entry := range entries {
		var d Descriptor
		if err := mapstructure.Decode(entry, &d); err != nil {
			return nil, err
		}
		if _, dup := c.byCode[d.Code]; !dup {
			c.order = append(c.order, d.Code)
		}
		c.byCode[d.Code] = d
	}
	return c, nil
}

// Get looks up one descriptor by code.
func (c *Catalog) Get(code string) (Descriptor, bool) {
	d, ok := c.byCode[code]
	return d, ok
}

// List returns descriptors filtered by region (exact,
// case-insensitive) and by a free-text search over code and name.
// Empty filters match everything.  The result is in catalog order.
func (c *Catalog) List(region, search string) []Descriptor {
	region = strings.ToLower(region)
	search = strings.ToLower(search)
	var out []Descriptor
	for _, code := range c.order {
		d := c.byCode[code]
		if region != "" && strings.ToLower(d.Region) != region {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(d.Code), search) &&
			!strings.Contains(strings.ToLower(d.Name), search) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Regions returns the sorted distinct region names in the catalog.
func (c *Catalog) Regions() []string {
	seen := make(map[string]struct{})
	for _, d := range c.byCode {
		seen[d.Region] = struct{}{}
	}
	regions := make([]string, 0, len(seen))
	for region := range seen {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
