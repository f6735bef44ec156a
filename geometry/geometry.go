// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package geometry reduces routed polylines according to a job's
// geometry policy: keep the line, simplify it, collapse it to the
// straight segment between its endpoints, or drop it entirely.
package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/diffeo/osrm-batch-routing/routing"
)

// Transform applies one job's geometry policy to one routed line.
// The input line is never mutated; policies that change the line
// return a fresh slice.  Precedence: no geometry at all, then
// straight-line, then simplification, then identity.  A simplify
// tolerance of zero is the identity.
func Transform(line orb.LineString, policy routing.GeometryPolicy) orb.LineString {
	if !policy.ExportGeometry {
		return nil
	}
	if policy.StraightLine {
		return straightLine(line)
	}
	if policy.Simplify && policy.SimplifyTolerance > 0 {
		return douglasPeucker(line, policy.SimplifyTolerance)
	}
	return line
}

// straightLine reduces a line to its first and last vertex.  Lines
// with fewer than two points pass through unchanged.
func straightLine(line orb.LineString) orb.LineString {
	if len(line) < 2 {
		return line
	}
	return orb.LineString{line[0], line[len(line)-1]}
}

// douglasPeucker runs the recursive Douglas-Peucker reduction with a
// perpendicular-distance threshold in degree units.  The first and
// last vertex are always preserved; when no interior vertex deviates
// more than the tolerance the whole line collapses to its endpoints.
// Lines with fewer than three vertices are returned unchanged.
func douglasPeucker(line orb.LineString, tolerance float64) orb.LineString {
	if len(line) < 3 {
		return line
	}

	keep := make([]bool, len(line))
	keep[0] = true
	keep[len(line)-1] = true
	dpMark(line, 0, len(line)-1, tolerance, keep)

	out := make(orb.LineString, 0, len(line))
	for i, k := range keep {
		if k {
			out = append(out, line[i])
		}
	}
	return out
}

// dpMark marks the vertices to keep between first and last.  The
// segment is split at the vertex farthest from the chord when that
// distance exceeds the tolerance.
func dpMark(line orb.LineString, first, last int, tolerance float64, keep []bool) {
	if last-first < 2 {
		return
	}

	maxDist := 0.0
	maxIndex := first
	for i := first + 1; i < last; i++ {
		d := planar.DistanceFromSegment(line[first], line[last], line[i])
		if d > maxDist {
			maxDist = d
			maxIndex = i
		}
	}

	if maxDist <= tolerance {
		return
	}
	keep[maxIndex] = true
	dpMark(line, first, maxIndex, tolerance, keep)
	dpMark(line, maxIndex, last, tolerance, keep)
}
