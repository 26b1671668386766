// Package crs handles coordinate reference system identifiers and the two
// transforms the engine needs: the canonical geographic CRS (EPSG:4326) and
// the Web Mercator projection (EPSG:3857) used for metric computation.
//
// Metric strategy: Web Mercator preserves angles but stretches lengths by
// 1/cos(latitude). Lengths computed in Mercator are therefore corrected by
// cos(lat) of the geometry's centroid, areas by cos²(lat), and buffer widths
// are scaled by 1/cos(lat) before buffering. The correction is exact at the
// centroid latitude and degrades with a geometry's north-south extent; for
// extents under about one degree of latitude the error stays below 1%, which
// suits local-scale analysis. This replaces the fixed degree-per-meter
// constant and the single hardcoded UTM zone of earlier iterations, both of
// which were only accurate near one place on the globe.
package crs

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/peterstace/simplefeatures/geom"

	"geocore/pkg/domain"
)

const (
	// CanonicalSRID is the storage CRS for every persisted geometry.
	CanonicalSRID = 4326
	// WebMercatorSRID is the projected CRS used for metric computation.
	WebMercatorSRID = 3857
)

// minMetricScale bounds the cos(lat) correction away from zero so polar
// geometries degrade instead of dividing by zero.
const minMetricScale = 1e-6

// Parse resolves a CRS identifier string ("EPSG:4326", "epsg:3857", or a
// bare numeric code) to its SRID.
func Parse(identifier string) (int, error) {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return CanonicalSRID, nil
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		if !strings.EqualFold(s[:i], "epsg") {
			return 0, domain.ParameterError{Name: "crs", Reason: fmt.Sprintf("unsupported authority in %q", identifier)}
		}
		s = s[i+1:]
	}
	srid, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.ParameterError{Name: "crs", Reason: fmt.Sprintf("malformed identifier %q", identifier)}
	}
	return srid, nil
}

// IsSupported reports whether the engine can transform to and from srid.
func IsSupported(srid int) bool {
	return srid == CanonicalSRID || srid == WebMercatorSRID
}

// Transform converts a geometry between supported reference systems. Equal
// source and target is an identity.
func Transform(g geom.Geometry, fromSRID, toSRID int) (geom.Geometry, error) {
	if fromSRID == toSRID {
		return g, nil
	}
	switch {
	case fromSRID == CanonicalSRID && toSRID == WebMercatorSRID:
		return ToWebMercator(g)
	case fromSRID == WebMercatorSRID && toSRID == CanonicalSRID:
		return ToGeographic(g)
	default:
		return geom.Geometry{}, domain.ParameterError{
			Name:   "crs",
			Reason: fmt.Sprintf("unsupported transform EPSG:%d to EPSG:%d", fromSRID, toSRID),
		}
	}
}

// ToWebMercator projects a geographic geometry into EPSG:3857.
func ToWebMercator(g geom.Geometry) (geom.Geometry, error) {
	return transform(g, func(xy geom.XY) geom.XY {
		p := project.WGS84.ToMercator(orb.Point{xy.X, xy.Y})
		return geom.XY{X: p[0], Y: p[1]}
	})
}

// ToGeographic unprojects an EPSG:3857 geometry back to EPSG:4326.
func ToGeographic(g geom.Geometry) (geom.Geometry, error) {
	return transform(g, func(xy geom.XY) geom.XY {
		p := project.Mercator.ToWGS84(orb.Point{xy.X, xy.Y})
		return geom.XY{X: p[0], Y: p[1]}
	})
}

func transform(g geom.Geometry, fn func(geom.XY) geom.XY) (geom.Geometry, error) {
	return g.TransformXY(fn), nil
}

// MetricScale returns the cos(lat) correction factor for a geographic
// geometry, anchored at its centroid. Multiplying a Mercator length by this
// factor yields meters; dividing a meter distance by it yields the Mercator
// width to buffer with.
func MetricScale(g geom.Geometry) float64 {
	xy, ok := g.Centroid().XY()
	if !ok {
		return 1
	}
	return ScaleAtLatitude(xy.Y)
}

// ScaleAtLatitude returns the cos(lat) Mercator correction at a latitude in
// degrees, bounded away from zero near the poles.
func ScaleAtLatitude(lat float64) float64 {
	s := math.Cos(lat * math.Pi / 180)
	if s < minMetricScale {
		return minMetricScale
	}
	return s
}
