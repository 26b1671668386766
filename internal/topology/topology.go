// Package topology bridges the pure-Go geometry model to GEOS for the
// operations that need a full topology engine: validity repair, metric
// buffering, and coverage-aware simplification. Geometries cross the bridge
// as WKB. Every go-geos call stays inside this package; the rest of the
// module only sees simplefeatures values.
package topology

import (
	"fmt"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/twpayne/go-geos"
)

// bufferQuadSegs is the number of segments per quarter circle used when
// approximating curved buffer boundaries.
const bufferQuadSegs = 8

// MakeValid repairs an invalid geometry with the GEOS make-valid algorithm.
// The repair is deterministic and idempotent but may change the concrete
// type: a self-intersecting polygon typically repairs into a multi-polygon.
func MakeValid(g geom.Geometry) (geom.Geometry, error) {
	gg, err := toGEOS(g)
	if err != nil {
		return geom.Geometry{}, err
	}
	defer gg.Destroy()

	var repaired *geos.Geom
	if err := safely("make valid", func() { repaired = gg.MakeValid() }); err != nil {
		return geom.Geometry{}, err
	}
	defer repaired.Destroy()
	return fromGEOS(repaired)
}

// Buffer offsets a geometry by width in the units of its coordinate system.
// Negative widths shrink polygonal geometries.
func Buffer(g geom.Geometry, width float64) (geom.Geometry, error) {
	gg, err := toGEOS(g)
	if err != nil {
		return geom.Geometry{}, err
	}
	defer gg.Destroy()

	var buffered *geos.Geom
	if err := safely("buffer", func() { buffered = gg.Buffer(width, bufferQuadSegs) }); err != nil {
		return geom.Geometry{}, err
	}
	defer buffered.Destroy()
	return fromGEOS(buffered)
}

// CoverageSimplify simplifies a set of geometries as one polygonal coverage:
// shared edges between adjacent polygons are simplified identically so the
// outputs stay coincident, introducing no new gaps or overlaps. Output order
// matches input order. Inputs that do not form a clean coverage still
// simplify deterministically, without the coincidence guarantee.
func CoverageSimplify(gs []geom.Geometry, tolerance float64) ([]geom.Geometry, error) {
	if len(gs) == 0 {
		return nil, nil
	}
	parts := make([]*geos.Geom, len(gs))
	for i, g := range gs {
		gg, err := toGEOS(g)
		if err != nil {
			return nil, err
		}
		parts[i] = gg
	}

	// NewCollection takes ownership of parts.
	var coll *geos.Geom
	if err := safely("collect coverage", func() {
		coll = geos.NewCollection(geos.TypeIDGeometryCollection, parts)
	}); err != nil {
		return nil, err
	}
	defer coll.Destroy()

	var simplified *geos.Geom
	if err := safely("coverage simplify", func() {
		simplified = coll.CoverageSimplifyVW(tolerance, false)
	}); err != nil {
		return nil, err
	}
	defer simplified.Destroy()

	n := simplified.NumGeometries()
	if n != len(gs) {
		return nil, fmt.Errorf("coverage simplify returned %d geometries for %d inputs", n, len(gs))
	}
	out := make([]geom.Geometry, n)
	for i := 0; i < n; i++ {
		part, err := fromGEOS(simplified.Geometry(i))
		if err != nil {
			return nil, err
		}
		out[i] = part
	}
	return out, nil
}

func toGEOS(g geom.Geometry) (*geos.Geom, error) {
	gg, err := geos.NewGeomFromWKB(g.AsBinary())
	if err != nil {
		return nil, fmt.Errorf("geometry to geos: %w", err)
	}
	return gg, nil
}

func fromGEOS(gg *geos.Geom) (geom.Geometry, error) {
	g, err := geom.UnmarshalWKB(gg.ToWKB(), geom.NoValidate{})
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("geometry from geos: %w", err)
	}
	return g, nil
}

// safely converts go-geos panics (its error reporting mechanism) into errors.
func safely(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", op, r)
		}
	}()
	fn()
	return nil
}
