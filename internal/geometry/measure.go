package geometry

import (
	"fmt"

	"github.com/peterstace/simplefeatures/geom"
)

// BBox is an axis-aligned bounding box in the geometry's coordinate system.
type BBox struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// BoundingBox computes the bounding box over every control point of g. The
// second return is false for empty geometries.
func BoundingBox(g geom.Geometry) (BBox, bool) {
	var b BBox
	found := false
	EachVertex(g, func(xy geom.XY) {
		if !found {
			b = BBox{MinX: xy.X, MinY: xy.Y, MaxX: xy.X, MaxY: xy.Y}
			found = true
			return
		}
		if xy.X < b.MinX {
			b.MinX = xy.X
		}
		if xy.X > b.MaxX {
			b.MaxX = xy.X
		}
		if xy.Y < b.MinY {
			b.MinY = xy.Y
		}
		if xy.Y > b.MaxY {
			b.MaxY = xy.Y
		}
	})
	return b, found
}

// EachVertex visits every control point of g in storage order.
func EachVertex(g geom.Geometry, fn func(geom.XY)) {
	switch g.Type() {
	case geom.TypePoint:
		if xy, ok := g.MustAsPoint().XY(); ok {
			fn(xy)
		}
	case geom.TypeLineString:
		eachSequenceVertex(g.MustAsLineString().Coordinates(), fn)
	case geom.TypePolygon:
		eachPolygonVertex(g.MustAsPolygon(), fn)
	case geom.TypeMultiPoint:
		mp := g.MustAsMultiPoint()
		for i := 0; i < mp.NumPoints(); i++ {
			if xy, ok := mp.PointN(i).XY(); ok {
				fn(xy)
			}
		}
	case geom.TypeMultiLineString:
		mls := g.MustAsMultiLineString()
		for i := 0; i < mls.NumLineStrings(); i++ {
			eachSequenceVertex(mls.LineStringN(i).Coordinates(), fn)
		}
	case geom.TypeMultiPolygon:
		mp := g.MustAsMultiPolygon()
		for i := 0; i < mp.NumPolygons(); i++ {
			eachPolygonVertex(mp.PolygonN(i), fn)
		}
	case geom.TypeGeometryCollection:
		gc := g.MustAsGeometryCollection()
		for i := 0; i < gc.NumGeometries(); i++ {
			EachVertex(gc.GeometryN(i), fn)
		}
	}
}

func eachPolygonVertex(p geom.Polygon, fn func(geom.XY)) {
	eachSequenceVertex(p.ExteriorRing().Coordinates(), fn)
	for r := 0; r < p.NumInteriorRings(); r++ {
		eachSequenceVertex(p.InteriorRingN(r).Coordinates(), fn)
	}
}

func eachSequenceVertex(seq geom.Sequence, fn func(geom.XY)) {
	for i := 0; i < seq.Length(); i++ {
		fn(seq.GetXY(i))
	}
}

// LinearLength returns the perimeter of areal geometries and the length of
// linear ones; points contribute zero.
func LinearLength(g geom.Geometry) float64 {
	switch g.Type() {
	case geom.TypePolygon, geom.TypeMultiPolygon:
		return g.Boundary().Length()
	default:
		return g.Length()
	}
}

// Distance returns the minimum planar distance between two geometries. The
// second return is false when either geometry is empty.
func Distance(a, b geom.Geometry) (float64, bool) {
	return geom.Distance(a, b)
}

// SimplifyPlanar reduces vertex count with Ramer-Douglas-Peucker, treating
// the geometry in isolation. Adjacent geometries simplified this way may
// lose shared-edge coincidence; coverage-aware simplification lives in the
// topology package. A zero threshold is an identity.
func SimplifyPlanar(g geom.Geometry, threshold float64) (geom.Geometry, error) {
	if threshold == 0 {
		return g, nil
	}
	out, err := g.Simplify(threshold)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("simplify: %w", err)
	}
	return out, nil
}
