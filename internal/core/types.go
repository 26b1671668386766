package core

import (
	"geocore/internal/geometry"
	"geocore/pkg/domain"
)

// SimplifyAlgorithm selects the vertex-reduction strategy for Simplify.
type SimplifyAlgorithm string

// Simplification strategies.
const (
	// SimplifyPlanar runs Ramer-Douglas-Peucker independently per geometry.
	// Shared boundaries between adjacent polygons may drift apart.
	SimplifyPlanar SimplifyAlgorithm = "planar"
	// SimplifyCoverage simplifies the polygonal features of the selection as
	// one coverage, keeping shared boundaries aligned. Non-polygonal
	// features in the selection fall back to planar simplification.
	SimplifyCoverage SimplifyAlgorithm = "coverage"
)

// Valid reports whether a is a recognized algorithm name.
func (a SimplifyAlgorithm) Valid() bool {
	return a == SimplifyPlanar || a == SimplifyCoverage
}

// JoinPredicate names the spatial test applied between feature pairs during
// a spatial join.
type JoinPredicate string

// Join predicates.
const (
	PredicateIntersects JoinPredicate = "intersects"
	PredicateWithin     JoinPredicate = "within"
	PredicateContains   JoinPredicate = "contains"
)

// Valid reports whether p is a recognized predicate name.
func (p JoinPredicate) Valid() bool {
	switch p {
	case PredicateIntersects, PredicateWithin, PredicateContains:
		return true
	}
	return false
}

// JoinHow selects which unmatched rows survive a spatial join.
type JoinHow string

// Join modes.
const (
	// JoinInner keeps only matched pairs.
	JoinInner JoinHow = "inner"
	// JoinLeft additionally keeps unmatched left features without
	// right-hand attributes.
	JoinLeft JoinHow = "left"
)

// Valid reports whether h is a recognized join mode.
func (h JoinHow) Valid() bool {
	return h == JoinInner || h == JoinLeft
}

// AnalysisOutput couples the rows a persisting operation derived with the
// catalog id assigned to the last row of the appended batch. ResultID is
// zero when the operation produced no rows and therefore persisted nothing.
type AnalysisOutput struct {
	ResultID int64
	Results  []domain.AnalysisResult
}

// Collection renders the derived rows as a GeoJSON feature collection.
func (o AnalysisOutput) Collection() domain.FeatureCollection {
	return domain.NewResultCollection(o.Results)
}

// NearestResult reports the closest stored feature to a query geometry
// together with the separating ground distance.
type NearestResult struct {
	Feature        domain.Feature
	DistanceMeters float64
}

// FeatureStatistics summarizes one feature. Area and length are measured in
// the metric CRS with a latitude correction; centroid and bounding box stay
// in the canonical geographic CRS.
type FeatureStatistics struct {
	FeatureID    int64         `json:"feature_id"`
	GeometryType string        `json:"geometry_type"`
	AreaSqMeters float64       `json:"area_sq_meters"`
	LengthMeters float64       `json:"length_meters"`
	CentroidX    float64       `json:"centroid_x"`
	CentroidY    float64       `json:"centroid_y"`
	BBox         geometry.BBox `json:"bbox"`
}

// ResultQuery narrows catalog listings. Nil fields match every row.
type ResultQuery struct {
	ResultID  *int64                `json:"result_id,omitempty"`
	Operation *domain.OperationType `json:"operation,omitempty"`
}
