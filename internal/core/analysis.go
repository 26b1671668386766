package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/peterstace/simplefeatures/geom"

	"geocore/internal/crs"
	"geocore/internal/geometry"
	"geocore/internal/topology"
	"geocore/pkg/domain"
)

// Buffer offsets the selected features by a ground distance in meters and
// appends one catalog row per feature. With featureID nil the whole working
// set is buffered; a given but absent id fails with NotFoundError. A zero
// distance returns each geometry unchanged.
func (s *Service) Buffer(ctx context.Context, distanceMeters float64, featureID *int64) (AnalysisOutput, error) {
	var out AnalysisOutput
	err := s.observe(ctx, opBuffer, func(ctx context.Context) error {
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		selection, err := selectOne(features, featureID)
		if err != nil {
			return err
		}
		sourceIDs := featureIDsOf(selection)
		params := map[string]any{"distance_meters": distanceMeters}
		if featureID != nil {
			params["feature_id"] = *featureID
		}
		rows := make([]domain.AnalysisResult, 0, len(selection))
		for _, f := range selection {
			buffered, err := bufferMeters(f.Geometry, distanceMeters)
			if err != nil {
				return err
			}
			rows = append(rows, domain.AnalysisResult{
				Operation:        domain.OperationBuffer,
				SourceFeatureIDs: sourceIDs,
				Parameters:       domain.CloneProperties(params),
				Geometry:         buffered,
				Properties:       domain.CloneProperties(f.Properties),
			})
		}
		out, err = s.appendBatch(ctx, rows)
		return err
	})
	s.recordAudit(ctx, opBuffer, domain.EntityAnalysisResult, out.ResultID, err)
	return out, err
}

// bufferMeters buffers a geographic geometry by a ground distance. The
// geometry is projected to Web Mercator and buffered with the distance
// scaled by the latitude correction of its centroid, then projected back.
func bufferMeters(g geom.Geometry, distanceMeters float64) (geom.Geometry, error) {
	if distanceMeters == 0 {
		return g, nil
	}
	scale := crs.MetricScale(g)
	merc, err := crs.ToWebMercator(g)
	if err != nil {
		return geom.Geometry{}, err
	}
	buffered, err := topology.Buffer(merc, distanceMeters/scale)
	if err != nil {
		return geom.Geometry{}, err
	}
	return crs.ToGeographic(buffered)
}

// Intersect returns the features whose geometry intersects the input.
// Read-only; an empty answer is not an error.
func (s *Service) Intersect(ctx context.Context, input geometry.GeometryInput) ([]domain.Feature, error) {
	var out []domain.Feature
	err := s.observe(ctx, opIntersect, func(ctx context.Context) error {
		g, _, err := geometry.Parse(input, false)
		if err != nil {
			return err
		}
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		for _, f := range features {
			if geom.Intersects(f.Geometry, g) {
				out = append(out, f.Clone())
			}
		}
		return nil
	})
	return out, err
}

// Clip intersects every feature with the mask and appends one catalog row
// per non-empty intersection. Features the mask misses entirely produce no
// row, but every considered id stays in SourceFeatureIDs.
func (s *Service) Clip(ctx context.Context, mask geometry.GeometryInput) (AnalysisOutput, error) {
	var out AnalysisOutput
	err := s.observe(ctx, opClip, func(ctx context.Context) error {
		maskG, _, err := geometry.Parse(mask, false)
		if err != nil {
			return err
		}
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		sourceIDs := featureIDsOf(features)
		params := map[string]any{"mask_type": maskG.Type().String()}
		var rows []domain.AnalysisResult
		for _, f := range features {
			clipped, err := geom.Intersection(f.Geometry, maskG)
			if err != nil {
				return err
			}
			if clipped.IsEmpty() {
				continue
			}
			rows = append(rows, domain.AnalysisResult{
				Operation:        domain.OperationClip,
				SourceFeatureIDs: sourceIDs,
				Parameters:       domain.CloneProperties(params),
				Geometry:         clipped,
				Properties:       domain.CloneProperties(f.Properties),
			})
		}
		out, err = s.appendBatch(ctx, rows)
		return err
	})
	s.recordAudit(ctx, opClip, domain.EntityAnalysisResult, out.ResultID, err)
	return out, err
}

// Union folds the selection into one geometry. The second return is false
// when the selection is empty. Unknown ids in the selection are ignored.
// Read-only.
func (s *Service) Union(ctx context.Context, featureIDs []int64) (geom.Geometry, bool, error) {
	var (
		united geom.Geometry
		found  bool
	)
	err := s.observe(ctx, opUnion, func(ctx context.Context) error {
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		selection := filterByIDs(features, featureIDs)
		if len(selection) == 0 {
			return nil
		}
		u := selection[0].Geometry
		for _, f := range selection[1:] {
			u, err = geom.Union(u, f.Geometry)
			if err != nil {
				return err
			}
		}
		united, found = u, true
		return nil
	})
	return united, found, err
}

// Simplify reduces vertex counts bounded by tolerance and appends one
// catalog row per feature in the selection. The coverage algorithm
// simplifies polygonal features together so shared edges stay coincident;
// everything else falls back to per-geometry planar simplification. A zero
// tolerance is an identity.
func (s *Service) Simplify(ctx context.Context, tolerance float64, algorithm SimplifyAlgorithm, featureIDs []int64, description string) (AnalysisOutput, error) {
	var out AnalysisOutput
	err := s.observe(ctx, opSimplify, func(ctx context.Context) error {
		if tolerance < 0 {
			return domain.ParameterError{Name: "tolerance", Reason: "must not be negative"}
		}
		if algorithm == "" {
			algorithm = SimplifyPlanar
		}
		if !algorithm.Valid() {
			return domain.ParameterError{Name: "algorithm", Reason: "unknown algorithm " + string(algorithm)}
		}
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		selection := filterByIDs(features, featureIDs)
		simplified, err := simplifySelection(selection, tolerance, algorithm)
		if err != nil {
			return err
		}
		sourceIDs := featureIDsOf(selection)
		params := map[string]any{"tolerance": tolerance, "algorithm": string(algorithm)}
		if len(featureIDs) > 0 {
			params["feature_ids"] = append([]int64(nil), featureIDs...)
		}
		rows := make([]domain.AnalysisResult, 0, len(selection))
		for i, f := range selection {
			rows = append(rows, domain.AnalysisResult{
				Operation:        domain.OperationSimplify,
				SourceFeatureIDs: sourceIDs,
				Parameters:       domain.CloneProperties(params),
				Description:      description,
				Geometry:         simplified[i],
				Properties:       domain.CloneProperties(f.Properties),
			})
		}
		out, err = s.appendBatch(ctx, rows)
		return err
	})
	s.recordAudit(ctx, opSimplify, domain.EntityAnalysisResult, out.ResultID, err)
	return out, err
}

func simplifySelection(selection []domain.Feature, tolerance float64, algorithm SimplifyAlgorithm) ([]geom.Geometry, error) {
	out := make([]geom.Geometry, len(selection))
	if tolerance == 0 {
		for i, f := range selection {
			out[i] = f.Geometry
		}
		return out, nil
	}

	done := make([]bool, len(selection))
	if algorithm == SimplifyCoverage {
		var idx []int
		var polys []geom.Geometry
		for i, f := range selection {
			switch f.Geometry.Type() {
			case geom.TypePolygon, geom.TypeMultiPolygon:
				idx = append(idx, i)
				polys = append(polys, f.Geometry)
			}
		}
		if len(polys) > 0 {
			coverage, err := topology.CoverageSimplify(polys, tolerance)
			if err != nil {
				return nil, err
			}
			for j, i := range idx {
				out[i] = coverage[j]
				done[i] = true
			}
		}
	}
	for i, f := range selection {
		if done[i] {
			continue
		}
		g, err := geometry.SimplifyPlanar(f.Geometry, tolerance)
		if err != nil {
			return nil, err
		}
		out[i] = g
	}
	return out, nil
}

// Dissolve groups the selection by an attribute value and unions each group
// into one catalog row. The attribute is looked up first at the top level of
// the property mapping, then one level inside a "properties" sub-mapping.
// Features lacking the attribute are skipped but remain in SourceFeatureIDs.
// Row properties carry the first group member's mapping with the grouping
// attribute set to the group value.
func (s *Service) Dissolve(ctx context.Context, byAttribute string, featureIDs []int64, description string) (AnalysisOutput, error) {
	var out AnalysisOutput
	err := s.observe(ctx, opDissolve, func(ctx context.Context) error {
		if strings.TrimSpace(byAttribute) == "" {
			return domain.ParameterError{Name: "by_attribute", Reason: "required"}
		}
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		selection := filterByIDs(features, featureIDs)
		sourceIDs := featureIDsOf(selection)

		type group struct {
			value   any
			members []domain.Feature
		}
		var order []string
		groups := make(map[string]*group)
		for _, f := range selection {
			v, ok := attributeValue(f.Properties, byAttribute)
			if !ok {
				continue
			}
			key := groupKey(v)
			grp, exists := groups[key]
			if !exists {
				grp = &group{value: v}
				groups[key] = grp
				order = append(order, key)
			}
			grp.members = append(grp.members, f)
		}

		params := map[string]any{"by_attribute": byAttribute}
		if len(featureIDs) > 0 {
			params["feature_ids"] = append([]int64(nil), featureIDs...)
		}
		rows := make([]domain.AnalysisResult, 0, len(order))
		for _, key := range order {
			grp := groups[key]
			u := grp.members[0].Geometry
			for _, m := range grp.members[1:] {
				u, err = geom.Union(u, m.Geometry)
				if err != nil {
					return err
				}
			}
			props := domain.CloneProperties(grp.members[0].Properties)
			if props == nil {
				props = map[string]any{}
			}
			props[byAttribute] = grp.value
			rows = append(rows, domain.AnalysisResult{
				Operation:        domain.OperationDissolve,
				SourceFeatureIDs: sourceIDs,
				Parameters:       domain.CloneProperties(params),
				Description:      description,
				Geometry:         u,
				Properties:       props,
			})
		}
		out, err = s.appendBatch(ctx, rows)
		return err
	})
	s.recordAudit(ctx, opDissolve, domain.EntityAnalysisResult, out.ResultID, err)
	return out, err
}

// attributeValue resolves a grouping attribute, trying the top-level mapping
// first and then one level inside a "properties" sub-mapping.
func attributeValue(props map[string]any, name string) (any, bool) {
	if v, ok := props[name]; ok {
		return v, true
	}
	if sub, ok := props["properties"].(map[string]any); ok {
		if v, ok := sub[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// groupKey folds a JSON attribute value into a comparable key. The type tag
// keeps 1 and "1" in distinct groups.
func groupKey(v any) string {
	return fmt.Sprintf("%T:%v", v, v)
}

// SpatialJoin relates the live collection to an external one. Each matched
// pair yields one row carrying the left feature's id and geometry, the left
// properties, the right properties under "_right"-suffixed keys, and the
// positional index of the right feature under "index_right". Left join
// additionally keeps unmatched left features bare. Read-only.
func (s *Service) SpatialJoin(ctx context.Context, other domain.FeatureCollection, how JoinHow, predicate JoinPredicate) ([]domain.Feature, error) {
	var out []domain.Feature
	err := s.observe(ctx, opSpatialJoin, func(ctx context.Context) error {
		if how == "" {
			how = JoinInner
		}
		if !how.Valid() {
			return domain.ParameterError{Name: "how", Reason: "unknown join mode " + string(how)}
		}
		if predicate == "" {
			predicate = PredicateIntersects
		}
		if !predicate.Valid() {
			return domain.ParameterError{Name: "predicate", Reason: "unknown predicate " + string(predicate)}
		}
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		if len(features) == 0 || other.Len() == 0 {
			return nil
		}
		for _, left := range features {
			matched := false
			for j, right := range other.Features {
				ok, err := matchPredicate(predicate, left.Geometry, right.Geometry)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				matched = true
				out = append(out, joinRow(left, right, j))
			}
			if !matched && how == JoinLeft {
				out = append(out, left.Clone())
			}
		}
		return nil
	})
	return out, err
}

func matchPredicate(p JoinPredicate, left, right geom.Geometry) (bool, error) {
	switch p {
	case PredicateWithin:
		return geom.Within(left, right)
	case PredicateContains:
		return geom.Contains(left, right)
	default:
		return geom.Intersects(left, right), nil
	}
}

func joinRow(left domain.Feature, right geom.GeoJSONFeature, rightIndex int) domain.Feature {
	row := left.Clone()
	if row.Properties == nil {
		row.Properties = map[string]any{}
	}
	for k, v := range domain.CloneProperties(right.Properties) {
		row.Properties[k+"_right"] = v
	}
	row.Properties["index_right"] = rightIndex
	return row
}

// NearestNeighbor returns the stored feature closest to the query geometry,
// with the separation measured in the projected metric CRS and corrected
// back to ground meters. Ties resolve to the lowest feature id. Returns nil
// on an empty store. Read-only.
func (s *Service) NearestNeighbor(ctx context.Context, input geometry.GeometryInput) (*NearestResult, error) {
	var out *NearestResult
	err := s.observe(ctx, opNearestNeighbor, func(ctx context.Context) error {
		q, _, err := geometry.Parse(input, false)
		if err != nil {
			return err
		}
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		if len(features) == 0 {
			return nil
		}
		qMerc, err := crs.ToWebMercator(q)
		if err != nil {
			return err
		}
		scale := crs.MetricScale(q)
		best := -1
		var bestDist float64
		for i, f := range features {
			fMerc, err := crs.ToWebMercator(f.Geometry)
			if err != nil {
				return err
			}
			d, ok := geometry.Distance(qMerc, fMerc)
			if !ok {
				continue
			}
			if best < 0 || d < bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 {
			return nil
		}
		out = &NearestResult{Feature: features[best].Clone(), DistanceMeters: bestDist * scale}
		return nil
	})
	return out, err
}

// SummaryStatistics reports metric area and length plus canonical-CRS
// centroid and bounding box for the selection. With featureID nil the whole
// working set is summarized; a given but absent id fails with
// NotFoundError. Read-only.
func (s *Service) SummaryStatistics(ctx context.Context, featureID *int64) ([]FeatureStatistics, error) {
	var out []FeatureStatistics
	err := s.observe(ctx, opSummaryStatistics, func(ctx context.Context) error {
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		selection, err := selectOne(features, featureID)
		if err != nil {
			return err
		}
		out = make([]FeatureStatistics, 0, len(selection))
		for _, f := range selection {
			st, err := summarize(f)
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

func summarize(f domain.Feature) (FeatureStatistics, error) {
	merc, err := crs.ToWebMercator(f.Geometry)
	if err != nil {
		return FeatureStatistics{}, err
	}
	scale := crs.MetricScale(f.Geometry)
	st := FeatureStatistics{
		FeatureID:    f.ID,
		GeometryType: f.Geometry.Type().String(),
		AreaSqMeters: merc.Area() * scale * scale,
		LengthMeters: geometry.LinearLength(merc) * scale,
	}
	if xy, ok := f.Geometry.Centroid().XY(); ok {
		st.CentroidX, st.CentroidY = xy.X, xy.Y
	}
	if bb, ok := geometry.BoundingBox(f.Geometry); ok {
		st.BBox = bb
	}
	return st, nil
}

// selectOne narrows the working set to a single feature when id is non-nil,
// failing with NotFoundError when the id has no row.
func selectOne(features []domain.Feature, id *int64) ([]domain.Feature, error) {
	if id == nil {
		return features, nil
	}
	for _, f := range features {
		if f.ID == *id {
			return []domain.Feature{f}, nil
		}
	}
	return nil, domain.NotFoundError{Entity: domain.EntityFeature, ID: *id}
}

// filterByIDs narrows the working set to the requested ids, preserving
// working-set order. Unknown ids are ignored; an empty request selects
// everything.
func filterByIDs(features []domain.Feature, ids []int64) []domain.Feature {
	if len(ids) == 0 {
		return features
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]domain.Feature, 0, len(ids))
	for _, f := range features {
		if _, ok := want[f.ID]; ok {
			out = append(out, f)
		}
	}
	return out
}

func featureIDsOf(features []domain.Feature) []int64 {
	ids := make([]int64, 0, len(features))
	for _, f := range features {
		ids = append(ids, f.ID)
	}
	return ids
}
