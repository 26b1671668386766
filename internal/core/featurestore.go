package core

import (
	"context"
	"encoding/json"
	"sync"

	"geocore/internal/crs"
	"geocore/internal/geometry"
	"geocore/pkg/domain"
)

// FeatureStore maintains the live working set on top of a persistence
// backend. Every operation reloads the working set from the backend first,
// so the store never trusts a cached snapshot across calls. Mutations are
// serialized behind a mutex, which makes the max-plus-one id assignment safe
// under concurrent adds.
type FeatureStore struct {
	backend domain.Backend

	mu sync.Mutex
}

// NewFeatureStore wraps a backend.
func NewFeatureStore(backend domain.Backend) *FeatureStore {
	return &FeatureStore{backend: backend}
}

// Features loads and decodes the full working set, ordered by feature id.
func (s *FeatureStore) Features(ctx context.Context) ([]domain.Feature, error) {
	rows, err := s.backend.LoadFeatures(ctx)
	if err != nil {
		return nil, err
	}
	features := make([]domain.Feature, 0, len(rows))
	for _, row := range rows {
		f, err := decodeStoredFeature(row)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

// Get returns one feature by id.
func (s *FeatureStore) Get(ctx context.Context, id int64) (domain.Feature, error) {
	features, err := s.Features(ctx)
	if err != nil {
		return domain.Feature{}, err
	}
	for _, f := range features {
		if f.ID == id {
			return f, nil
		}
	}
	return domain.Feature{}, domain.NotFoundError{Entity: domain.EntityFeature, ID: id}
}

// Add validates the supplied geometry, assigns the next id (highest live id
// plus one, starting at 1), and persists the grown working set in one
// replace. With fixTopology set, an invalid geometry is repaired instead of
// rejected and the Repair outcome records what happened.
func (s *FeatureStore) Add(ctx context.Context, input geometry.GeometryInput, props map[string]any, fixTopology bool) (domain.Feature, geometry.Repair, error) {
	g, rep, err := geometry.Parse(input, fixTopology)
	if err != nil {
		return domain.Feature{}, rep, err
	}
	if err := geometry.ValidateTypeOf(rep.OriginalType, geometry.DefaultAllowedTypes...); err != nil {
		return domain.Feature{}, rep, err
	}
	if props == nil {
		props = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	features, err := s.Features(ctx)
	if err != nil {
		return domain.Feature{}, rep, err
	}
	var maxID int64
	for _, f := range features {
		if f.ID > maxID {
			maxID = f.ID
		}
	}
	feature := domain.Feature{
		ID:         maxID + 1,
		Properties: domain.CloneProperties(props),
		Geometry:   g,
	}
	features = append(features, feature)
	if err := s.persistAll(ctx, features); err != nil {
		return domain.Feature{}, rep, err
	}
	return feature.Clone(), rep, nil
}

// Update rewrites the geometry and/or properties of one feature. A nil
// geometry input keeps the stored geometry; a nil properties mapping keeps
// the stored properties, while a non-nil one replaces them wholesale. At
// least one of the two must be supplied. The Repair outcome is the zero
// value when no geometry was supplied.
func (s *FeatureStore) Update(ctx context.Context, id int64, input *geometry.GeometryInput, props map[string]any, fixTopology bool) (domain.Feature, geometry.Repair, error) {
	var rep geometry.Repair
	if input == nil && props == nil {
		return domain.Feature{}, rep, domain.ParameterError{Name: "update", Reason: "geometry or properties required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	features, err := s.Features(ctx)
	if err != nil {
		return domain.Feature{}, rep, err
	}
	idx := -1
	for i, f := range features {
		if f.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.Feature{}, rep, domain.NotFoundError{Entity: domain.EntityFeature, ID: id}
	}

	feature := features[idx]
	if input != nil {
		g, r, err := geometry.Parse(*input, fixTopology)
		if err != nil {
			return domain.Feature{}, r, err
		}
		if err := geometry.ValidateTypeOf(r.OriginalType, geometry.DefaultAllowedTypes...); err != nil {
			return domain.Feature{}, r, err
		}
		rep = r
		feature.Geometry = g
	}
	if props != nil {
		feature.Properties = domain.CloneProperties(props)
	}

	row, err := encodeFeature(feature)
	if err != nil {
		return domain.Feature{}, rep, err
	}
	if err := s.backend.UpdateFeature(ctx, row); err != nil {
		return domain.Feature{}, rep, err
	}
	return feature.Clone(), rep, nil
}

// Delete removes one feature and persists the shrunk working set, reporting
// whether the id existed. Deleting a missing id is not an error and writes
// nothing.
func (s *FeatureStore) Delete(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	features, err := s.Features(ctx)
	if err != nil {
		return false, err
	}
	remaining := make([]domain.Feature, 0, len(features))
	for _, f := range features {
		if f.ID != id {
			remaining = append(remaining, f)
		}
	}
	if len(remaining) == len(features) {
		return false, nil
	}
	if err := s.persistAll(ctx, remaining); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FeatureStore) persistAll(ctx context.Context, features []domain.Feature) error {
	rows := make([]domain.StoredFeature, 0, len(features))
	for _, f := range features {
		row, err := encodeFeature(f)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.backend.ReplaceFeatures(ctx, rows)
}

func encodeFeature(f domain.Feature) (domain.StoredFeature, error) {
	props := f.Properties
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return domain.StoredFeature{}, domain.ParameterError{Name: "properties", Reason: err.Error()}
	}
	return domain.StoredFeature{
		ID:         f.ID,
		Properties: raw,
		Geometry:   geometry.EncodeWKB(f.Geometry),
		SRID:       crs.CanonicalSRID,
	}, nil
}

func decodeStoredFeature(row domain.StoredFeature) (domain.Feature, error) {
	g, err := geometry.DecodeWKB(row.Geometry)
	if err != nil {
		return domain.Feature{}, domain.PersistenceError{Op: "decode feature geometry", Err: err}
	}
	if row.SRID != 0 && row.SRID != crs.CanonicalSRID {
		g, err = crs.Transform(g, row.SRID, crs.CanonicalSRID)
		if err != nil {
			return domain.Feature{}, err
		}
	}
	return domain.Feature{
		ID:         row.ID,
		Properties: decodeProperties(row.Properties),
		Geometry:   g,
	}, nil
}

// decodeProperties coerces a malformed or non-object payload to an empty
// mapping so one bad row cannot fail a whole load.
func decodeProperties(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil || props == nil {
		return map[string]any{}
	}
	return props
}
