// Package memory provides an in-memory persistence backend used for tests
// and ephemeral environments.
package memory

import (
	"context"
	"sort"
	"sync"

	"geocore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store satisfies the domain backend.
var _ domain.Backend = (*Store)(nil)

// Store holds feature and result rows in maps. Rows are cloned on every
// boundary crossing so callers can never alias backend state.
type Store struct {
	mu           sync.RWMutex
	features     map[int64]domain.StoredFeature
	results      map[int64]domain.StoredResult
	nextResultID int64
}

// NewStore constructs an empty in-memory backend.
func NewStore() *Store {
	return &Store{
		features: make(map[int64]domain.StoredFeature),
		results:  make(map[int64]domain.StoredResult),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneFeatureRow(row domain.StoredFeature) domain.StoredFeature {
	cp := row
	cp.Properties = cloneBytes(row.Properties)
	cp.Geometry = cloneBytes(row.Geometry)
	return cp
}

func cloneResultRow(row domain.StoredResult) domain.StoredResult {
	cp := row
	cp.SourceIDs = append([]int64(nil), row.SourceIDs...)
	cp.Parameters = cloneBytes(row.Parameters)
	cp.Geometry = cloneBytes(row.Geometry)
	cp.Properties = cloneBytes(row.Properties)
	return cp
}

// LoadFeatures returns all feature rows ordered by id.
func (s *Store) LoadFeatures(_ context.Context) ([]domain.StoredFeature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StoredFeature, 0, len(s.features))
	for _, row := range s.features {
		out = append(out, cloneFeatureRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReplaceFeatures swaps the entire features relation for the provided rows.
func (s *Store) ReplaceFeatures(_ context.Context, rows []domain.StoredFeature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[int64]domain.StoredFeature, len(rows))
	for _, row := range rows {
		next[row.ID] = cloneFeatureRow(row)
	}
	s.features = next
	return nil
}

// UpdateFeature rewrites a single feature row in place.
func (s *Store) UpdateFeature(_ context.Context, row domain.StoredFeature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[row.ID]; !ok {
		return domain.NotFoundError{Entity: domain.EntityFeature, ID: row.ID}
	}
	s.features[row.ID] = cloneFeatureRow(row)
	return nil
}

// AppendResults assigns sequential ids to the batch and stores every row.
func (s *Store) AppendResults(_ context.Context, rows []domain.StoredResult) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		s.nextResultID++
		cp := cloneResultRow(row)
		cp.ID = s.nextResultID
		s.results[cp.ID] = cp
		ids = append(ids, cp.ID)
	}
	return ids, nil
}

// ListResults returns catalog rows matching the filter, newest first.
func (s *Store) ListResults(_ context.Context, filter domain.ResultFilter) ([]domain.StoredResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StoredResult, 0, len(s.results))
	for _, row := range s.results {
		if filter.ResultID != nil && row.ID != *filter.ResultID {
			continue
		}
		if filter.Operation != nil && row.Operation != *filter.Operation {
			continue
		}
		out = append(out, cloneResultRow(row))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// DeleteResult removes one catalog row, reporting whether it existed.
func (s *Store) DeleteResult(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false, nil
	}
	delete(s.results, id)
	return true, nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }
