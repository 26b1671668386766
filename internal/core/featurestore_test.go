package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"geocore/internal/geometry"
	"geocore/internal/infra/persistence/memory"
	"geocore/pkg/domain"
)

const (
	squareA = "POLYGON((0 0,1 0,1 1,0 1,0 0))"
	squareB = "POLYGON((1 0,2 0,2 1,1 1,1 0))"
)

func newTestStore() *FeatureStore {
	return NewFeatureStore(memory.NewStore())
}

func mustAdd(t *testing.T, store *FeatureStore, wkt string, props map[string]any) domain.Feature {
	t.Helper()
	f, _, err := store.Add(context.Background(), geometry.FromWKT(wkt), props, false)
	if err != nil {
		t.Fatalf("add feature: %v", err)
	}
	return f
}

func TestAddAssignsSequentialIDs(t *testing.T) {
	store := newTestStore()
	first := mustAdd(t, store, squareA, map[string]any{"name": "a"})
	second := mustAdd(t, store, squareB, map[string]any{"name": "b"})
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
}

func TestAddReusesHighestAfterDelete(t *testing.T) {
	store := newTestStore()
	mustAdd(t, store, squareA, nil)
	second := mustAdd(t, store, squareB, nil)

	removed, err := store.Delete(context.Background(), second.ID)
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	// Highest live id is 1 again, so the next assignment is 2.
	third := mustAdd(t, store, squareB, nil)
	if third.ID != 2 {
		t.Fatalf("expected id 2 after deleting the max row, got %d", third.ID)
	}
}

func TestConcurrentAddsAssignUniqueIDs(t *testing.T) {
	store := newTestStore()
	const n = 10
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, _, err := store.Add(context.Background(), geometry.FromWKT("POINT(1 2)"), nil, false)
			if err != nil {
				t.Errorf("add: %v", err)
				return
			}
			ids[i] = f.ID
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("expected dense ids 1..%d, got %v", n, ids)
		}
	}
}

func TestDeleteScenario(t *testing.T) {
	store := newTestStore()
	mustAdd(t, store, squareA, nil)
	mustAdd(t, store, squareB, nil)

	removed, err := store.Delete(context.Background(), 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !removed {
		t.Fatal("expected first delete to report removal")
	}
	removed, err = store.Delete(context.Background(), 1)
	if err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if removed {
		t.Fatal("expected repeat delete to report nothing removed")
	}

	features, err := store.Features(context.Background())
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if len(features) != 1 || features[0].ID != 2 {
		t.Fatalf("expected only feature 2 to remain, got %+v", features)
	}
}

func TestUpdateGeometryAndProperties(t *testing.T) {
	store := newTestStore()
	f := mustAdd(t, store, squareA, map[string]any{"name": "a", "zone": "z1"})

	input := geometry.FromWKT("POINT(5 5)")
	updated, _, err := store.Update(context.Background(), f.ID, &input, nil, false)
	if err != nil {
		t.Fatalf("update geometry: %v", err)
	}
	if got := updated.Geometry.Type().String(); got != "Point" {
		t.Fatalf("expected Point geometry, got %s", got)
	}
	if updated.Properties["name"] != "a" {
		t.Fatalf("expected properties kept, got %+v", updated.Properties)
	}

	updated, _, err = store.Update(context.Background(), f.ID, nil, map[string]any{"name": "b"}, false)
	if err != nil {
		t.Fatalf("update properties: %v", err)
	}
	if updated.Properties["name"] != "b" {
		t.Fatalf("expected replaced properties, got %+v", updated.Properties)
	}
	if _, ok := updated.Properties["zone"]; ok {
		t.Fatal("expected property replacement to drop unmentioned keys")
	}
	if got := updated.Geometry.Type().String(); got != "Point" {
		t.Fatalf("expected geometry kept, got %s", got)
	}
}

func TestUpdateMissingLeavesStoreUntouched(t *testing.T) {
	store := newTestStore()
	f := mustAdd(t, store, squareA, map[string]any{"name": "a"})

	_, _, err := store.Update(context.Background(), 99, nil, map[string]any{"name": "x"}, false)
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Entity != domain.EntityFeature || nf.ID != 99 {
		t.Fatalf("unexpected not-found detail: %+v", nf)
	}

	got, err := store.Get(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Properties["name"] != "a" {
		t.Fatalf("expected store unchanged, got %+v", got.Properties)
	}
}

func TestUpdateRequiresSomeChange(t *testing.T) {
	store := newTestStore()
	f := mustAdd(t, store, squareA, nil)

	_, _, err := store.Update(context.Background(), f.ID, nil, nil, false)
	var perr domain.ParameterError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParameterError, got %v", err)
	}
}

func TestAddRejectsUnsupportedType(t *testing.T) {
	store := newTestStore()
	_, _, err := store.Add(context.Background(), geometry.FromWKT("MULTIPOINT(0 0,1 1)"), nil, false)
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Kind != domain.ValidationGeometryType {
		t.Fatalf("expected geometry type error, got %s", verr.Kind)
	}
}

func TestAddRepairPromotionPassesTypeGate(t *testing.T) {
	store := newTestStore()
	// Bow-tie polygon repairs into a MultiPolygon; the original type is what
	// the type gate checks.
	f, rep, err := store.Add(context.Background(), geometry.FromWKT("POLYGON((0 0,2 2,2 0,0 2,0 0))"), nil, true)
	if err != nil {
		t.Fatalf("add with repair: %v", err)
	}
	if rep.Status != geometry.RepairRepaired {
		t.Fatalf("expected repaired outcome, got %s", rep.Status)
	}
	if !rep.TypeChanged() {
		t.Fatalf("expected type promotion, got %+v", rep)
	}
	if got := f.Geometry.Type().String(); got != "MultiPolygon" {
		t.Fatalf("expected stored MultiPolygon, got %s", got)
	}
}

func TestMalformedPropertiesCoerceToEmpty(t *testing.T) {
	backend := memory.NewStore()
	store := NewFeatureStore(backend)
	g, _, err := geometry.Parse(geometry.FromWKT("POINT(1 2)"), false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rows := []domain.StoredFeature{
		{ID: 1, Properties: []byte(`[1,2,3]`), Geometry: geometry.EncodeWKB(g), SRID: 4326},
		{ID: 2, Properties: []byte(`{"name":"ok"}`), Geometry: geometry.EncodeWKB(g), SRID: 4326},
	}
	if err := backend.ReplaceFeatures(context.Background(), rows); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	features, err := store.Features(context.Background())
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if len(features) != 2 {
		t.Fatalf("expected both rows to load, got %d", len(features))
	}
	if len(features[0].Properties) != 0 {
		t.Fatalf("expected bad payload coerced to empty mapping, got %+v", features[0].Properties)
	}
	if features[1].Properties["name"] != "ok" {
		t.Fatalf("expected good payload kept, got %+v", features[1].Properties)
	}
}

func TestFeaturesReturnIndependentCopies(t *testing.T) {
	store := newTestStore()
	mustAdd(t, store, squareA, map[string]any{"name": "a"})

	first, err := store.Features(context.Background())
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	first[0].Properties["name"] = "mutated"

	second, err := store.Features(context.Background())
	if err != nil {
		t.Fatalf("features: %v", err)
	}
	if second[0].Properties["name"] != "a" {
		t.Fatalf("expected stored properties unchanged, got %+v", second[0].Properties)
	}
}
