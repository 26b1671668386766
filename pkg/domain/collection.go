package domain

import (
	"encoding/json"
	"fmt"

	"github.com/peterstace/simplefeatures/geom"
)

// FeatureCollection is the GeoJSON interchange form of a set of features,
// both for responses and for externally supplied collections (spatial join
// inputs, bulk loads).
type FeatureCollection struct {
	Features []geom.GeoJSONFeature
}

type featureCollectionJSON struct {
	Type     string                `json:"type"`
	Features []geom.GeoJSONFeature `json:"features"`
}

// MarshalJSON renders the collection as a GeoJSON FeatureCollection. An
// empty collection marshals with an empty features array, never null.
func (c FeatureCollection) MarshalJSON() ([]byte, error) {
	features := c.Features
	if features == nil {
		features = []geom.GeoJSONFeature{}
	}
	return json.Marshal(featureCollectionJSON{Type: "FeatureCollection", Features: features})
}

// UnmarshalJSON decodes a GeoJSON FeatureCollection, rejecting payloads with
// a different type tag.
func (c *FeatureCollection) UnmarshalJSON(data []byte) error {
	var raw featureCollectionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type != "FeatureCollection" {
		return fmt.Errorf("expected FeatureCollection, got %q", raw.Type)
	}
	c.Features = raw.Features
	return nil
}

// Len returns the number of features in the collection.
func (c FeatureCollection) Len() int {
	return len(c.Features)
}

// NewFeatureCollection converts live store features into their interchange
// form, carrying ids through the GeoJSON id member.
func NewFeatureCollection(features []Feature) FeatureCollection {
	out := make([]geom.GeoJSONFeature, 0, len(features))
	for _, f := range features {
		out = append(out, geom.GeoJSONFeature{
			ID:         f.ID,
			Geometry:   f.Geometry,
			Properties: CloneProperties(f.Properties),
		})
	}
	return FeatureCollection{Features: out}
}

// NewResultCollection converts catalog rows into their interchange form. The
// row identity and provenance ride along in the properties mapping so the
// payload is self-describing.
func NewResultCollection(results []AnalysisResult) FeatureCollection {
	out := make([]geom.GeoJSONFeature, 0, len(results))
	for _, r := range results {
		props := CloneProperties(r.Properties)
		if props == nil {
			props = make(map[string]any)
		}
		props["result_id"] = r.ID
		props["operation_type"] = string(r.Operation)
		props["source_feature_ids"] = append([]int64(nil), r.SourceFeatureIDs...)
		if r.Description != "" {
			props["description"] = r.Description
		}
		props["created_at"] = r.CreatedAt
		out = append(out, geom.GeoJSONFeature{ID: r.ID, Geometry: r.Geometry, Properties: props})
	}
	return FeatureCollection{Features: out}
}
