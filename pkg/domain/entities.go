// Package domain defines the core entities, value types, typed errors, and
// persistence contracts shared by the feature store and the analysis engine.
package domain

import (
	"time"

	"github.com/peterstace/simplefeatures/geom"
)

// EntityType identifies the kind of record addressed by store operations.
type EntityType string

// Entity identifiers used in error values and persistence rows.
const (
	// EntityFeature identifies a live feature row.
	EntityFeature EntityType = "feature"
	// EntityAnalysisResult identifies a derived analysis catalog row.
	EntityAnalysisResult EntityType = "analysis_result"
)

// Feature is one row of the live working set: an identified geometry with an
// open property mapping. Geometries are held in the canonical geographic CRS
// (EPSG:4326); any other reference system is transient, existing only for the
// duration of a computation or an explicit in-memory reprojection.
type Feature struct {
	ID         int64          `json:"feature_id"`
	Properties map[string]any `json:"properties"`
	Geometry   geom.Geometry  `json:"geometry"`
}

// Clone returns a copy of the feature whose properties mapping is deep-copied
// so callers cannot mutate shared store state.
func (f Feature) Clone() Feature {
	f.Properties = CloneProperties(f.Properties)
	return f
}

// OperationType tags analysis catalog rows with the operation that produced
// them. Only persisting operations appear here; read-only queries (intersect,
// union, nearest neighbor, summary statistics) never write catalog rows.
type OperationType string

// Catalog operation tags.
const (
	OperationBuffer   OperationType = "buffer"
	OperationClip     OperationType = "clip"
	OperationSimplify OperationType = "simplify"
	OperationDissolve OperationType = "dissolve"
)

// Valid reports whether t is one of the persisting operation tags.
func (t OperationType) Valid() bool {
	switch t {
	case OperationBuffer, OperationClip, OperationSimplify, OperationDissolve:
		return true
	}
	return false
}

// AnalysisResult is one derived row of the result catalog. Rows are immutable
// once created: persisting analysis operations append them, callers delete
// them individually, and nothing ever updates or bulk-replaces them. The
// catalog grows without bound by policy; pruning is the operator's concern
// via DeleteResult and the listing filters.
type AnalysisResult struct {
	ID               int64          `json:"result_id"`
	Operation        OperationType  `json:"operation_type"`
	SourceFeatureIDs []int64        `json:"source_feature_ids"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Description      string         `json:"description,omitempty"`
	Geometry         geom.Geometry  `json:"geometry"`
	Properties       map[string]any `json:"properties,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Clone returns a copy with deep-copied mappings and source id list.
func (r AnalysisResult) Clone() AnalysisResult {
	r.SourceFeatureIDs = append([]int64(nil), r.SourceFeatureIDs...)
	r.Parameters = CloneProperties(r.Parameters)
	r.Properties = CloneProperties(r.Properties)
	return r
}

// CloneProperties deep-copies an open property mapping, descending into
// nested maps and slices. Scalar values are shared; they are immutable once
// decoded from JSON.
func CloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneProperties(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
