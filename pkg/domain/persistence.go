package domain

import (
	"context"
	"time"
)

// StoredFeature is the wire form of a feature row held by a backend. The
// geometry travels as WKB with an explicit SRID; properties stay as raw JSON
// so that a malformed payload is coerced to an empty mapping at load time
// instead of failing the whole load.
type StoredFeature struct {
	ID         int64
	Properties []byte
	Geometry   []byte
	SRID       int
}

// StoredResult is the wire form of an analysis catalog row.
type StoredResult struct {
	ID          int64
	Operation   string
	SourceIDs   []int64
	Parameters  []byte
	Description string
	Geometry    []byte
	Properties  []byte
	SRID        int
	CreatedAt   time.Time
}

// ResultFilter narrows catalog listings. Nil fields match every row.
type ResultFilter struct {
	ResultID  *int64
	Operation *string
}

// Backend is the durable-store contract consumed by the feature store and
// the result catalog. Backends persist opaque rows; all geometry and
// property codec work happens above them. A backend only needs to be safe
// for one store instance: the store serializes its own mutations.
type Backend interface {
	// LoadFeatures returns every feature row.
	LoadFeatures(ctx context.Context) ([]StoredFeature, error)
	// ReplaceFeatures replaces the entire features relation in one transaction.
	ReplaceFeatures(ctx context.Context, rows []StoredFeature) error
	// UpdateFeature rewrites a single row by id, returning NotFoundError when
	// the id has no row.
	UpdateFeature(ctx context.Context, row StoredFeature) error
	// AppendResults appends a batch of catalog rows in one transaction and
	// returns the assigned result ids in input order. A failed batch writes
	// nothing.
	AppendResults(ctx context.Context, rows []StoredResult) ([]int64, error)
	// ListResults returns catalog rows matching the filter, newest first
	// (created_at descending, then result id descending).
	ListResults(ctx context.Context, filter ResultFilter) ([]StoredResult, error)
	// DeleteResult removes one catalog row, reporting whether it existed.
	DeleteResult(ctx context.Context, id int64) (bool, error)
	// Close releases backend resources.
	Close() error
}
