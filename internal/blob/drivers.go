package blob

import (
	"context"

	fsstore "geocore/internal/infra/blob/fs"
	memorystore "geocore/internal/infra/blob/memory"
	s3store "geocore/internal/infra/blob/s3"
)

// NewFilesystem returns a filesystem-backed Store rooted at the provided
// path. Call sites get the interface so they stay driver-agnostic.
func NewFilesystem(root string) (Store, error) {
	return fsstore.New(root)
}

// NewMemory returns an in-memory Store suitable for tests.
func NewMemory() Store { return memorystore.New() }

// S3Config aliases the S3 driver configuration for callers that construct
// the store explicitly instead of via environment.
type S3Config = s3store.Config

// NewS3 constructs an S3-backed Store from the provided configuration.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return s3store.New(ctx, cfg)
}

// OpenS3FromEnv constructs an S3 store from GEOCORE_BLOB_S3_* variables.
func OpenS3FromEnv(ctx context.Context) (Store, error) {
	return s3store.OpenFromEnv(ctx)
}

// NewMockS3ForTests exposes the in-memory S3 fake for cross-package tests.
func NewMockS3ForTests() Store { return s3store.NewMockForTests() }
