package blob

import (
	"context"
	"fmt"
	"os"
)

// Open selects a blob.Store implementation from environment variables.
//
//	GEOCORE_BLOB_DRIVER: fs|s3|memory (default fs)
//	GEOCORE_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	GEOCORE_BLOB_S3_*: S3 settings, documented in drivers.go
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("GEOCORE_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("GEOCORE_BLOB_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
