package blob

import (
	"context"
	"fmt"
	"os"
)

// Environment variables read by Open.
const (
	EnvDriver = "CYTOPROFILE_BLOB_DRIVER"
	EnvFSRoot = "CYTOPROFILE_BLOB_FS_ROOT"
)

// Open selects a blob.Store implementation using environment variables.
//
//	CYTOPROFILE_BLOB_DRIVER: fs|s3|memory (default fs)
//	CYTOPROFILE_BLOB_FS_ROOT: directory root when driver=fs (default ./artifacts)
//	(S3 specific variables documented in internal/infra/blob/s3)
func Open(ctx context.Context) (Store, error) {
	return OpenDriver(ctx, Driver(os.Getenv(EnvDriver)), os.Getenv(EnvFSRoot))
}

// OpenDriver constructs the named driver. An empty driver means fs; root is
// only used by the fs driver.
func OpenDriver(ctx context.Context, driver Driver, root string) (Store, error) {
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(root)
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}
