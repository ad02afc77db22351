package blob

import (
	"context"
	"fmt"

	"github.com/max-bytes/omnikeeper-sub003/internal/config"
	"github.com/max-bytes/omnikeeper-sub003/internal/infra/blob/fs"
	memorystore "github.com/max-bytes/omnikeeper-sub003/internal/infra/blob/memory"
	infraS3 "github.com/max-bytes/omnikeeper-sub003/internal/infra/blob/s3"
)

// S3Config re-exports the infra S3 configuration.
type S3Config = infraS3.Config

// Open builds the store selected by cfg.Driver (fs, s3 or memory).
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}

// NewFilesystem returns a store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory returns a process-local store.
func NewMemory() Store { return memorystore.New() }

// NewS3 returns a store backed by an S3-compatible bucket.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// NewMockS3ForTests returns an S3 store talking to an in-process fake endpoint.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
