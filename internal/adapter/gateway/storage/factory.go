package storage

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	appconfig "github.com/YoshitsuguKoike/storyflow/internal/app/config"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
)

// Archive backends
const (
	BackendNone  = ""
	BackendLocal = "local"
	BackendS3    = "s3"
)

// NewGateway builds the archive gateway selected by settings. It returns
// nil, nil when archiving is disabled.
func NewGateway(ctx context.Context, settings appconfig.ArchiveSettings, fs afero.Fs, localDir string) (output.StorageGateway, error) {
	switch settings.Backend {
	case BackendNone:
		return nil, nil
	case BackendLocal:
		return NewLocalStorageGateway(fs, localDir)
	case BackendS3:
		return NewS3StorageGateway(ctx, S3Config{
			BucketName: settings.Bucket,
			Prefix:     settings.Prefix,
			Region:     settings.Region,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", settings.Backend)
	}
}
