package ports

import (
	"context"
	"time"

	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// ReleaseDescriptor describes one downloadable package release.
type ReleaseDescriptor struct {
	PublishedAt time.Time
	PluginID    string
	Version     string
	Source      string
	Digest      values.Digest
	Size        int64
}

// ProgressFunc reports download progress. total is -1 when unknown.
type ProgressFunc func(done, total int64)

// Acquirer fetches packages from a remote release source. Download
// verifies the content hash before returning the local path.
type Acquirer interface {
	FetchReleases(ctx context.Context) ([]ReleaseDescriptor, error)
	Download(ctx context.Context, release ReleaseDescriptor, onProgress ProgressFunc) (string, error)
}
