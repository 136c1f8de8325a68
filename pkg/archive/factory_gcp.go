//go:build gcp

package archive

import "context"

func openGCS(ctx context.Context, cfg Config) (Backend, error) {
	return NewGCSBackend(ctx, GCSConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
