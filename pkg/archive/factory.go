package archive

import (
	"context"
	"fmt"
)

// Kind names a backend implementation.
type Kind string

const (
	KindFile Kind = "file"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Kind     Kind   `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Open builds the configured backend. An empty kind is a file backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Kind {
	case "", KindFile:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileBackend(dir)
	case KindS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Backend(ctx, S3Config{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case KindGCS:
		return openGCS(ctx, cfg)
	}
	return nil, fmt.Errorf("archive: unsupported backend %q", cfg.Kind)
}
