//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSConfig configures a GCSBackend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSBackend stores objects in one GCS bucket using application default
// credentials.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBackend creates a client.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSBackend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *GCSBackend) object(key string) (*storage.ObjectHandle, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	return b.client.Bucket(b.bucket).Object(b.prefix + key), nil
}

// Put uploads data under key.
func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	obj, err := b.object(key)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: gcs close %s: %w", key, err)
	}
	return nil
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.object(key)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (b *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	obj, err := b.object(key)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	}
	return false, fmt.Errorf("archive: gcs attrs %s: %w", key, err)
}

// Close releases the client.
func (b *GCSBackend) Close() error { return b.client.Close() }
