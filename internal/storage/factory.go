package storage

import (
	"context"
	"fmt"
)

// Config selects and parameterizes a BlobStore backend.
type Config struct {
	Backend      string // "local" | "s3" | "minio" | "gcs"
	LocalDir     string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	GCSBucket    string
	GCSProjectID string
}

// New constructs the BlobStore named by cfg.Backend. "minio" is an alias for
// "s3": MinIO speaks the S3 API, and NewS3Store already switches to
// path-style addressing whenever an endpoint is set.
func New(ctx context.Context, cfg Config) (BlobStore, error) {
	switch cfg.Backend {
	case "s3", "minio":
		return NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCSBucket)
	case "local", "":
		dir := cfg.LocalDir
		if dir == "" {
			dir = "./data/blobs"
		}
		return NewLocalStore(dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
