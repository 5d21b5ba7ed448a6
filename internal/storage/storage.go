// Package storage abstracts the blob store that holds extracted document
// images. Backends: local filesystem, S3-compatible object storage
// (including MinIO), and Google Cloud Storage.
package storage

import "context"

// BlobStore uploads, reads back, and deletes opaque byte blobs addressed by
// key (e.g. "documents/{doc_id}/images/{image_id}.{ext}").
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
