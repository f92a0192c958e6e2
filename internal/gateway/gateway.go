// Package gateway is the boundary to the remote backend.
//
// The sync engine only talks to a Gateway: record writes plus blob uploads.
// HTTPClient speaks a PostgREST-style REST API with a storage endpoint;
// S3Uploader sends blobs to any S3-compatible bucket and can be combined
// with another RecordWriter through Split.
package gateway

import (
	"context"

	"github.com/roach88/fieldsync/internal/payload"
)

// RecordWriter performs remote record writes.
type RecordWriter interface {
	// Insert creates a record and returns the stored row.
	Insert(ctx context.Context, entityType string, record payload.Object) (payload.Object, error)

	// Update patches a record and returns the stored row. A nil row means
	// the backend returned no representation.
	Update(ctx context.Context, entityType, id string, patch payload.Object) (payload.Object, error)

	// Delete removes a record.
	Delete(ctx context.Context, entityType, id string) error
}

// BlobUploader stores binary payloads.
type BlobUploader interface {
	// UploadBlob stores data under path and returns its URL.
	UploadBlob(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Gateway is everything the sync engine needs from the remote side.
type Gateway interface {
	RecordWriter
	BlobUploader
}

// Split combines a RecordWriter and a BlobUploader into a Gateway.
type Split struct {
	RecordWriter
	BlobUploader
}

var _ Gateway = Split{}

type idempotencyKey struct{}

// WithIdempotencyKey attaches a client-generated key (the mutation or
// attachment id) to ctx. Gateways forward it so the backend can dedupe
// resends after a crash.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(idempotencyKey{}).(string)
	return key, ok && key != ""
}
