package domain

import (
	"context"
	"io"
)

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	// Put uploads data in a single request.
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutMultipart uploads data in parts, for payloads too large for Put.
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}
