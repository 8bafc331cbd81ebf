// Package presign mints short-TTL presigned GET/PUT URLs rooted at canonical
// world paths, and exposes the narrow object-store surface the orchestrator
// needs (receipt writes, index reads).
//
// The presigner guarantees only that a URL stays valid for at least its TTL
// and is bound to the method, key, and content type it was minted with. It
// never guarantees the object exists.
package presign

import (
	"context"
	"io"
	"time"
)

// Presigner mints method-bound presigned URLs.
type Presigner interface {
	// PutURL returns a presigned PUT URL for bucket/key valid at least ttl.
	// When contentType is non-empty the signature binds it.
	PutURL(ctx context.Context, bucket, key string, ttl time.Duration, contentType string) (string, error)

	// GetURL returns a presigned GET URL for bucket/key valid at least ttl.
	GetURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// ObjectStore is the direct GET/PUT surface used for receipts and index
// verification. Artifact bytes never travel through it; those go
// processor→store via presigned PUT.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key, contentType string, body []byte) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}
