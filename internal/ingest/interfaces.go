package ingest

import (
	"context"
	"io"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Hasher produces content hashes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator creates surrogate identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore persists raw documents and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits JSON events to a topic.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}
