package domain

import (
	"context"
	"io"
)

// BlobObject describes one object written to cold storage.
type BlobObject struct {
	Key         string
	ContentType string
	// Size is the payload length in bytes, or -1 when unknown.
	Size     int64
	Metadata map[string]string
}

// BlobWriter uploads archives to object storage. Implementations pick the
// upload strategy from obj.Size.
type BlobWriter interface {
	Write(ctx context.Context, obj BlobObject, data io.Reader) error
}
