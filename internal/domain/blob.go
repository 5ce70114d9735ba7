package domain

import (
	"context"
	"io"
)

// BlobWriter is cold storage for archived rows.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
