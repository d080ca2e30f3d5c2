// Package storage defines where scanned page snapshots are kept. Backends
// live in the memory, local, and gcs subpackages.
package storage

import (
	"context"
	"io"
)

// BlobStore writes content-addressed snapshots.
type BlobStore interface {
	// PutObject stores the reader's content at path and returns its URI.
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	// Stat reports the URI of an existing object so identical snapshots are
	// written once.
	Stat(ctx context.Context, path string) (uri string, exists bool, err error)
}
