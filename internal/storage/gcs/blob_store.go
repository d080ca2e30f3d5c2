// Package gcs stores page snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config names the bucket snapshots land in.
type Config struct {
	Bucket string
	// CacheControl is applied to every uploaded snapshot when set.
	CacheControl string
}

// BlobStore writes content-addressed snapshots to one bucket. Objects are
// created with a does-not-exist precondition, so a second scan of an
// unchanged page costs no upload.
type BlobStore struct {
	bucket       *storage.BucketHandle
	name         string
	cacheControl string
}

// New returns a BlobStore for cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	switch {
	case client == nil:
		return nil, errors.New("gcs: storage client is required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, errors.New("gcs: bucket name is required")
	}
	return &BlobStore{
		bucket:       client.Bucket(cfg.Bucket),
		name:         cfg.Bucket,
		cacheControl: cfg.CacheControl,
	}, nil
}

// PutObject uploads r to key and returns its gs:// URI. An object already
// at key is left untouched and its URI returned.
func (s *BlobStore) PutObject(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("gcs: object key is required")
	}
	w := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = s.cacheControl

	if _, err := io.Copy(w, r); err != nil {
		return "", errors.Join(fmt.Errorf("gcs: upload %s: %w", key, err), w.Close())
	}
	if err := w.Close(); err != nil {
		if alreadyExists(err) {
			return s.uri(key), nil
		}
		return "", fmt.Errorf("gcs: finalize %s: %w", key, err)
	}
	return s.uri(key), nil
}

// Stat reports whether key exists.
func (s *BlobStore) Stat(ctx context.Context, key string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, errors.New("gcs: object key is required")
	}
	if _, err := s.bucket.Object(key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("gcs: stat %s: %w", key, err)
	}
	return s.uri(key), true, nil
}

func (s *BlobStore) uri(key string) string {
	return "gs://" + s.name + "/" + key
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
