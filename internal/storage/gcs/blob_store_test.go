package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "analyzer-scans"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{Bucket: "  "})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "analyzer-scans"})
	require.NoError(t, err)
	require.Equal(t, "gs://analyzer-scans/scans/example.com/3f9a.html", store.uri("scans/example.com/3f9a.html"))
}

func TestBlankKeysRejected(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "analyzer-scans"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "text/html", nil)
	require.Error(t, err)
	_, _, err = store.Stat(context.Background(), "")
	require.Error(t, err)
}

func TestAlreadyExists(t *testing.T) {
	t.Parallel()

	precondition := &googleapi.Error{Code: http.StatusPreconditionFailed}
	require.True(t, alreadyExists(precondition))
	require.True(t, alreadyExists(fmt.Errorf("close: %w", precondition)))
	require.False(t, alreadyExists(&googleapi.Error{Code: http.StatusForbidden}))
	require.False(t, alreadyExists(errors.New("network down")))
}
