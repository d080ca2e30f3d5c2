package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>content</html>")
	uri, err := store.PutObject(context.Background(), "snapshots/example.com/abc.html", "text/html", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://snapshots/example.com/abc.html" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'X'
	stored, ok := store.Object("snapshots/example.com/abc.html")
	if !ok || string(stored) != "<html>content</html>" {
		t.Fatalf("expected stored copy to be immutable, got %q", stored)
	}
}

func TestBlobStoreStat(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	if _, ok, err := store.Stat(ctx, "missing.html"); err != nil || ok {
		t.Fatalf("Stat(missing) = %v, %v", ok, err)
	}
	if _, err := store.PutObject(ctx, "a.html", "text/html", bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	uri, ok, err := store.Stat(ctx, "a.html")
	if err != nil || !ok || uri != "memory://a.html" {
		t.Fatalf("Stat(a.html) = %q, %v, %v", uri, ok, err)
	}
}
