package minio

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/embedvault/blobstore"
)

func TestStore_Key(t *testing.T) {
	assert.Equal(t, "a/b", NewStore(nil, "bucket", "a/").key("b"))
	assert.Equal(t, "b", NewStore(nil, "bucket", "").key("b"))
}

// TestMinioStore_Integration requires a running MinIO instance.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	client, err := Dial(endpoint, "minioadmin", "minioadmin", false)
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	const bucket = "test-embedvault"
	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	s := NewStore(client, bucket, "it/")
	require.NoError(t, s.Put(ctx, "snap/manifest.json", strings.NewReader("{}"), 2))

	rc, err := s.Get(ctx, "snap/manifest.json")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "{}", string(b))

	names, err := s.List(ctx, "snap/")
	require.NoError(t, err)
	assert.Contains(t, names, "snap/manifest.json")

	_, err = s.Get(ctx, "snap/missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "snap/manifest.json"))
}
