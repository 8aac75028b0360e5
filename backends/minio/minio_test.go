package minio_test

import (
	"context"
	"os"
	"testing"

	"github.com/lithammer/shortuuid/v4"
	"github.com/stretchr/testify/require"

	"github.com/golemcloud/golem-core/backends/minio"
)

// Requires a running S3-compatible server; set GOLEM_TEST_S3_ENDPOINT (and
// optionally GOLEM_TEST_S3_ACCESS_KEY / GOLEM_TEST_S3_SECRET_KEY) to run.
func testArchive(t *testing.T) *minio.Archive {
	t.Helper()
	endpoint := os.Getenv("GOLEM_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("GOLEM_TEST_S3_ENDPOINT not set")
	}
	access := os.Getenv("GOLEM_TEST_S3_ACCESS_KEY")
	if access == "" {
		access = "minioadmin"
	}
	secret := os.Getenv("GOLEM_TEST_S3_SECRET_KEY")
	if secret == "" {
		secret = "minioadmin"
	}
	archive, err := minio.NewArchive(minio.Config{
		Endpoint:  endpoint,
		AccessKey: access,
		SecretKey: secret,
		Bucket:    "golem-test-" + shortuuid.New()[:8],
	})
	require.NoError(t, err)
	return archive
}

func TestChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	archive := testArchive(t)

	data := []byte("compressed chunk bytes")
	require.NoError(t, archive.PutChunk(ctx, "c/w", 0, data))

	got, err := archive.GetChunk(ctx, "c/w", 0)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// Re-uploading is idempotent and byte-identical.
	require.NoError(t, archive.PutChunk(ctx, "c/w", 0, data))
	got, err = archive.GetChunk(ctx, "c/w", 0)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, archive.DeleteWorker(ctx, "c/w"))
	_, err = archive.GetChunk(ctx, "c/w", 0)
	require.Error(t, err)
}
