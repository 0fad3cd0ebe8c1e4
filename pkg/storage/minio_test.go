package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"pdf-rag-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "documents/report.pdf", ObjectName("report.pdf"))
	assert.Equal(t, "documents/a b.pdf", ObjectName("a b.pdf"))
}

// 需要一个可访问的 MinIO，例如 TEST_MINIO_ENDPOINT=localhost:9000。
func TestArchive_RoundTrip(t *testing.T) {
	endpoint := os.Getenv("TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("set TEST_MINIO_ENDPOINT to run MinIO integration tests")
	}
	ctx := context.Background()
	archive, err := NewArchive(ctx, config.MinIOConfig{
		Endpoint:        endpoint,
		AccessKeyID:     os.Getenv("TEST_MINIO_ACCESS_KEY"),
		SecretAccessKey: os.Getenv("TEST_MINIO_SECRET_KEY"),
		BucketName:      "rag-documents-test",
	})
	require.NoError(t, err)

	name := fmt.Sprintf("doc-%d.pdf", time.Now().UnixNano())
	require.NoError(t, archive.Archive(ctx, name, []byte("%PDF-1.4")))

	u, err := archive.PresignedURL(ctx, name, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, ObjectName(name))

	require.NoError(t, archive.Remove(ctx, name))
	assert.NoError(t, archive.Remove(ctx, name), "removing a missing object is not an error")
}
