package gcp

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("DOCUMENTS_BUCKET", "epstein-files")
	assert.Equal(t, "epstein-files", GetEnv("DOCUMENTS_BUCKET", "fallback"))
	assert.Equal(t, "fallback", GetEnv("DOCUMENTS_BUCKET_UNSET", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	n, err := GetEnvInt("RENDER_CONCURRENCY_UNSET", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Setenv("RENDER_CONCURRENCY", "8")
	n, err = GetEnvInt("RENDER_CONCURRENCY", 3)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	t.Setenv("RENDER_CONCURRENCY", "")
	n, err = GetEnvInt("RENDER_CONCURRENCY", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Setenv("RENDER_CONCURRENCY", "three")
	_, err = GetEnvInt("RENDER_CONCURRENCY", 3)
	assert.ErrorContains(t, err, "RENDER_CONCURRENCY")
}

func TestIsPreconditionFailed(t *testing.T) {
	wrapped := fmt.Errorf("write: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})
	assert.True(t, isPreconditionFailed(wrapped))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusServiceUnavailable}))
	assert.False(t, isPreconditionFailed(errors.New("connection reset")))
}

func TestRecordID(t *testing.T) {
	id := RecordID("VOL001/EFTA00000001.pdf")
	assert.Len(t, id, 64)
	assert.NotContains(t, id, "/")
	assert.Equal(t, id, RecordID("VOL001/EFTA00000001.pdf"))
	assert.NotEqual(t, id, RecordID("VOL001/EFTA00000002.pdf"))
}

func TestNewBucket_RequiresName(t *testing.T) {
	_, err := NewBucket(nil, "")
	assert.Error(t, err)
}
