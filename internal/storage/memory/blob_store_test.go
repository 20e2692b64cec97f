package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "raw/6k/1/a.txt", "text/plain", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	assert.Equal(t, "memory://raw/6k/1/a.txt", uri)

	got, ok := store.Object("raw/6k/1/a.txt")
	require.True(t, ok)
	got[0] = 'C'
	again, _ := store.Object("raw/6k/1/a.txt")
	assert.Equal(t, "content", string(again))
	assert.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "text/plain", bytes.NewReader(nil))
	assert.Error(t, err)
}
