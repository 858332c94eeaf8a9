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
	uri, err := store.PutObject(context.Background(), "shards/b.zst", "application/zstd", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	assert.Equal(t, "memory://shards/b.zst", uri)
	_, err = store.PutObject(context.Background(), "shards/a.zst", "", bytes.NewReader(nil))
	require.NoError(t, err)

	got, ok := store.Get("shards/b.zst")
	require.True(t, ok)
	got[0] = 'C'
	again, _ := store.Get("shards/b.zst")
	assert.Equal(t, "content", string(again))
	assert.Equal(t, []string{"shards/a.zst", "shards/b.zst"}, store.Keys())

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "", bytes.NewReader(nil))
	assert.Error(t, err)
}
