package diskspill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpillRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	urls := []string{
		"https://a.test/1",
		"https://a.test/2",
		"https://b.test/1",
		"https://c.test/x",
		"https://d.test/y",
	}
	require.NoError(t, store.SaveURLsToDisk(urls))
	assert.Equal(t, int64(len(urls)), store.TotalLines())

	loaded, err := store.LoadURLsFromDisk(len(urls))
	require.NoError(t, err)
	assert.ElementsMatch(t, urls, loaded)
	assert.Equal(t, int64(0), store.TotalLines())
}

func TestSpillPartialLoadLeavesResidual(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	urls := []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"}
	require.NoError(t, store.SaveURLsToDisk(urls))

	loaded, err := store.LoadURLsFromDisk(1)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(len(urls)-1), store.TotalLines())
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	assert.NoError(t, s.SaveURLsToDisk([]string{"https://a.test/"}))
	loaded, err := s.LoadURLsFromDisk(10)
	assert.NoError(t, err)
	assert.Nil(t, loaded)
	assert.Equal(t, int64(0), s.TotalLines())
}

func TestCleanupEmptyShards(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, store.SaveURLsToDisk([]string{"https://a.test/1"}))
	_, err = store.LoadURLsFromDisk(10)
	require.NoError(t, err)

	store.CleanupEmptyShards()
	assert.Equal(t, int64(0), store.TotalLines())
}
