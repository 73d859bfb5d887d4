package rocks

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenzhangda16/tickpipe/pkg/hash"
)

func TestFilterPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.db")
	k := hash.LogPosition("market-data", 3, 99)

	f, err := Open(path, 600, 60)
	require.NoError(t, err)
	seen, err := f.Seen(k, 1000)
	require.NoError(t, err)
	assert.False(t, seen)
	require.NoError(t, f.Add(k, 1000))
	f.Close()

	f, err = Open(path, 600, 60)
	require.NoError(t, err)
	defer f.Close()

	seen, err = f.Seen(k, 1200)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestFilterEvictDropsStaleBuckets(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "replay.db"), 60, 60)
	require.NoError(t, err)
	defer f.Close()

	old := hash.LogPosition("market-data", 0, 1)
	fresh := hash.LogPosition("market-data", 0, 2)
	require.NoError(t, f.Add(old, 1000))   // expires 1060, bucket 17
	require.NoError(t, f.Add(fresh, 1500)) // expires 1560, bucket 26

	require.NoError(t, f.Evict(1300))

	seen, err := f.Seen(old, 1000)
	require.NoError(t, err)
	assert.False(t, seen, "evicted entry is gone")

	seen, err = f.Seen(fresh, 1500)
	require.NoError(t, err)
	assert.True(t, seen)
}
