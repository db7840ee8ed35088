package history

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
)

func TestPebbleStoreAppendAndReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenPebble(dir)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, record("abc", 1)))
	require.NoError(t, s.Append(ctx, record("abc", 5)))
	require.NoError(t, s.Append(ctx, record("def", 0)))
	assert.Equal(t, 2, s.Len())

	ok, err := s.Contains(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	reopened, err := OpenPebble(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Len())
	ok, err = reopened.Contains(ctx, "def")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = reopened.Contains(ctx, "ghi")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPebbleStoreDetectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenPebble(dir)
	require.NoError(t, err)
	require.NoError(t, s.db.Set([]byte(prefixHistory+"bad"), []byte{0xc1}, pebble.Sync))
	require.NoError(t, s.Close())

	_, err = OpenPebble(dir)
	var corrupt *common.StoreCorruptError
	require.ErrorAs(t, err, &corrupt)
}

func TestOpenPebbleThroughFactory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(ctx, cfg.HistoryConfiguration{Engine: cfg.HistoryPebble}, dir)
	require.NoError(t, err)

	_, isFiltered := store.(*filteredStore)
	assert.True(t, isFiltered)

	ok, err := store.Contains(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Append(ctx, record("abc", 1)))
	ok, err = store.Contains(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, store.Close())

	// Records written before open populate the filter
	store, err = Open(ctx, cfg.HistoryConfiguration{Engine: cfg.HistoryPebble}, dir)
	require.NoError(t, err)
	defer store.Close()
	ok, err = store.Contains(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open(context.Background(), cfg.HistoryConfiguration{Engine: "etcd"}, t.TempDir())
	assert.True(t, common.IsFatal(err))
}
