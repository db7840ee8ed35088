package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tootbot/tootbot/common"
)

func record(id string, successes int) common.Record {
	return common.Record{ID: id, Successes: successes, PostedAt: time.Date(2024, time.March, 5, 14, 1, 59, 0, time.Local)}
}

func TestFileStoreCreatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.csv")

	s, err := OpenFile(path)
	require.NoError(t, err)
	defer s.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fileHeader+"\n", string(data))
	assert.Equal(t, 0, s.Len())
}

func TestFileStoreAppendAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.csv")

	s, err := OpenFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, record("abc123", 2)))
	require.NoError(t, s.Append(ctx, record("def456", 0)))

	ok, err := s.Contains(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fileHeader+"\nabc123,2,2024 Mar 05 14:01:59\ndef456,0,2024 Mar 05 14:01:59\n", string(data))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Len())
	for _, id := range []string{"abc123", "def456"} {
		ok, err := reopened.Contains(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	ok, err = reopened.Contains(ctx, "zzz999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.csv")

	s, err := OpenFile(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(ctx, record("abc123", 1)))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, record("abc123", 3)))
	after, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, 1, s.Len())
}

func TestFileStoreReadsLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.csv")
	legacy := "reddit id,successful posts,time posted\r\n" +
		"t0a1b2,1,2023 Jan 02 03:04:05\r\n" +
		"\n" +
		"t0c3d4,0,2023 Dec 31 23:59:59\n"
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	s, err := OpenFile(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 2, s.Len())
	ok, _ := s.Contains(context.Background(), "t0c3d4")
	assert.True(t, ok)
}

func TestFileStoreFailsOnCorruptLine(t *testing.T) {
	tests := []struct {
		name string
		body string
		line int
	}{
		{"bad header", "id,count\nabc,1,2023 Jan 02 03:04:05\n", 1},
		{"missing field", fileHeader + "\nabc,1\n", 2},
		{"bad count", fileHeader + "\nabc,one,2023 Jan 02 03:04:05\n", 2},
		{"bad timestamp", fileHeader + "\nabc,1,2023-01-02\n", 2},
		{"empty id", fileHeader + "\nok1,1,2023 Jan 02 03:04:05\n,1,2023 Jan 02 03:04:05\n", 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.csv")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0644))

			_, err := OpenFile(path)
			var corrupt *common.StoreCorruptError
			require.ErrorAs(t, err, &corrupt)
			assert.Equal(t, tc.line, corrupt.Line)
			assert.True(t, common.IsFatal(err))

			// The file is left untouched for inspection
			data, readErr := os.ReadFile(path)
			require.NoError(t, readErr)
			assert.Equal(t, tc.body, string(data))
		})
	}
}

func TestFileStoreRepairsTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.csv")
	body := fileHeader + "\nabc123,1,2024 Mar 05 14:01:59\ndef4"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	s, err := OpenFile(path)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Append(ctx, record("ghi789", 1)))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fileHeader+"\nabc123,1,2024 Mar 05 14:01:59\nghi789,1,2024 Mar 05 14:01:59\n", string(data))
}

func TestFileStoreCompletesMissingNewline(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.csv")
	require.NoError(t, os.WriteFile(path, []byte(fileHeader+"\nabc123,1,2024 Mar 05 14:01:59"), 0644))

	s, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, record("def456", 0)))
	require.NoError(t, s.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.Len())
}

func TestFileStoreRejectsSeparatorInID(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "cache.csv"))
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Append(context.Background(), record("a,b", 1)))
	assert.Error(t, s.Append(context.Background(), record("", 1)))
	assert.Equal(t, 0, s.Len())
}

func TestFileStoreClosed(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "cache.csv"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Contains(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Append(context.Background(), record("x", 1)), ErrClosed)
}

// shortWriteFile writes half of the next buffer and then fails, like a disk
// filling up mid-line
type shortWriteFile struct {
	*os.File
	fail bool
}

func (f *shortWriteFile) Write(p []byte) (int, error) {
	if !f.fail {
		return f.File.Write(p)
	}
	f.fail = false
	n, _ := f.File.Write(p[:len(p)/2])
	return n, errors.New("no space left on device")
}

func TestFileStoreFailedAppendLeavesNoFragment(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.csv")

	s, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, record("abc123", 1)))

	short := &shortWriteFile{File: s.file.(*os.File), fail: true}
	s.file = short
	require.Error(t, s.Append(ctx, record("lost99", 1)))

	require.NoError(t, s.Append(ctx, record("def456", 1)))
	require.NoError(t, s.Close())

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Len())
	for _, id := range []string{"abc123", "def456"} {
		seen, err := reopened.Contains(ctx, id)
		require.NoError(t, err)
		assert.True(t, seen, id)
	}
	seen, err := reopened.Contains(ctx, "lost99")
	require.NoError(t, err)
	assert.False(t, seen, "a failed append must stay eligible")
}
