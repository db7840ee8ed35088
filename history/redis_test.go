package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a reachable server, e.g. REDIS_URL=redis://localhost:6379/15
func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	ctx := context.Background()
	key := fmt.Sprintf("tootbot:test:%d", time.Now().UnixNano())

	s, err := OpenRedis(ctx, url, key)
	require.NoError(t, err)
	defer func() {
		s.client.Del(ctx, key)
		s.Close()
	}()

	require.NoError(t, s.Append(ctx, record("abc", 1)))
	require.NoError(t, s.Append(ctx, record("abc", 4)))
	assert.Equal(t, 1, s.Len())

	ok, err := s.Contains(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	var scanned []string
	require.NoError(t, s.scan(ctx, func(id string) { scanned = append(scanned, id) }))
	assert.Equal(t, []string{"abc"}, scanned)
}

func TestOpenRedisInvalidURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "not-a-url", "")
	assert.Error(t, err)
}
