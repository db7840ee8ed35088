package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainFilter(t *testing.T) {
	f, err := NewDomainFilter([]string{"*.example.com", "youtu{be.com,.be}", "Imgur.com"})
	require.NoError(t, err)

	assert.True(t, f.Blocked("news.example.com"))
	assert.False(t, f.Blocked("a.b.example.com"))
	assert.False(t, f.Blocked("example.com"))
	assert.True(t, f.Blocked("youtube.com"))
	assert.True(t, f.Blocked("youtu.be"))
	assert.True(t, f.Blocked("IMGUR.com"))
	assert.False(t, f.Blocked(""))
	assert.False(t, f.Blocked("i.redd.it"))

	deep, err := NewDomainFilter([]string{"**.example.com"})
	require.NoError(t, err)
	assert.True(t, deep.Blocked("a.b.example.com"))
}

func TestDomainFilterEmpty(t *testing.T) {
	f, err := NewDomainFilter(nil)
	require.NoError(t, err)
	assert.False(t, f.Blocked("anything.com"))
}

func TestDomainFilterInvalidPattern(t *testing.T) {
	_, err := NewDomainFilter([]string{"[unclosed"})
	assert.Error(t, err)
}
