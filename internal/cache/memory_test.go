package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetSet(t *testing.T) {
	mc, err := NewMemoryCache(10, time.Minute)
	require.NoError(t, err)
	defer mc.Close()

	_, ok := mc.Get("GET:/a")
	assert.False(t, ok)

	mc.Set("GET:/a", &Entry{StatusCode: 200, ContentType: "application/json", Body: []byte(`{"x":1}`)})
	got, ok := mc.Get("GET:/a")
	require.True(t, ok)
	assert.Equal(t, 200, got.StatusCode)
	assert.JSONEq(t, `{"x":1}`, string(got.Body))
	assert.Equal(t, 1, mc.Len())
}

func TestMemoryCache_Expires(t *testing.T) {
	mc, err := NewMemoryCache(10, 20*time.Millisecond)
	require.NoError(t, err)
	defer mc.Close()

	mc.Set("k", &Entry{StatusCode: 200})
	time.Sleep(40 * time.Millisecond)

	_, ok := mc.Get("k")
	assert.False(t, ok)
}

func TestMemoryCache_EvictsLeastRecent(t *testing.T) {
	mc, err := NewMemoryCache(2, time.Minute)
	require.NoError(t, err)
	defer mc.Close()

	mc.Set("a", &Entry{})
	mc.Set("b", &Entry{})
	mc.Get("a")
	mc.Set("c", &Entry{})

	_, ok := mc.Get("b")
	assert.False(t, ok)
	_, ok = mc.Get("a")
	assert.True(t, ok)
}

func TestNoopCache(t *testing.T) {
	nc := NewNoopCache()
	nc.Set("k", &Entry{})
	_, ok := nc.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, nc.Len())
}

func TestIsCacheable(t *testing.T) {
	assert.True(t, IsCacheable(http.MethodGet))
	assert.True(t, IsCacheable("get"))
	assert.True(t, IsCacheable(""))
	assert.False(t, IsCacheable(http.MethodPost))
}
