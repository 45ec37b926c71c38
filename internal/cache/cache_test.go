package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLCacheGetSet(t *testing.T) {
	c := New[string, int](4)

	_, ok := c.Get("a")
	require.False(t, ok)

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestTTLCacheExpiry(t *testing.T) {
	c := New[string, int](4)
	c.Set("a", 1, 5*time.Millisecond)

	time.Sleep(15 * time.Millisecond)
	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestTTLCacheEviction(t *testing.T) {
	c := New[string, int](2)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("c", 3, 0) // evicts "a" (least recently used)

	_, ok := c.Get("a")
	require.False(t, ok)

	v, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestTTLCacheRemove(t *testing.T) {
	c := New[string, int](4)
	c.Set("a", 1, 0)
	c.Remove("a")
	_, ok := c.Get("a")
	require.False(t, ok)
}
