package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurst(t *testing.T) {
	cl := NewClientLimiters(1, 3, 0)
	defer cl.Stop()
	l := cl.Get("a")

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "message %d within burst", i)
	}
	assert.False(t, l.Allow(), "burst exhausted")
}

func TestClientLimitersAreIndependent(t *testing.T) {
	cl := NewClientLimiters(1, 1, 0)
	defer cl.Stop()

	assert.True(t, cl.Allow("a"))
	assert.False(t, cl.Allow("a"))
	assert.True(t, cl.Allow("b"))
	assert.Same(t, cl.Get("a"), cl.Get("a"))
	assert.Equal(t, 2, cl.Len())

	cl.Remove("a")
	assert.Equal(t, 1, cl.Len())
	assert.True(t, cl.Allow("a"), "a removed client starts with a fresh bucket")
}

func TestEvictBefore(t *testing.T) {
	cl := NewClientLimiters(10, 10, 0)
	defer cl.Stop()

	cl.Get("old")
	cl.evictBefore(time.Now().Add(time.Second))
	assert.Equal(t, 0, cl.Len())

	cl.Get("new")
	cl.evictBefore(time.Now().Add(-time.Minute))
	assert.Equal(t, 1, cl.Len())

	cl.Stop()
	cl.Stop()
}
