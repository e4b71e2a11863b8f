package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
)

func newGate(t *testing.T, cooldown time.Duration) (*CooldownGate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCooldownGate(client, "s1", cooldown), mr
}

func TestCooldownGateSuppressesWithinWindow(t *testing.T) {
	g, mr := newGate(t, time.Second)
	ctx := context.Background()
	now := time.Now()

	ok, err := g.Accept(ctx, "code-a", now)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(500 * time.Millisecond)
	ok, err = g.Accept(ctx, "code-a", now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.Accept(ctx, "code-b", now)
	require.NoError(t, err)
	assert.True(t, ok, "other codes are independent")

	mr.FastForward(time.Second)
	ok, err = g.Accept(ctx, "code-a", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldownGateRelease(t *testing.T) {
	g, _ := newGate(t, time.Minute)
	ctx := context.Background()

	at := time.Now()
	ok, err := g.Accept(ctx, "code", at)
	require.NoError(t, err)
	require.True(t, ok)

	left, err := g.Remaining(ctx, "code")
	require.NoError(t, err)
	assert.Greater(t, left, 50*time.Second)

	require.NoError(t, g.Release(ctx, "code", at))
	ok, err = g.Accept(ctx, "code", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldownGateReleaseKeepsNewerClaim(t *testing.T) {
	g, mr := newGate(t, time.Second)
	ctx := context.Background()
	first := time.Now()

	ok, err := g.Accept(ctx, "code", first)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	second := first.Add(2 * time.Second)
	ok, err = g.Accept(ctx, "code", second)
	require.NoError(t, err)
	require.True(t, ok)

	// A slow failure from the first accept must not free the second claim.
	require.NoError(t, g.Release(ctx, "code", first))
	ok, err = g.Accept(ctx, "code", second.Add(time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, "code", second))
	ok, err = g.Accept(ctx, "code", second.Add(2*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldownGatesAreScopedBySession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	factory := CooldownGates(client, time.Minute)
	ctx := context.Background()

	a := factory(attendance.Session{ID: "s1"})
	b := factory(attendance.Session{ID: "s2"})
	ok, err := a.Accept(ctx, "code", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Accept(ctx, "code", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldownGateRedisDown(t *testing.T) {
	g, mr := newGate(t, time.Second)
	mr.Close()
	_, err := g.Accept(context.Background(), "code", time.Now())
	assert.Error(t, err)
}
