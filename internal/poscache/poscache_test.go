package poscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planboard/internal/domain"
)

func samplePosition() domain.Position {
	start := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	return domain.Position{Start: start, End: start.Add(time.Hour)}
}

func TestMemoryExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	m, err := NewMemory(8, 10*time.Minute)
	require.NoError(t, err)
	m.Now = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, "t1", samplePosition()))
	pos, ok, err := m.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, samplePosition(), pos)

	now = now.Add(9 * time.Minute)
	_, ok, _ = m.Get(ctx, "t1")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, _ = m.Get(ctx, "t1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryDeleteAndEviction(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(2, time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, "a", samplePosition()))
	require.NoError(t, m.Put(ctx, "b", samplePosition()))
	require.NoError(t, m.Put(ctx, "c", samplePosition()))
	_, ok, _ := m.Get(ctx, "a")
	assert.False(t, ok, "least recently used entry is evicted")

	require.NoError(t, m.Delete(ctx, "b"))
	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryRejectsZeroTTL(t *testing.T) {
	_, err := NewMemory(8, 0)
	assert.Error(t, err)
}

func TestRedisRoundTripAndExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	r, err := NewRedis(ctx, RedisConfig{Addr: mr.Addr(), Prefix: "pos:", TTL: 10 * time.Minute})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Put(ctx, "t1", samplePosition()))
	assert.True(t, mr.Exists("pos:t1"))

	pos, ok, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, samplePosition().Start.Equal(pos.Start))
	assert.True(t, samplePosition().End.Equal(pos.End))

	mr.FastForward(11 * time.Minute)
	_, ok, err = r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDeleteAndCorruptEntry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	r, err := NewRedis(ctx, RedisConfig{Addr: mr.Addr(), Prefix: "pos:", TTL: time.Minute})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Put(ctx, "t1", samplePosition()))
	require.NoError(t, r.Delete(ctx, "t1"))
	_, ok, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mr.Set("pos:t2", "not json"))
	_, ok, err = r.Get(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("pos:t2"))
}

func TestNewRedisFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedis(ctx, RedisConfig{Addr: "127.0.0.1:1", TTL: time.Minute})
	assert.Error(t, err)
}
