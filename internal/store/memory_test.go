package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notification-pipeline/internal/common"
)

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	now = now.Add(time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreSetNX(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = s.SetNX(ctx, "k", "c", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := s.Get(ctx, "k")
	assert.Equal(t, "c", v)

	require.NoError(t, s.Delete(ctx, "k"))
	assert.Empty(t, s.Keys())
}

func TestOpenMemoryAndSweeperNoop(t *testing.T) {
	s, err := Open(context.Background(), common.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, RunSweeper(context.Background(), s, time.Millisecond, zerolog.Nop()))

	_, err = Open(context.Background(), common.StoreConfig{Driver: "etcd"})
	assert.Error(t, err)
}
