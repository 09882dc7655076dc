package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The redis and postgres backends run the same contract when a server is
// reachable through the environment.
func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			url := os.Getenv("TEST_REDIS_URL")
			if url == "" {
				t.Skip("TEST_REDIS_URL not set")
			}
			s, err := ConnectRedis(ctx, url, 1, time.Millisecond)
			require.NoError(t, err)
			return s
		},
		"postgres": func(t *testing.T) Store {
			url := os.Getenv("TEST_DATABASE_URL")
			if url == "" {
				t.Skip("TEST_DATABASE_URL not set")
			}
			s, err := ConnectPostgres(ctx, url)
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			key := "contract:" + name + ":" + time.Now().Format(time.RFC3339Nano)
			defer s.Delete(ctx, key)

			require.NoError(t, s.Ping(ctx))

			_, err := s.Get(ctx, key)
			assert.ErrorIs(t, err, ErrKeyNotFound)

			ok, err := s.SetNX(ctx, key, "a", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, key, "b", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, key, "c", time.Minute))
			v, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "c", v)

			exists, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.True(t, exists)

			require.NoError(t, s.Delete(ctx, key))
			exists, err = s.Exists(ctx, key)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}
