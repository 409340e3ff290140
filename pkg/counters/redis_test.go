package counters

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	t.Run("incr", func(t *testing.T) {
		mr, client := setupRedis(t)
		store := NewRedisStore(client, "")

		n, err := store.Incr(ctx, "webhook:invoice.payment_failed:recorded")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = store.Incr(ctx, "webhook:invoice.payment_failed:recorded")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		got, err := mr.Get(DefaultPrefix + "webhook:invoice.payment_failed:recorded")
		require.NoError(t, err)
		assert.Equal(t, "2", got)
	})

	t.Run("snapshot filters by prefix", func(t *testing.T) {
		mr, client := setupRedis(t)
		store := NewRedisStore(client, "test:")

		for i := 0; i < 3; i++ {
			_, err := store.Incr(ctx, "webhook:customer.subscription.updated:applied")
			require.NoError(t, err)
		}
		_, err := store.Incr(ctx, "invoice.payment_failed:customer:cus_1")
		require.NoError(t, err)
		require.NoError(t, mr.Set("other:key", "7"))

		all, err := store.Snapshot(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, map[string]int64{
			"webhook:customer.subscription.updated:applied": 3,
			"invoice.payment_failed:customer:cus_1":         1,
		}, all)

		webhooks, err := store.Snapshot(ctx, "webhook:")
		require.NoError(t, err)
		assert.Len(t, webhooks, 1)
	})

	t.Run("snapshot of nothing", func(t *testing.T) {
		_, client := setupRedis(t)
		all, err := NewRedisStore(client, "").Snapshot(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("redis down", func(t *testing.T) {
		mr, client := setupRedis(t)
		mr.Close()
		_, err := NewRedisStore(client, "").Incr(ctx, "x")
		assert.Error(t, err)
	})
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _ = m.Incr(ctx, "webhook:a")
	n, err := m.Incr(ctx, "webhook:a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, _ = m.Incr(ctx, "invoice:b")

	snap, err := m.Snapshot(ctx, "webhook:")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"webhook:a": 2}, snap)
}
